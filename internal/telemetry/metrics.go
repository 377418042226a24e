package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики подсистемы оркестрации. Экспортируются на /metrics
// каждого бинарника через promhttp.
var (
	// DispatchTotal — dispatch-вызовы по бэкенду и исходу
	// (ok, dispatch_failed, ambiguous).
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protokol_dispatch_total",
		Help: "Bot dispatch attempts by backend and outcome",
	}, []string{"backend", "outcome"})

	// QuotaRejectionsTotal — отказы Concurrency Gate.
	QuotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protokol_quota_rejections_total",
		Help: "StartBot requests rejected by the concurrency gate",
	})

	// CommandsPublishedTotal — команды, отправленные воркерам.
	CommandsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protokol_commands_published_total",
		Help: "Commands published to bot command channels",
	}, []string{"action"})

	// ReconcileSweepsTotal — завершённые проходы Reconciler.
	ReconcileSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protokol_reconcile_sweeps_total",
		Help: "Completed reconciler sweeps",
	})

	// ReconcileTransitionsTotal — переходы статусов, выполненные
	// Reconciler, по целевому статусу.
	ReconcileTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protokol_reconcile_transitions_total",
		Help: "Session status transitions applied by the reconciler",
	}, []string{"to"})

	// OverQuotaSessions — sessions, помеченные как сверхлимитные
	// на последнем проходе Reconciler.
	OverQuotaSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protokol_over_quota_sessions",
		Help: "Sessions flagged over quota during the last reconciler sweep",
	})

	// SessionsPurgedTotal — терминальные sessions, удалённые retention.
	SessionsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protokol_sessions_purged_total",
		Help: "Terminal sessions purged by the retention job",
	})
)
