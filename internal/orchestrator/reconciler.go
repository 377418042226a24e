package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Protokol/internal/config"
	"github.com/shaiso/Protokol/internal/domain"
	"github.com/shaiso/Protokol/internal/driver"
	"github.com/shaiso/Protokol/internal/gate"
	"github.com/shaiso/Protokol/internal/repo"
	"github.com/shaiso/Protokol/internal/telemetry"
)

// ReconcileStore — операции хранилища, нужные Reconciler.
// Реализуется repo.SessionRepo.
type ReconcileStore interface {
	ListActiveUsers(ctx context.Context) ([]int64, error)
	ListReconcilable(ctx context.Context, userID int64) ([]domain.Session, error)
	Update(ctx context.Context, s *domain.Session) error
	Insert(ctx context.Context, s *domain.Session) error
}

// Reconciler периодически сверяет таблицу sessions с фактическим
// состоянием бэкенда и устраняет дрейф в обе стороны: подтверждает
// запуски, закрывает sessions умерших воркеров, разбирается с
// сиротами и превышением квоты.
//
// Все действия идемпотентны: повторный проход по уже сведённому
// состоянию ничего не меняет.
type Reconciler struct {
	driver       driver.Driver
	store        ReconcileStore
	plans        gate.PlanResolver
	logger       *slog.Logger
	interval     time.Duration
	pendingGrace time.Duration
	orphanPolicy string
	defaultLimit int
	enforceQuota bool
	now          func() time.Time
}

// ReconcilerConfig — зависимости и политики Reconciler.
type ReconcilerConfig struct {
	Driver driver.Driver
	Store  ReconcileStore
	Plans  gate.PlanResolver
	Logger *slog.Logger

	// Interval — период между проходами Run.
	Interval time.Duration

	// PendingGrace — сколько PENDING session может отсутствовать
	// в списке бэкенда, прежде чем будет признана FAILED. Покрывает
	// лаг list-вызова сразу после dispatch.
	PendingGrace time.Duration

	// OrphanPolicy — что делать с воркером без живой session:
	// config.OrphanAdopt, config.OrphanStop или config.OrphanIgnore.
	OrphanPolicy string

	// DefaultLimit — лимит ботов для пользователей без плана.
	DefaultLimit int

	// EnforceQuota — останавливать ли sessions сверх лимита.
	// По умолчанию превышение только помечается флагом over_quota.
	EnforceQuota bool
}

// NewReconciler создаёт Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		driver:       cfg.Driver,
		store:        cfg.Store,
		plans:        cfg.Plans,
		logger:       cfg.Logger,
		interval:     cfg.Interval,
		pendingGrace: cfg.PendingGrace,
		orphanPolicy: cfg.OrphanPolicy,
		defaultLimit: cfg.DefaultLimit,
		enforceQuota: cfg.EnforceQuota,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодическую сверку до отмены контекста.
// Первый проход выполняется сразу, не дожидаясь тика.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started",
		slog.Duration("interval", r.interval),
		slog.String("orphan_policy", r.orphanPolicy))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconcile sweep failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep выполняет один полный проход по всем пользователям с
// нетерминальными sessions. Ошибка по одному пользователю не
// прерывает проход по остальным.
func (r *Reconciler) Sweep(ctx context.Context) error {
	users, err := r.store.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	overQuota := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		flagged, err := r.SweepUser(ctx, userID)
		if err != nil {
			r.logger.Error("reconcile user failed",
				slog.Int64("user_id", userID),
				slog.Any("error", err))
			continue
		}
		overQuota += flagged
	}

	telemetry.OverQuotaSessions.Set(float64(overQuota))
	telemetry.ReconcileSweepsTotal.Inc()
	return nil
}

// SweepUser сверяет sessions одного пользователя с бэкендом.
// Возвращает число sessions, помеченных over_quota.
//
// Если список бэкенда недоступен, состояние не трогается вовсе:
// отсутствие данных нельзя трактовать как отсутствие воркеров.
func (r *Reconciler) SweepUser(ctx context.Context, userID int64) (int, error) {
	sessions, err := r.store.ListReconcilable(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	snapshots, err := r.driver.ListRunningForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list backend workers: %w", err)
	}

	byConnection := make(map[string]driver.WorkerSnapshot, len(snapshots))
	byJob := make(map[string]driver.WorkerSnapshot, len(snapshots))
	for _, snap := range snapshots {
		if snap.ConnectionID != "" {
			byConnection[snap.ConnectionID] = snap
		}
		byJob[snap.BackendJobID] = snap
	}

	claimed := make(map[string]bool, len(snapshots))
	for i := range sessions {
		s := &sessions[i]

		snap, found := byConnection[s.ConnectionID]
		if !found && s.BackendJobID != "" {
			snap, found = byJob[s.BackendJobID]
		}

		if found {
			claimed[snap.BackendJobID] = true
			r.confirmRunning(ctx, s, snap)
			continue
		}

		r.resolveMissing(ctx, s)
	}

	for _, snap := range snapshots {
		if !claimed[snap.BackendJobID] {
			r.handleOrphan(ctx, snap)
		}
	}

	return r.flagOverQuota(ctx, userID, sessions)
}

// confirmRunning подтверждает живого воркера: PENDING и UNKNOWN
// переходят в RUNNING, у RUNNING обновляется отметка сверки.
func (r *Reconciler) confirmRunning(ctx context.Context, s *domain.Session, snap driver.WorkerSnapshot) {
	prev := s.Status
	if prev == domain.SessionStatusRunning {
		s.MarkVerified(r.now())
	} else {
		s.MarkRunning(r.now())
	}
	if s.BackendJobID == "" {
		// Неоднозначный dispatch разрешился: воркер есть, дополняем
		// запись идентификатором job из бэкенда.
		s.BackendJobID = snap.BackendJobID
	}

	if err := r.store.Update(ctx, s); err != nil {
		r.logger.Error("failed to confirm running session",
			slog.String("session_id", s.ID.String()),
			slog.Any("error", err))
		return
	}

	if prev != domain.SessionStatusRunning {
		telemetry.ReconcileTransitionsTotal.WithLabelValues(string(domain.SessionStatusRunning)).Inc()
		r.logger.Info("session confirmed running",
			slog.String("session_id", s.ID.String()),
			slog.String("previous_status", string(prev)),
			slog.String("backend_job_id", s.BackendJobID))
	}
}

// resolveMissing обрабатывает session, не найденную в списке бэкенда.
func (r *Reconciler) resolveMissing(ctx context.Context, s *domain.Session) {
	now := r.now()

	// Свежая PENDING могла ещё не появиться в list-ответе бэкенда.
	if s.Status == domain.SessionStatusPending && now.Sub(s.CreatedAt) < r.pendingGrace {
		return
	}

	// Точечная перепроверка перед терминальным вердиктом: list мог
	// отстать. Без job id перепроверять нечего.
	if s.BackendJobID != "" {
		running, err := r.driver.IsRunning(ctx, s.BackendJobID)
		if err != nil {
			r.markUnknown(ctx, s, err)
			return
		}
		if running {
			r.confirmRunning(ctx, s, driver.WorkerSnapshot{BackendJobID: s.BackendJobID})
			return
		}
	}

	// Воркера в бэкенде нет. Если он когда-то подтверждённо работал —
	// митинг кончился или воркер вышел сам; иначе запуск не состоялся.
	prev := s.Status
	if s.StartedAt != nil {
		s.MarkStopped(now)
	} else {
		s.MarkFailed(now, "worker never confirmed running")
	}

	if err := r.store.Update(ctx, s); err != nil {
		r.logger.Error("failed to finalize session",
			slog.String("session_id", s.ID.String()),
			slog.Any("error", err))
		return
	}

	telemetry.ReconcileTransitionsTotal.WithLabelValues(string(s.Status)).Inc()
	r.logger.Info("session finalized",
		slog.String("session_id", s.ID.String()),
		slog.String("previous_status", string(prev)),
		slog.String("status", string(s.Status)))
}

// markUnknown фиксирует, что состояние воркера подтвердить не удалось.
// UNKNOWN не терминален и не освобождает слот: следующий проход
// перепроверит session, когда бэкенд ответит.
func (r *Reconciler) markUnknown(ctx context.Context, s *domain.Session, cause error) {
	if s.Status == domain.SessionStatusUnknown {
		return
	}
	s.MarkUnknown()
	if err := r.store.Update(ctx, s); err != nil {
		r.logger.Error("failed to mark session unknown",
			slog.String("session_id", s.ID.String()),
			slog.Any("error", err))
		return
	}
	telemetry.ReconcileTransitionsTotal.WithLabelValues(string(domain.SessionStatusUnknown)).Inc()
	r.logger.Warn("session state unverifiable",
		slog.String("session_id", s.ID.String()),
		slog.Any("error", cause))
}

// handleOrphan применяет политику к воркеру без живой session.
func (r *Reconciler) handleOrphan(ctx context.Context, snap driver.WorkerSnapshot) {
	log := telemetry.WithUserID(r.logger, snap.UserID).With(
		slog.String("backend_job_id", snap.BackendJobID),
		slog.String("connection_id", snap.ConnectionID))

	switch r.orphanPolicy {
	case config.OrphanAdopt:
		r.adoptOrphan(ctx, snap, log)

	case config.OrphanStop:
		if _, err := r.driver.Stop(ctx, snap.BackendJobID); err != nil {
			log.Error("failed to stop orphan worker", slog.Any("error", err))
			return
		}
		log.Info("orphan worker stopped")

	default:
		log.Warn("orphan worker detected, ignoring")
	}
}

// adoptOrphan восстанавливает session RUNNING из метаданных бэкенда.
func (r *Reconciler) adoptOrphan(ctx context.Context, snap driver.WorkerSnapshot, log *slog.Logger) {
	now := r.now()
	s := &domain.Session{
		UserID:          snap.UserID,
		MeetingID:       snap.MeetingID,
		NativeMeetingID: snap.NativeMeetingID,
		Platform:        snap.Platform,
		BotName:         snap.BotName,
		ConnectionID:    snap.ConnectionID,
		BackendJobID:    snap.BackendJobID,
		CreatedAt:       now,
	}
	s.ID = uuid.New()
	s.MarkRunning(now)

	if err := r.store.Insert(ctx, s); err != nil {
		log.Error("failed to adopt orphan worker", slog.Any("error", err))
		return
	}
	telemetry.ReconcileTransitionsTotal.WithLabelValues(string(domain.SessionStatusRunning)).Inc()
	log.Info("orphan worker adopted", slog.String("session_id", s.ID.String()))
}

// flagOverQuota помечает sessions сверх актуального лимита плана.
// Слоты считаются в порядке создания: старшие sessions остаются в
// пределах квоты, превышение — у самых свежих. Запущенные боты не
// убиваются, пока это явно не разрешено (EnforceQuota).
func (r *Reconciler) flagOverQuota(ctx context.Context, userID int64, sessions []domain.Session) (int, error) {
	limit, err := r.plans.BotLimit(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		limit = r.defaultLimit
	} else if err != nil {
		return 0, fmt.Errorf("resolve bot limit: %w", err)
	}

	active := make([]*domain.Session, 0, len(sessions))
	for i := range sessions {
		if sessions[i].IsActive() {
			active = append(active, &sessions[i])
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	flagged := 0
	for i, s := range active {
		over := i >= limit
		if over == s.OverQuota && !over {
			continue
		}

		if over && r.enforceQuota {
			r.enforceStop(ctx, s)
			continue
		}

		if over != s.OverQuota {
			s.OverQuota = over
			if err := r.store.Update(ctx, s); err != nil {
				r.logger.Error("failed to update over-quota flag",
					slog.String("session_id", s.ID.String()),
					slog.Any("error", err))
				continue
			}
			if over {
				r.logger.Warn("session over quota",
					slog.String("session_id", s.ID.String()),
					slog.Int64("user_id", userID),
					slog.Int("limit", limit))
			}
		}
		if over {
			flagged++
		}
	}
	return flagged, nil
}

// enforceStop принудительно останавливает сверхлимитную session.
func (r *Reconciler) enforceStop(ctx context.Context, s *domain.Session) {
	if s.BackendJobID != "" {
		if _, err := r.driver.Stop(ctx, s.BackendJobID); err != nil {
			r.logger.Error("failed to stop over-quota session",
				slog.String("session_id", s.ID.String()),
				slog.Any("error", err))
			return
		}
	}
	s.OverQuota = true
	s.MarkStopped(r.now())
	if err := r.store.Update(ctx, s); err != nil {
		r.logger.Error("failed to finalize over-quota session",
			slog.String("session_id", s.ID.String()),
			slog.Any("error", err))
		return
	}
	telemetry.ReconcileTransitionsTotal.WithLabelValues(string(domain.SessionStatusStopped)).Inc()
	r.logger.Warn("over-quota session stopped",
		slog.String("session_id", s.ID.String()),
		slog.Int64("user_id", s.UserID))
}
