// Protokol Reconciler — периодическая сверка sessions с бэкендом.
//
// Reconciler:
//   - Подтверждает запустившихся воркеров (PENDING -> RUNNING)
//   - Закрывает sessions умерших воркеров (STOPPED/FAILED)
//   - Применяет политику к осиротевшим воркерам
//   - Помечает sessions сверх лимита плана
//   - Чистит терминальные sessions по расписанию (retention)
//
// Допускает несколько реплик: работу ведёт одна, выбранная через
// advisory-лок Postgres. Остальные ждут, пока лидер не отпадёт.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Protokol/internal/config"
	"github.com/shaiso/Protokol/internal/driver"
	"github.com/shaiso/Protokol/internal/orchestrator"
	"github.com/shaiso/Protokol/internal/repo"
	"github.com/shaiso/Protokol/internal/telemetry"
)

// leaderLockKey — ключ advisory-лока лидера. Не пересекается с
// ключами локов Concurrency Gate.
const leaderLockKey int64 = 0x70726f746f // "proto"

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting protokol-reconciler")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	sessionRepo := repo.NewSessionRepo(pool)
	planRepo := repo.NewPlanRepo(pool)

	drv := buildDriver(cfg, logger)
	logger.Info("backend driver ready", "backend", drv.Name())

	reconciler := orchestrator.NewReconciler(orchestrator.ReconcilerConfig{
		Driver:       drv,
		Store:        sessionRepo,
		Plans:        planRepo,
		Logger:       logger,
		Interval:     cfg.ReconcileInterval,
		PendingGrace: cfg.PendingGrace,
		OrphanPolicy: cfg.OrphanPolicy,
		DefaultLimit: cfg.DefaultBotLimit,
		EnforceQuota: cfg.EnforceQuota,
	})

	retention, err := orchestrator.NewRetention(orchestrator.RetentionConfig{
		Store:    sessionRepo,
		CronExpr: cfg.RetentionCron,
		Days:     cfg.RetentionDays,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("invalid retention configuration", "error", err)
		os.Exit(1)
	}

	// Лидерская горутина: сверка и retention работают только у лидера
	go func() {
		if !acquireLeadership(ctx, pool, logger) {
			return
		}
		defer func() {
			_, _ = pool.Exec(context.Background(), "select pg_advisory_unlock($1)", leaderLockKey)
		}()

		go retention.Run(ctx)
		reconciler.Run(ctx)
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := "8082"
	if v := os.Getenv("RECONCILER_PORT"); v != "" {
		port = v
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("protokol-reconciler stopped")
}

// acquireLeadership блокирует горутину, пока реплика не станет лидером
// или контекст не отменится. Лок сессионный: при падении лидера
// Postgres отпускает его сам.
func acquireLeadership(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) bool {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		var acquired bool
		if err := pool.QueryRow(ctx, "select pg_try_advisory_lock($1)", leaderLockKey).Scan(&acquired); err != nil {
			if ctx.Err() != nil {
				return false
			}
			logger.Error("leader lock attempt failed", "error", err)
		} else if acquired {
			logger.Info("became reconciler leader")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// buildDriver создаёт Backend Driver по конфигурации.
// Backend уже провалидирован в config.Load.
func buildDriver(cfg config.Config, logger *slog.Logger) driver.Driver {
	switch cfg.Backend {
	case "docker":
		return driver.NewDockerDriver(driver.DockerConfig{
			Host:    cfg.DockerHost,
			Image:   cfg.DockerImage,
			Network: cfg.DockerNetwork,
			Timeout: cfg.BackendTimeout,
		}, logger)
	default:
		return driver.NewNomadDriver(driver.NomadConfig{
			Address: cfg.NomadAddress,
			JobName: cfg.NomadJobName,
			Timeout: cfg.BackendTimeout,
		}, logger)
	}
}
