// Protokol Bot Manager — HTTP API управления ботами митингов.
//
// Bot Manager:
//   - Принимает запросы на запуск/остановку ботов
//   - Проверяет квоту пользователя (Concurrency Gate)
//   - Диспатчит воркеров в кластерный бэкенд (Nomad или Docker)
//   - Отправляет команды работающим воркерам через RabbitMQ
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Protokol/internal/api"
	"github.com/shaiso/Protokol/internal/command"
	"github.com/shaiso/Protokol/internal/config"
	"github.com/shaiso/Protokol/internal/driver"
	"github.com/shaiso/Protokol/internal/gate"
	"github.com/shaiso/Protokol/internal/mq"
	"github.com/shaiso/Protokol/internal/orchestrator"
	"github.com/shaiso/Protokol/internal/repo"
	"github.com/shaiso/Protokol/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting protokol-botmanager")

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

	// RabbitMQ — без него Command Channel не работает
	mqConn, err := mq.NewConnection(cfg.RabbitURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	commands := command.NewChannel(mqConn, logger)

	drv := buildDriver(cfg, logger)
	logger.Info("backend driver ready", "backend", drv.Name())

	g := gate.New(gate.Config{
		Store:        sessionRepo,
		Plans:        planRepo,
		DefaultLimit: cfg.DefaultBotLimit,
		Logger:       logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Driver:   drv,
		Gate:     g,
		Store:    sessionRepo,
		Commands: commands,
		Logger:   logger,
	})

	// Reconciler здесь нужен только для on-demand сверки через API;
	// периодические проходы делает protokol-reconciler.
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

	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Reconciler:   reconciler,
		Logger:       logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
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

	logger.Info("protokol-botmanager stopped")
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
