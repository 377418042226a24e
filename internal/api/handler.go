package api

import (
	"log/slog"

	"github.com/shaiso/Protokol/internal/orchestrator"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orch       *orchestrator.Orchestrator
	reconciler *orchestrator.Reconciler
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *orchestrator.Reconciler
	Logger       *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		orch:       cfg.Orchestrator,
		reconciler: cfg.Reconciler,
		logger:     cfg.Logger,
	}
}
