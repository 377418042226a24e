package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Protokol/internal/telemetry"
)

// cronParser — парсер стандартных пятипольных cron-выражений.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RetentionStore — операция очистки, нужная retention-задаче.
// Реализуется repo.SessionRepo.
type RetentionStore interface {
	PurgeTerminated(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention периодически удаляет терминальные sessions старше
// заданного возраста. Активные sessions не трогает никогда.
type Retention struct {
	store     RetentionStore
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// RetentionConfig — настройки retention-задачи.
type RetentionConfig struct {
	Store RetentionStore

	// CronExpr — расписание запуска очистки.
	CronExpr string

	// Days — возраст терминальной session до удаления.
	Days int

	Logger *slog.Logger
}

// NewRetention создаёт retention-задачу.
func NewRetention(cfg RetentionConfig) (*Retention, error) {
	schedule, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse retention cron %q: %w", cfg.CronExpr, err)
	}
	if cfg.Days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", cfg.Days)
	}
	return &Retention{
		store:     cfg.Store,
		schedule:  schedule,
		retention: time.Duration(cfg.Days) * 24 * time.Hour,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run выполняет очистку по расписанию до отмены контекста.
func (j *Retention) Run(ctx context.Context) {
	for {
		next := j.schedule.Next(j.now())
		j.logger.Debug("retention scheduled", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := j.Purge(ctx); err != nil {
			j.logger.Error("retention purge failed", slog.Any("error", err))
		}
	}
}

// Purge удаляет терминальные sessions, завершившиеся раньше
// горизонта хранения.
func (j *Retention) Purge(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)
	purged, err := j.store.PurgeTerminated(ctx, cutoff)
	if err != nil {
		return err
	}

	if purged > 0 {
		telemetry.SessionsPurgedTotal.Add(float64(purged))
		j.logger.Info("purged terminal sessions",
			slog.Int64("purged", purged),
			slog.Time("cutoff", cutoff))
	}
	return nil
}
