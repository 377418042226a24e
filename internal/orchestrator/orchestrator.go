package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Protokol/internal/command"
	"github.com/shaiso/Protokol/internal/domain"
	"github.com/shaiso/Protokol/internal/driver"
	"github.com/shaiso/Protokol/internal/gate"
	"github.com/shaiso/Protokol/internal/telemetry"
)

// SessionStore — операции хранилища sessions, нужные фасаду.
// Реализуется repo.SessionRepo.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	GetByConnectionID(ctx context.Context, connectionID string) (*domain.Session, error)
	Update(ctx context.Context, s *domain.Session) error
	ListActiveByUser(ctx context.Context, userID int64) ([]domain.Session, error)
}

// Admitter — Concurrency Gate. Реализуется gate.Gate.
type Admitter interface {
	Admit(ctx context.Context, s *domain.Session) (*gate.Lease, error)
}

// CommandPublisher — Command Channel. Реализуется command.Channel.
type CommandPublisher interface {
	Publish(ctx context.Context, connectionID string, cmd command.Command) error
}

// Orchestrator — фасад оркестрации ботов: единственная точка входа
// для запуска, остановки и опроса воркеров. Вся последовательность
// "квота -> dispatch -> учёт" живёт здесь, вызывающим не нужно знать
// про Gate, Driver и хранилище по отдельности.
type Orchestrator struct {
	driver   driver.Driver
	gate     Admitter
	store    SessionStore
	commands CommandPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// Config — зависимости Orchestrator.
type Config struct {
	Driver   driver.Driver
	Gate     Admitter
	Store    SessionStore
	Commands CommandPublisher
	Logger   *slog.Logger
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		driver:   cfg.Driver,
		gate:     cfg.Gate,
		store:    cfg.Store,
		commands: cfg.Commands,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest — запрос на запуск бота.
type StartRequest struct {
	UserID          int64
	MeetingID       int64
	NativeMeetingID string
	Platform        string
	MeetingURL      string
	BotName         string
	Language        string
	Task            string

	// UserToken пробрасывается воркеру для авторизации стрима
	// и нигде не сохраняется.
	UserToken string
}

func (r *StartRequest) validate() error {
	switch {
	case r.UserID <= 0:
		return fmt.Errorf("%w: user_id must be positive", ErrInvalidRequest)
	case r.MeetingID <= 0:
		return fmt.Errorf("%w: meeting_id must be positive", ErrInvalidRequest)
	case r.Platform == "":
		return fmt.Errorf("%w: platform is required", ErrInvalidRequest)
	case r.MeetingURL == "":
		return fmt.Errorf("%w: meeting_url is required", ErrInvalidRequest)
	}
	return nil
}

// StartBot запускает бота: валидация, резервирование слота квоты,
// единственный dispatch-вызов бэкенда, фиксация результата.
//
// Порядок обработки ошибок dispatch принципиален:
//   - DispatchFailed: бэкенд отверг запрос, воркера нет — слот
//     освобождается сразу, записи не остаётся;
//   - Ambiguous: воркер мог запуститься — session остаётся PENDING
//     с connection_id, судьбу решает Reconciler. Повторный dispatch
//     здесь запрещён: он может породить второго бота в митинге.
func (o *Orchestrator) StartBot(ctx context.Context, req *StartRequest) (*domain.Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s := &domain.Session{
		UserID:          req.UserID,
		MeetingID:       req.MeetingID,
		NativeMeetingID: req.NativeMeetingID,
		Platform:        req.Platform,
		MeetingURL:      req.MeetingURL,
		BotName:         req.BotName,
		Language:        req.Language,
		Task:            req.Task,
	}

	lease, err := o.gate.Admit(ctx, s)
	if err != nil {
		return nil, err
	}

	res, err := o.driver.Start(ctx, &driver.LaunchRequest{
		UserID:          req.UserID,
		MeetingID:       req.MeetingID,
		NativeMeetingID: req.NativeMeetingID,
		Platform:        req.Platform,
		MeetingURL:      req.MeetingURL,
		BotName:         req.BotName,
		Language:        req.Language,
		Task:            req.Task,
		UserToken:       req.UserToken,
	})

	switch {
	case errors.Is(err, driver.ErrDispatchAmbiguous):
		telemetry.DispatchTotal.WithLabelValues(o.driver.Name(), "ambiguous").Inc()

		// Session остаётся PENDING и адресуемой по connection_id,
		// чтобы Reconciler смог сопоставить её с воркером, если тот
		// всё-таки запустился.
		s.ConnectionID = res.ConnectionID
		if updErr := o.store.Update(ctx, s); updErr != nil {
			o.logger.Error("failed to persist ambiguous session",
				slog.String("session_id", s.ID.String()),
				slog.Any("error", updErr))
		}

		o.logger.Warn("dispatch ambiguous, session left pending",
			slog.String("session_id", s.ID.String()),
			slog.String("connection_id", s.ConnectionID))
		return nil, err

	case err != nil:
		telemetry.DispatchTotal.WithLabelValues(o.driver.Name(), "dispatch_failed").Inc()

		if relErr := lease.Release(ctx); relErr != nil {
			o.logger.Error("failed to release lease after dispatch failure",
				slog.String("session_id", s.ID.String()),
				slog.Any("error", relErr))
		}
		return nil, err
	}

	telemetry.DispatchTotal.WithLabelValues(o.driver.Name(), "ok").Inc()

	s.ConnectionID = res.ConnectionID
	s.BackendJobID = res.BackendJobID
	if err := o.store.Update(ctx, s); err != nil {
		// Воркер запущен, но запись неполная. Session остаётся PENDING,
		// Reconciler дополнит её по connection_id из метаданных бэкенда.
		o.logger.Error("failed to persist dispatch result",
			slog.String("session_id", s.ID.String()),
			slog.String("backend_job_id", s.BackendJobID),
			slog.Any("error", err))
		return nil, fmt.Errorf("persist dispatch result: %w", err)
	}

	o.logger.Info("bot started",
		slog.String("session_id", s.ID.String()),
		slog.Int64("user_id", s.UserID),
		slog.Int64("meeting_id", s.MeetingID),
		slog.String("backend", o.driver.Name()),
		slog.String("backend_job_id", s.BackendJobID),
		slog.String("connection_id", s.ConnectionID))

	return s, nil
}

// StopBot останавливает бота session. Идемпотентна: для уже
// завершённой session возвращает её как есть.
//
// Сначала воркеру отправляется advisory-команда stop, чтобы он успел
// корректно покинуть митинг, затем авторитетная остановка через
// Backend Driver. Session переходит в STOPPED только когда драйвер
// подтвердил остановку: false от Stop может означать как "job уже
// исчез", так и "драйвер останавливать не умеет" — в обоих случаях
// терминальный вердикт выносит Reconciler по наблюдаемому отсутствию
// воркера. Терминировать session вслепую нельзя: освобождённый слот
// при живом воркере впустит второго бота в тот же митинг.
func (o *Orchestrator) StopBot(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	s, err := o.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsFinished() {
		return s, nil
	}

	log := telemetry.WithSessionID(o.logger, s.ID.String())

	if s.ConnectionID != "" {
		cmd := command.Command{Action: command.ActionStop}
		if err := o.commands.Publish(ctx, s.ConnectionID, cmd); err != nil {
			// Команда best-effort: потеря не мешает авторитетной остановке.
			log.Warn("failed to publish stop command", slog.Any("error", err))
		}
	}

	if s.BackendJobID != "" {
		stopped, err := o.driver.Stop(ctx, s.BackendJobID)
		if err != nil {
			return nil, fmt.Errorf("stop backend job %s: %w", s.BackendJobID, err)
		}
		if !stopped {
			log.Info("stop not confirmed by driver, session left for reconciler",
				slog.String("backend_job_id", s.BackendJobID),
				slog.String("status", string(s.Status)))
			return s, nil
		}
	}

	s.MarkStopped(o.now())
	if err := o.store.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("persist stop: %w", err)
	}

	log.Info("bot stopped", slog.Int64("user_id", s.UserID))

	return s, nil
}

// GetBot возвращает session по ID.
func (o *Orchestrator) GetBot(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	return o.store.GetByID(ctx, sessionID)
}

// GetRunningBots возвращает активные (нетерминальные) sessions
// пользователя по данным хранилища. Бэкенд не опрашивается: свежесть
// ответа ограничена интервалом Reconciler, это контракт операции.
func (o *Orchestrator) GetRunningBots(ctx context.Context, userID int64) ([]domain.Session, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", ErrInvalidRequest)
	}
	return o.store.ListActiveByUser(ctx, userID)
}

// SendCommand отправляет воркеру session произвольную команду
// (reconfigure, leave). Доставка at-most-once, без подтверждения.
func (o *Orchestrator) SendCommand(ctx context.Context, sessionID uuid.UUID, cmd command.Command) error {
	s, err := o.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.IsActive() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, s.ID, s.Status)
	}
	if s.ConnectionID == "" {
		return fmt.Errorf("%w: session %s has no connection id", ErrSessionNotActive, s.ID)
	}
	return o.commands.Publish(ctx, s.ConnectionID, cmd)
}
