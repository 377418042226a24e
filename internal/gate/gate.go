package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Protokol/internal/domain"
	"github.com/shaiso/Protokol/internal/repo"
	"github.com/shaiso/Protokol/internal/telemetry"
)

// Store — хранилище sessions, обеспечивающее атомарный
// check-and-reserve. Реализуется repo.SessionRepo.
type Store interface {
	AdmitSession(ctx context.Context, s *domain.Session, limit int) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PlanResolver отдаёт лимит одновременных ботов из плана пользователя.
type PlanResolver interface {
	BotLimit(ctx context.Context, userID int64) (int, error)
}

// Gate — Concurrency Gate: пропускает запуск бота, только если у
// пользователя есть свободный слот квоты. Резервирование слота и
// проверка лимита — один атомарный шаг в хранилище, поэтому гонка
// двух конкурентных запусков за последний слот невозможна даже при
// нескольких экземплярах сервиса.
type Gate struct {
	store        Store
	plans        PlanResolver
	defaultLimit int
	logger       *slog.Logger
}

// Config — зависимости Gate.
type Config struct {
	Store        Store
	Plans        PlanResolver
	DefaultLimit int
	Logger       *slog.Logger
}

// New создаёт Gate.
func New(cfg Config) *Gate {
	return &Gate{
		store:        cfg.Store,
		plans:        cfg.Plans,
		defaultLimit: cfg.DefaultLimit,
		logger:       cfg.Logger,
	}
}

// Lease — зарезервированный слот квоты. Живёт от admission до
// первого терминального статуса session; при отвергнутом dispatch
// освобождается через Release.
type Lease struct {
	Session *domain.Session

	store Store
}

// Admit резервирует слот квоты и создаёт PENDING session.
//
// Переданная session должна содержать поля запроса (user, meeting,
// платформа); ID, статус и created_at выставляет Gate. При отказе
// возвращает repo.ErrQuotaExceeded или repo.ErrMeetingActive.
func (g *Gate) Admit(ctx context.Context, s *domain.Session) (*Lease, error) {
	limit, err := g.plans.BotLimit(ctx, s.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		limit = g.defaultLimit
	} else if err != nil {
		return nil, fmt.Errorf("resolve bot limit: %w", err)
	}

	s.ID = uuid.New()
	s.Status = domain.SessionStatusPending
	s.CreatedAt = time.Now().UTC()

	if err := g.store.AdmitSession(ctx, s, limit); err != nil {
		if errors.Is(err, repo.ErrQuotaExceeded) {
			telemetry.QuotaRejectionsTotal.Inc()
			g.logger.Info("start rejected: quota exceeded",
				slog.Int64("user_id", s.UserID),
				slog.Int("limit", limit))
		}
		return nil, err
	}

	g.logger.Debug("quota slot reserved",
		slog.String("session_id", s.ID.String()),
		slog.Int64("user_id", s.UserID),
		slog.Int("limit", limit))

	return &Lease{Session: s, store: g.store}, nil
}

// Release освобождает слот, удаляя PENDING запись. Вызывается только
// когда dispatch отвергнут бэкендом и session ни на что не ссылается;
// во всех остальных случаях слот освобождает терминальный статус.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.store.Delete(ctx, l.Session.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
