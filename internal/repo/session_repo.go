package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Protokol/internal/domain"
)

// gateLockSeed — старшие биты ключа advisory-лока admission.
// XOR с user_id даёт по одному локу на пользователя, не пересекаясь
// с ключом лидера Reconciler.
const gateLockSeed int64 = 0x70726f746f << 16 // "proto"

const sessionColumns = `
	id, user_id, meeting_id, native_meeting_id, platform, meeting_url,
	bot_name, language, task, connection_id, backend_job_id, status,
	over_quota, started_at, last_verified_at, ended_at, error, created_at
`

// SessionRepo — репозиторий для работы с sessions.
type SessionRepo struct {
	pool *pgxpool.Pool
}

// NewSessionRepo создаёт новый SessionRepo.
func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// AdmitSession — атомарный check-and-reserve шаг Concurrency Gate.
//
// В одной транзакции под advisory-локом пользователя: считает
// нетерминальные sessions (UNKNOWN тоже держит слот), проверяет лимит
// и отсутствие активной session для того же митинга, вставляет новую
// PENDING запись.
// Два конкурентных запроса одного пользователя сериализуются локом —
// оба не могут увидеть последний свободный слот.
func (r *SessionRepo) AdmitSession(ctx context.Context, s *domain.Session, limit int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin admit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, gateLockSeed^s.UserID); err != nil {
		return fmt.Errorf("acquire gate lock: %w", err)
	}

	var active, sameMeeting int
	err = tx.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE meeting_id = $2)
		FROM sessions
		WHERE user_id = $1 AND status IN ('PENDING', 'RUNNING', 'UNKNOWN')
	`, s.UserID, s.MeetingID).Scan(&active, &sameMeeting)
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}

	if sameMeeting > 0 {
		return fmt.Errorf("%w: user %d, meeting %d", ErrMeetingActive, s.UserID, s.MeetingID)
	}
	if active >= limit {
		return fmt.Errorf("%w: user %d has %d active sessions, limit %d",
			ErrQuotaExceeded, s.UserID, active, limit)
	}

	if err := insertSession(ctx, tx, s); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit admit tx: %w", err)
	}
	return nil
}

// Insert создаёт session вне admission-пути (усыновление сирот
// Reconciler-ом).
func (r *SessionRepo) Insert(ctx context.Context, s *domain.Session) error {
	return insertSession(ctx, r.pool, s)
}

// execer покрывает и pgxpool.Pool, и pgx.Tx: insert используется
// как внутри admission-транзакции, так и напрямую.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertSession вставляет запись session.
func insertSession(ctx context.Context, db execer, s *domain.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := db.Exec(ctx, query,
		s.ID,
		s.UserID,
		s.MeetingID,
		s.NativeMeetingID,
		s.Platform,
		s.MeetingURL,
		s.BotName,
		s.Language,
		s.Task,
		nullString(s.ConnectionID),
		nullString(s.BackendJobID),
		s.Status,
		s.OverQuota,
		s.StartedAt,
		s.LastVerifiedAt,
		s.EndedAt,
		nullString(s.Error),
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID возвращает session по ID.
func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, query, id))
}

// GetByConnectionID возвращает session по connection_id.
func (r *SessionRepo) GetByConnectionID(ctx context.Context, connectionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE connection_id = $1`
	return scanSession(r.pool.QueryRow(ctx, query, connectionID))
}

// Update обновляет изменяемые поля session.
func (r *SessionRepo) Update(ctx context.Context, s *domain.Session) error {
	query := `
		UPDATE sessions
		SET connection_id = $2, backend_job_id = $3, status = $4, over_quota = $5,
		    started_at = $6, last_verified_at = $7, ended_at = $8, error = $9
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		s.ID,
		nullString(s.ConnectionID),
		nullString(s.BackendJobID),
		s.Status,
		s.OverQuota,
		s.StartedAt,
		s.LastVerifiedAt,
		s.EndedAt,
		nullString(s.Error),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет session. Используется только для освобождения lease
// после отвергнутого dispatch — запись ещё ни на что не ссылается.
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveByUser возвращает нетерминальные sessions пользователя —
// те, что занимают слоты квоты.
func (r *SessionRepo) ListActiveByUser(ctx context.Context, userID int64) ([]domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND status IN ('PENDING', 'RUNNING', 'UNKNOWN')
		ORDER BY created_at ASC
	`
	return r.querySessions(ctx, query, userID)
}

// ListReconcilable возвращает sessions пользователя, требующие сверки
// с бэкендом: PENDING, RUNNING и UNKNOWN.
func (r *SessionRepo) ListReconcilable(ctx context.Context, userID int64) ([]domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND status IN ('PENDING', 'RUNNING', 'UNKNOWN')
		ORDER BY created_at ASC
	`
	return r.querySessions(ctx, query, userID)
}

// ListActiveUsers возвращает пользователей хотя бы с одной
// нетерминальной session.
func (r *SessionRepo) ListActiveUsers(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT user_id
		FROM sessions
		WHERE status IN ('PENDING', 'RUNNING', 'UNKNOWN')
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// PurgeTerminated удаляет терминальные sessions, завершившиеся до
// cutoff. Активные записи не трогаются никогда.
func (r *SessionRepo) PurgeTerminated(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE status IN ('STOPPED', 'FAILED') AND ended_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// --- Helpers ---

// scanSession сканирует одну строку в Session.
func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var connectionID, backendJobID, sessionError *string

	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.MeetingID,
		&s.NativeMeetingID,
		&s.Platform,
		&s.MeetingURL,
		&s.BotName,
		&s.Language,
		&s.Task,
		&connectionID,
		&backendJobID,
		&s.Status,
		&s.OverQuota,
		&s.StartedAt,
		&s.LastVerifiedAt,
		&s.EndedAt,
		&sessionError,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if connectionID != nil {
		s.ConnectionID = *connectionID
	}
	if backendJobID != nil {
		s.BackendJobID = *backendJobID
	}
	if sessionError != nil {
		s.Error = *sessionError
	}

	return &s, nil
}

// querySessions выполняет запрос и сканирует все строки.
func (r *SessionRepo) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
