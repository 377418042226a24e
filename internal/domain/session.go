package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session — запись об одной попытке запуска бота в митинг.
//
// Session создаётся когда:
// - Пользователь запрашивает бота через API (StartBot)
// - Reconciler усыновляет осиротевший воркер в бэкенде (policy=adopt)
//
// Session — единственное durable-состояние подсистемы: переживает
// рестарты процессов, чтобы Reconciler мог продолжить сверку.
type Session struct {
	// ID — уникальный идентификатор session.
	ID uuid.UUID `json:"id"`

	// UserID — владелец бота. Лимит конкурентности считается по нему.
	UserID int64 `json:"user_id"`

	// MeetingID — внутренний идентификатор митинга.
	MeetingID int64 `json:"meeting_id"`

	// NativeMeetingID — идентификатор митинга на платформе (meet code и т.п.).
	NativeMeetingID string `json:"native_meeting_id"`

	// Platform — платформа митинга (google_meet, zoom, teams).
	Platform string `json:"platform"`

	// MeetingURL — ссылка на митинг, передаётся воркеру как есть.
	MeetingURL string `json:"meeting_url"`

	// BotName — отображаемое имя бота в митинге.
	BotName string `json:"bot_name,omitempty"`

	// Language — язык транскрипции, запрошенный при старте.
	Language string `json:"language,omitempty"`

	// Task — задача воркера (transcribe, translate).
	Task string `json:"task,omitempty"`

	// ConnectionID — сгенерированный драйвером ключ адресации session.
	// Используется Command Channel и для корреляции событий воркера.
	// Стабилен на всё время жизни session, никогда не переиспользуется.
	ConnectionID string `json:"connection_id,omitempty"`

	// BackendJobID — идентификатор job/контейнера в бэкенде.
	// Непрозрачен для всех компонентов кроме Backend Driver.
	BackendJobID string `json:"backend_job_id,omitempty"`

	// Status — текущий статус session.
	Status SessionStatus `json:"status"`

	// OverQuota — флаг, выставляемый Reconciler при обнаружении
	// session сверх лимита (например, после даунгрейда плана).
	OverQuota bool `json:"over_quota,omitempty"`

	// StartedAt — время первого подтверждённого наблюдения RUNNING.
	// Nil, пока бэкенд не подтвердил запуск.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// LastVerifiedAt — время последней успешной сверки с бэкендом.
	// Обновляется только Reconciler/status-проверками, никогда — dispatch,
	// чтобы staleness была наблюдаема независимо.
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`

	// EndedAt — время перехода в терминальный статус.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Error — текст ошибки, если session завершилась с FAILED.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания записи (момент admission).
	CreatedAt time.Time `json:"created_at"`
}

// IsActive возвращает true, если session занимает слот квоты.
// UNKNOWN слот не освобождает: воркер может быть жив, и второй бот
// в том же митинге хуже временно занятого слота.
func (s *Session) IsActive() bool {
	return !s.Status.IsTerminal()
}

// IsFinished возвращает true, если session в терминальном статусе.
func (s *Session) IsFinished() bool {
	return s.Status.IsTerminal()
}

// MarkRunning переводит session в RUNNING и фиксирует подтверждение.
func (s *Session) MarkRunning(now time.Time) {
	s.Status = SessionStatusRunning
	if s.StartedAt == nil {
		started := now
		s.StartedAt = &started
	}
	verified := now
	s.LastVerifiedAt = &verified
}

// MarkVerified обновляет только время последней сверки.
func (s *Session) MarkVerified(now time.Time) {
	verified := now
	s.LastVerifiedAt = &verified
}

// MarkStopped переводит session в STOPPED.
func (s *Session) MarkStopped(now time.Time) {
	s.Status = SessionStatusStopped
	ended := now
	s.EndedAt = &ended
}

// MarkFailed переводит session в FAILED с ошибкой.
func (s *Session) MarkFailed(now time.Time, errMsg string) {
	s.Status = SessionStatusFailed
	s.Error = errMsg
	ended := now
	s.EndedAt = &ended
}

// MarkUnknown переводит session в UNKNOWN: бэкенд не смог подтвердить
// состояние. Не терминальный статус — Reconciler перепроверит session
// на следующем проходе.
func (s *Session) MarkUnknown() {
	s.Status = SessionStatusUnknown
}
