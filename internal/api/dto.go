package api

import (
	"time"

	"github.com/shaiso/Protokol/internal/domain"
)

// StartBotRequest — запрос на запуск бота.
// POST /api/v1/bots
type StartBotRequest struct {
	UserID          int64  `json:"user_id"`
	MeetingID       int64  `json:"meeting_id"`
	NativeMeetingID string `json:"native_meeting_id,omitempty"`
	Platform        string `json:"platform"`
	MeetingURL      string `json:"meeting_url"`
	BotName         string `json:"bot_name,omitempty"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`

	// UserToken передаётся воркеру и в ответ не попадает.
	UserToken string `json:"user_token,omitempty"`
}

// CommandRequest — команда воркеру.
// POST /api/v1/bots/{id}/commands
type CommandRequest struct {
	Action   string `json:"action"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
}

// BotResponse — session в ответах API.
type BotResponse struct {
	ID              string     `json:"id"`
	UserID          int64      `json:"user_id"`
	MeetingID       int64      `json:"meeting_id"`
	NativeMeetingID string     `json:"native_meeting_id,omitempty"`
	Platform        string     `json:"platform"`
	MeetingURL      string     `json:"meeting_url"`
	BotName         string     `json:"bot_name,omitempty"`
	Language        string     `json:"language,omitempty"`
	Task            string     `json:"task,omitempty"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	Status          string     `json:"status"`
	OverQuota       bool       `json:"over_quota,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastVerifiedAt  *time.Time `json:"last_verified_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// BotFromDomain конвертирует domain.Session в BotResponse.
// BackendJobID наружу не отдаётся: идентификаторы бэкенда непрозрачны
// для клиентов.
func BotFromDomain(s domain.Session) BotResponse {
	return BotResponse{
		ID:              s.ID.String(),
		UserID:          s.UserID,
		MeetingID:       s.MeetingID,
		NativeMeetingID: s.NativeMeetingID,
		Platform:        s.Platform,
		MeetingURL:      s.MeetingURL,
		BotName:         s.BotName,
		Language:        s.Language,
		Task:            s.Task,
		ConnectionID:    s.ConnectionID,
		Status:          string(s.Status),
		OverQuota:       s.OverQuota,
		StartedAt:       s.StartedAt,
		LastVerifiedAt:  s.LastVerifiedAt,
		EndedAt:         s.EndedAt,
		Error:           s.Error,
		CreatedAt:       s.CreatedAt,
	}
}

// ReconcileResponse — результат on-demand сверки.
// POST /api/v1/reconcile/{user_id}
type ReconcileResponse struct {
	UserID    int64 `json:"user_id"`
	OverQuota int   `json:"over_quota"`
}
