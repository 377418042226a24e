package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Protokol/internal/command"
	"github.com/shaiso/Protokol/internal/orchestrator"
)

// StartBot запускает бота в митинг.
// POST /api/v1/bots
func (h *Handler) StartBot(w http.ResponseWriter, r *http.Request) {
	var req StartBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	s, err := h.orch.StartBot(r.Context(), &orchestrator.StartRequest{
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
	if HandleOrchestratorError(w, h.logger, err, "") {
		return
	}

	Created(w, BotFromDomain(*s))
}

// ListBots возвращает активных ботов пользователя.
// GET /api/v1/bots?user_id=N
func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		BadRequest(w, "user_id query parameter is required")
		return
	}

	sessions, err := h.orch.GetRunningBots(r.Context(), userID)
	if HandleOrchestratorError(w, h.logger, err, "") {
		return
	}

	result := make([]BotResponse, len(sessions))
	for i, s := range sessions {
		result[i] = BotFromDomain(s)
	}

	List(w, result, len(result))
}

// GetBot возвращает session бота по ID.
// GET /api/v1/bots/{id}
func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid bot id")
		return
	}

	s, err := h.orch.GetBot(r.Context(), id)
	if HandleOrchestratorError(w, h.logger, err, "bot not found") {
		return
	}

	Success(w, BotFromDomain(*s))
}

// StopBot останавливает бота.
// DELETE /api/v1/bots/{id}
func (h *Handler) StopBot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid bot id")
		return
	}

	s, err := h.orch.StopBot(r.Context(), id)
	if HandleOrchestratorError(w, h.logger, err, "bot not found") {
		return
	}

	Success(w, BotFromDomain(*s))
}

// SendCommand отправляет команду воркеру бота.
// POST /api/v1/bots/{id}/commands
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid bot id")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	var action command.Action
	switch command.Action(req.Action) {
	case command.ActionStop, command.ActionReconfigure, command.ActionLeave:
		action = command.Action(req.Action)
	default:
		BadRequest(w, "unknown action: expected stop, reconfigure or leave")
		return
	}

	cmd := command.Command{
		Action:   action,
		Language: req.Language,
		Task:     req.Task,
	}
	if err := h.orch.SendCommand(r.Context(), id, cmd); HandleOrchestratorError(w, h.logger, err, "bot not found") {
		return
	}

	// Доставка at-most-once, подтверждения нет — только "принято".
	Accepted(w, map[string]string{"action": req.Action})
}

// ReconcileUser запускает внеочередную сверку sessions пользователя.
// POST /api/v1/reconcile/{user_id}
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		BadRequest(w, "invalid user id")
		return
	}

	flagged, err := h.reconciler.SweepUser(r.Context(), userID)
	if HandleOrchestratorError(w, h.logger, err, "") {
		return
	}

	Success(w, ReconcileResponse{UserID: userID, OverQuota: flagged})
}
