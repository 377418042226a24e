package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Protokol/internal/driver"
	"github.com/shaiso/Protokol/internal/orchestrator"
	"github.com/shaiso/Protokol/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeDispatchFailed     ErrorCode = "DISPATCH_FAILED"
	ErrCodeDispatchAmbiguous  ErrorCode = "DISPATCH_AMBIGUOUS"
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет ответ о принятой в обработку операции.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleOrchestratorError преобразует ошибку фасада оркестрации
// в HTTP ответ. Возвращает true, если ответ отправлен.
//
// Каждому классу ошибок — свой статус: клиент по нему решает, можно
// ли повторять запрос. 502 (отказ бэкенда) ретраить безопасно,
// 504 (неоднозначный dispatch) — нет: воркер мог запуститься.
func HandleOrchestratorError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		BadRequest(w, err.Error())

	case errors.Is(err, repo.ErrQuotaExceeded):
		Error(w, http.StatusTooManyRequests, ErrCodeQuotaExceeded, err.Error())

	case errors.Is(err, repo.ErrMeetingActive):
		Error(w, http.StatusConflict, ErrCodeConflict, err.Error())

	case errors.Is(err, repo.ErrNotFound):
		NotFound(w, notFoundMsg)

	case errors.Is(err, orchestrator.ErrSessionNotActive):
		Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, err.Error())

	case errors.Is(err, driver.ErrDispatchFailed):
		Error(w, http.StatusBadGateway, ErrCodeDispatchFailed, err.Error())

	case errors.Is(err, driver.ErrDispatchAmbiguous):
		Error(w, http.StatusGatewayTimeout, ErrCodeDispatchAmbiguous, err.Error())

	case errors.Is(err, driver.ErrBackendUnavailable):
		Error(w, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, err.Error())

	default:
		InternalError(w, logger, err)
	}
	return true
}
