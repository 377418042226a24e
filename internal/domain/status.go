package domain

// SessionStatus — статус session.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → STOPPED
//	        ↘ FAILED (так и не подтвердился запуск)
//	PENDING/RUNNING ⇄ UNKNOWN (бэкенд недоступен для сверки)
//
// Терминальные статусы — STOPPED и FAILED. PENDING держится от вызова
// dispatch до первого подтверждённого наблюдения RUNNING.
type SessionStatus string

const (
	// SessionStatusPending — dispatch выполнен (или выполняется),
	// бэкенд ещё не подтвердил запуск воркера.
	SessionStatusPending SessionStatus = "PENDING"

	// SessionStatusRunning — бэкенд подтвердил живую аллокацию воркера.
	SessionStatusRunning SessionStatus = "RUNNING"

	// SessionStatusStopped — воркер остановлен (подтверждено драйвером
	// или Reconciler наблюдал отсутствие после RUNNING).
	SessionStatusStopped SessionStatus = "STOPPED"

	// SessionStatusFailed — воркер так и не дошёл до RUNNING.
	SessionStatusFailed SessionStatus = "FAILED"

	// SessionStatusUnknown — Reconciler не смог подтвердить состояние
	// в бэкенде. Перепроверяется на следующем проходе.
	SessionStatusUnknown SessionStatus = "UNKNOWN"
)

// IsTerminal возвращает true, если статус финальный.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusStopped, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление SessionStatus.
func (s SessionStatus) String() string {
	return string(s)
}
