package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded — у пользователя нет свободного слота квоты.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrMeetingActive — для этой пары (user, meeting) уже есть
	// PENDING/RUNNING session; повторный запуск не создаёт дубликат.
	ErrMeetingActive = errors.New("meeting already has an active session")
)
