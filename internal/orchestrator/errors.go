package orchestrator

import "errors"

// Ошибки фасада оркестрации. Ошибки квоты и хранилища приходят из
// пакета repo, ошибки dispatch — из пакета driver; здесь только то,
// что фасад добавляет от себя.
var (
	// ErrInvalidRequest — запрос не прошёл валидацию до обращения
	// к квоте и бэкенду.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionNotActive — операция требует живую session
	// (PENDING/RUNNING), а она уже завершилась или не адресуема.
	ErrSessionNotActive = errors.New("session is not active")
)
