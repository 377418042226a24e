package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Ошибки драйверов.
var (
	// ErrDispatchFailed — бэкенд отверг dispatch. Воркер точно не
	// запущен, retry с новым connection_id безопасен.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrDispatchAmbiguous — сетевая ошибка/таймаут во время dispatch:
	// запрос мог быть записан бэкендом. Слепой retry рискует двойным
	// запуском, поэтому ошибка не ретраится — session остаётся PENDING
	// до разрешения Reconciler.
	ErrDispatchAmbiguous = errors.New("dispatch ambiguous")

	// ErrBackendUnavailable — status/stop/list вызов не прошёл.
	// Отличается от "job не найден": недоступность бэкенда нельзя
	// трактовать как "воркер не работает".
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// classifyDispatchError разделяет ошибки dispatch-вызова.
//
// Таймаут или отмена после отправки запроса — Ambiguous: бэкенд мог
// принять запись до того, как мы дочитали ответ. Всё остальное
// (connection refused, DNS) — запрос не дошёл, это DispatchFailed.
func classifyDispatchError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDispatchAmbiguous, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrDispatchAmbiguous, err)
	}

	return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
}
