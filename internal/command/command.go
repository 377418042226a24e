package command

import (
	"time"
)

// Action — тип команды боту.
type Action string

// Поддерживаемые команды.
const (
	// ActionStop — advisory-просьба завершиться. Авторитетная остановка
	// идёт через Backend Driver, команда лишь даёт воркеру шанс
	// попрощаться с митингом корректно.
	ActionStop Action = "stop"

	// ActionReconfigure — смена языка/задачи транскрипции на лету.
	ActionReconfigure Action = "reconfigure"

	// ActionLeave — покинуть митинг, не завершая процесс.
	ActionLeave Action = "leave"
)

// Command — команда, адресованная конкретному воркеру.
//
// Доставка fire-and-forget, at-most-once, без персистентности:
// не подписанный в данный момент воркер команду пропускает. Кому нужна
// гарантия — делает status-проверку по таймауту и эскалирует в
// Driver.Stop.
type Command struct {
	// ID — уникальный идентификатор команды.
	ID string `json:"id"`

	// Action — тип команды.
	Action Action `json:"action"`

	// Language — новый язык (для reconfigure).
	Language string `json:"language,omitempty"`

	// Task — новая задача (для reconfigure).
	Task string `json:"task,omitempty"`

	// IssuedAt — время отправки.
	IssuedAt time.Time `json:"issued_at"`
}

// RoutingKey детерминированно выводит ключ маршрутизации из
// connection_id. Один логический канал на session.
func RoutingKey(connectionID string) string {
	return "bot." + connectionID
}
