package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeCommands — команды ботам, маршрутизация по connection_id.
	ExchangeCommands Exchange = "protokol.commands"
)

// SetupTopology объявляет обменники системы.
//
// Очереди здесь не объявляются: Command Channel создаёт по одной
// эксклюзивной auto-delete очереди на подписчика в момент Subscribe —
// бот, который сейчас не подписан, команду пропускает (at-most-once).
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.ExchangeDeclare(
			string(ExchangeCommands), // name
			"direct",                 // type
			true,                     // durable
			false,                    // auto-deleted
			false,                    // internal
			false,                    // no-wait
			nil,                      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeCommands, err)
		}
		return nil
	})
}
