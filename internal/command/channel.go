package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Protokol/internal/mq"
	"github.com/shaiso/Protokol/internal/telemetry"
)

// Channel — Command Channel: key-addressed pub/sub для отправки
// асинхронных команд конкретному работающему воркеру.
type Channel struct {
	conn   *mq.Connection
	logger *slog.Logger
}

// NewChannel создаёт Channel поверх AMQP соединения.
func NewChannel(conn *mq.Connection, logger *slog.Logger) *Channel {
	return &Channel{
		conn:   conn,
		logger: logger,
	}
}

// Publish отправляет команду воркеру с данным connection_id.
//
// Сообщение не персистентное: если воркер сейчас не подписан,
// команда теряется — это контракт канала, а не дефект.
func (c *Channel) Publish(ctx context.Context, connectionID string, cmd Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	err = c.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(
			ctx,
			string(mq.ExchangeCommands), // exchange
			RoutingKey(connectionID),    // routing key
			false,                       // mandatory — fire-and-forget
			false,                       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Transient, // at-most-once, без персистентности
				MessageId:    cmd.ID,
				Timestamp:    cmd.IssuedAt,
				Body:         body,
			},
		)
	})
	if err != nil {
		return fmt.Errorf("publish command %s: %w", cmd.Action, err)
	}

	telemetry.CommandsPublishedTotal.WithLabelValues(string(cmd.Action)).Inc()

	c.logger.Debug("published command",
		"action", cmd.Action,
		"connection_id", connectionID,
		"command_id", cmd.ID,
	)

	return nil
}

// Subscribe подписывает на команды для данного connection_id.
//
// Создаёт эксклюзивную auto-delete очередь, привязанную к ключу
// маршрутизации session. Возвращённый канал закрывается при отмене
// контекста. Auto-ack: повторная доставка не предусмотрена.
func (c *Channel) Subscribe(ctx context.Context, connectionID string) (<-chan Command, error) {
	deliveries, err := c.setupSubscription(connectionID)
	if err != nil {
		return nil, err
	}

	log := telemetry.WithConnectionID(c.logger, connectionID)
	out := make(chan Command)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return

			case raw, ok := <-deliveries:
				if !ok {
					// Канал закрыт (разрыв соединения) — ждём reconnect
					// и перевешиваем очередь. Команды за время разрыва
					// потеряны, это допустимо.
					select {
					case <-ctx.Done():
						return
					case <-c.conn.ReconnectNotify():
					}

					deliveries, err = c.setupSubscription(connectionID)
					if err != nil {
						log.Error("resubscribe failed", "error", err)
						return
					}
					continue
				}

				var cmd Command
				if err := json.Unmarshal(raw.Body, &cmd); err != nil {
					log.Error("failed to unmarshal command", "error", err)
					continue
				}

				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// setupSubscription объявляет очередь подписчика и начинает потребление.
func (c *Channel) setupSubscription(connectionID string) (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}

	// Анонимная эксклюзивная очередь: живёт, пока жив подписчик.
	queue, err := ch.QueueDeclare(
		"",    // name (auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare subscriber queue: %w", err)
	}

	err = ch.QueueBind(
		queue.Name,                  // queue
		RoutingKey(connectionID),    // routing key
		string(mq.ExchangeCommands), // exchange
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("bind subscriber queue: %w", err)
	}

	deliveries, err := ch.Consume(
		queue.Name, // queue
		"",         // consumer tag (auto-generated)
		true,       // auto-ack — at-most-once
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	c.logger.Debug("subscribed to commands", "connection_id", connectionID, "queue", queue.Name)

	return deliveries, nil
}
