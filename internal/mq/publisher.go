package mq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobEnqueued MessageType = "job.enqueued"
	MessageTypeJobDead     MessageType = "job.dead"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobEnqueuedPayload — payload события о новом job.
type JobEnqueuedPayload struct {
	JobID      string    `json:"job_id"`
	Queue      string    `json:"queue"`
	EligibleAt time.Time `json:"eligible_at"`
}

// JobDeadPayload — payload события о job, исчерпавшем попытки.
type JobDeadPayload struct {
	JobID    string         `json:"job_id"`
	Queue    string         `json:"queue"`
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload,omitempty"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, persistent bool) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent // сообщение переживёт рестарт RabbitMQ
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: mode,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return errors.Wrapf(err, "publish to %s/%s", exchange, routingKey)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJobEnqueued публикует событие о новом job.
// Потребитель: Worker (wake-up). Событие не персистентное.
func (p *Publisher) PublishJobEnqueued(ctx context.Context, payload JobEnqueuedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobEnqueued,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, EnqueuedRoutingKey(payload.Queue), msg, false)
}

// PublishJobDead публикует копию мёртвого job в DLQ.
func (p *Publisher) PublishJobDead(ctx context.Context, payload JobDeadPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobDead,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeDLQ, RoutingKeyDLQJobs, msg, true)
}

// JobEnqueued — уведомление для queue.Notifier.
// Ошибка публикации не фатальна: воркеры подхватят job через polling.
func (p *Publisher) JobEnqueued(ctx context.Context, queue, jobID string, eligibleAt time.Time) {
	err := p.PublishJobEnqueued(ctx, JobEnqueuedPayload{
		JobID:      jobID,
		Queue:      queue,
		EligibleAt: eligibleAt,
	})
	if err != nil {
		p.logger.Warn("failed to publish job.enqueued",
			"queue", queue,
			"job_id", jobID,
			"error", err,
		)
	}
}
