package mq

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "trendline.jobs"
	ExchangeDLQ  Exchange = "trendline.dlq"
)

// Queues — имена durable очередей.
const (
	QueueDLQJobs Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeyDLQJobs RoutingKey = "jobs"

	// RoutingKeyAllEnqueued — binding wake-up очереди на все очереди jobs.
	RoutingKeyAllEnqueued RoutingKey = "enqueued.*"
)

// EnqueuedRoutingKey возвращает routing key события job.enqueued для очереди.
func EnqueuedRoutingKey(queue string) RoutingKey {
	return RoutingKey("enqueued." + queue)
}

// SetupTopology объявляет exchanges и DLQ.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}

		_, err := ch.QueueDeclare(
			string(QueueDLQJobs), // name
			true,                 // durable
			false,                // delete when unused
			false,                // exclusive
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return errors.Wrapf(err, "declare queue %s", QueueDLQJobs)
		}

		if err := ch.QueueBind(string(QueueDLQJobs), string(RoutingKeyDLQJobs), string(ExchangeDLQ), false, nil); err != nil {
			return errors.Wrapf(err, "bind queue %s to %s", QueueDLQJobs, ExchangeDLQ)
		}
		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeJobs, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return errors.Wrapf(err, "declare exchange %s", ex.name)
		}
	}

	return nil
}

// DeclareWakeupQueue объявляет эксклюзивную очередь процесса для событий
// job.enqueued. Очередь удаляется вместе с соединением: пропущенные
// пока процесс не работал события не нужны, их покрывает polling.
func DeclareWakeupQueue(ctx context.Context, conn *Connection) (string, error) {
	var name string
	err := conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclare(
			"",    // имя назначит сервер
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return errors.Wrap(err, "declare wakeup queue")
		}

		if err := ch.QueueBind(q.Name, string(RoutingKeyAllEnqueued), string(ExchangeJobs), false, nil); err != nil {
			return errors.Wrapf(err, "bind wakeup queue to %s", ExchangeJobs)
		}
		name = q.Name
		return nil
	})
	return name, err
}
