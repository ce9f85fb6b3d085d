package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQP is the RabbitMQ-backed queue. Queues are declared durable on
// first use; messages are published persistent and acked only after the
// handler returns nil.
type AMQP struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to RabbitMQ and opens a channel.
func DialAMQP(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQP{conn: conn, ch: ch}, nil
}

func (a *AMQP) declare(queue string) error {
	_, err := a.ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

func (a *AMQP) Publish(ctx context.Context, queue string, payload []byte) error {
	if err := a.declare(queue); err != nil {
		return err
	}
	return a.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}

func (a *AMQP) Consume(ctx context.Context, queue string, handler Handler) error {
	if err := a.declare(queue); err != nil {
		return err
	}
	deliveries, err := a.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}
			if err := handler(ctx, Message{Queue: queue, Payload: d.Body}); err != nil {
				log.Warn().Err(err).Str("queue", queue).Msg("Worker handler failed, nacking message")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *AMQP) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	return a.conn.Close()
}
