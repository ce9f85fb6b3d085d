// Package queue is the broker abstraction between the dispatchers and
// their workers. Producers publish small job messages; consumers invoke
// a handler per message. The AMQP implementation backs production; the
// in-memory implementation backs dev and tests.
package queue

import (
	"context"
	"errors"
	"sync"
)

// Well-known queue names.
const (
	QueueOutbox  = "outbox"
	QueuePublish = "publish"
)

// Message is one job handed from a dispatcher to a worker.
type Message struct {
	Queue   string
	Payload []byte
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Producer enqueues messages.
type Producer interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	Close() error
}

// Consumer delivers messages from one queue to a handler until the
// context is canceled.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// Broker is a bidirectional queue connection.
type Broker interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

var ErrClosed = errors.New("queue: closed")

// ── In-memory queue ──────────────────────────────────────────

// Memory is a channel-backed Producer+Consumer for tests and single
// process deployments.
type Memory struct {
	mu     sync.Mutex
	chans  map[string]chan Message
	closed bool
}

func NewMemory() *Memory {
	return &Memory{chans: make(map[string]chan Message)}
}

func (m *Memory) ch(queue string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chans[queue]
	if !ok {
		c = make(chan Message, 1024)
		m.chans[queue] = c
	}
	return c
}

func (m *Memory) Publish(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case m.ch(queue) <- Message{Queue: queue, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, queue string, handler Handler) error {
	c := m.ch(queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c:
			if !ok {
				return ErrClosed
			}
			// Handler errors are the worker's concern; the message is
			// not redelivered here — outbox leases cover lost work.
			_ = handler(ctx, msg)
		}
	}
}

// Drain synchronously hands every buffered message on a queue to the
// handler. Test helper.
func (m *Memory) Drain(ctx context.Context, queue string, handler Handler) int {
	c := m.ch(queue)
	n := 0
	for {
		select {
		case msg := <-c:
			_ = handler(ctx, msg)
			n++
		default:
			return n
		}
	}
}

// Len reports the number of buffered messages on a queue. Test helper.
func (m *Memory) Len(queue string) int {
	return len(m.ch(queue))
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
