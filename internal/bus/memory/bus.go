// Package memory is an in-process bus with the same delivery contract as the
// broker-backed one: at-least-once, redelivery on handler error, correlated
// requests with a deadline. It backs single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
)

type Config struct {
	// RedeliveryDelay is the first wait before redelivering a failed
	// message. It doubles per attempt up to MaxRedeliveryDelay.
	RedeliveryDelay    time.Duration
	MaxRedeliveryDelay time.Duration
	QueueSize       int
	// DuplicateDelivery hands every published message to each subscriber
	// twice, the way a broker does after a lost acknowledgment.
	DuplicateDelivery bool
}

type Bus struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	subs       map[string][]*subscription
	responders map[string]bus.Responder
	closed     bool

	inflight atomic.Int64
	wg       sync.WaitGroup
}

type subscription struct {
	topic string
	h     bus.Handler
	queue chan bus.Message
}

var _ bus.Bus = (*Bus)(nil)

func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 10 * time.Millisecond
	}

	if cfg.MaxRedeliveryDelay < cfg.RedeliveryDelay {
		cfg.MaxRedeliveryDelay = max(cfg.RedeliveryDelay, 5*time.Second)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		cfg:        cfg,
		logger:     logger.With("component", "bus.memory"),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string][]*subscription),
		responders: make(map[string]bus.Responder),
	}
}

func (b *Bus) Subscribe(topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}

	sub := &subscription{
		topic: topic,
		h:     h,
		queue: make(chan bus.Message, b.cfg.QueueSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.work(sub)

	return nil
}

func (b *Bus) Respond(topic string, r bus.Responder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}

	if _, ok := b.responders[topic]; ok {
		return fmt.Errorf("bus.memory: responder for %q already registered", topic)
	}

	b.responders[topic] = r
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	subs := append([]*subscription(nil), b.subs[msg.Topic]...)
	b.mu.RUnlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	copies := 1
	if b.cfg.DuplicateDelivery {
		copies = 2
	}

	for _, sub := range subs {
		for i := 0; i < copies; i++ {
			b.inflight.Add(1)
			select {
			case sub.queue <- msg:
			case <-ctx.Done():
				b.inflight.Add(-1)
				return ctx.Err()
			case <-b.ctx.Done():
				b.inflight.Add(-1)
				return bus.ErrClosed
			}
		}
	}

	return nil
}

func (b *Bus) Request(ctx context.Context, topic string, body []byte, timeout time.Duration) ([]byte, error) {
	b.mu.RLock()
	r, ok := b.responders[topic]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil, bus.ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)

	if ok {
		reqCtx, cancel := context.WithTimeout(b.ctx, timeout)
		defer cancel()

		msg := bus.Message{
			ID:        uuid.NewString(),
			Topic:     topic,
			Body:      body,
			Timestamp: time.Now().UTC(),
		}

		go func() {
			reply, err := r(reqCtx, msg)
			done <- result{body: reply, err: err}
		}()
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", bus.ErrRemote, topic, res.err)
		}
		return res.body, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", bus.ErrTimeout, topic, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run blocks until ctx is done; delivery workers start at Subscribe.
func (b *Bus) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-b.ctx.Done():
	}
	return nil
}

// WaitIdle blocks until every published message has been handled,
// including messages published by the handlers themselves.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if b.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	return nil
}

func (b *Bus) work(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-sub.queue:
			b.deliver(sub, msg)
			b.inflight.Add(-1)
		}
	}
}

// deliver hands msg to the subscription until it is handled, rejected as
// permanent, or the bus closes. Transient failures are retried without limit.
func (b *Bus) deliver(sub *subscription, msg bus.Message) {
	delay := b.cfg.RedeliveryDelay

	for attempt := 1; ; attempt++ {
		msg.Redelivered = attempt > 1

		err := sub.h(b.ctx, msg)
		if err == nil {
			return
		}

		if bus.IsPermanent(err) {
			b.logger.Error("dropping message",
				"topic", sub.topic, "message_id", msg.ID, "error", err)
			return
		}

		b.logger.Warn("handler failed, redelivering",
			"topic", sub.topic, "message_id", msg.ID, "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay = min(2*delay, b.cfg.MaxRedeliveryDelay)
	}
}
