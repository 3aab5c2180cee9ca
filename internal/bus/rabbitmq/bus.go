// Package rabbitmq implements bus.Bus on a RabbitMQ topic exchange.
//
// Events are published persistent with publisher confirms and consumed from
// one durable queue per service, bound to every subscribed routing key.
// Requests use direct reply-to, so no reply queue has to be declared; a
// request nobody answers expires on the broker and times out here.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeType = "topic"
	replyToQueue = "amq.rabbitmq.reply-to"
	contentType  = "application/json"
	errorHeader  = "x-error"
)

type Config struct {
	URL      string
	Exchange string
	// Service prefixes the queue names, e.g. "scheduling.events".
	Service         string
	Prefetch        int
	PublishRetries  int
	RetryBackoff    time.Duration
	RedeliveryDelay time.Duration
}

type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	rpcCh      *amqp.Channel
	handlers   map[string]bus.Handler
	responders map[string]bus.Responder
	running    bool
	closed     bool

	pendingMu sync.Mutex
	pending   map[string]chan amqp.Delivery
}

var _ bus.Bus = (*Bus)(nil)

// New dials the broker, retrying with backoff until ctx is done, and
// declares the exchange.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	const op = "rabbitmq.New"

	if cfg.Exchange == "" {
		cfg.Exchange = "freight.events"
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}

	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 3
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		cfg:        cfg,
		logger:     logger.With("component", "bus.rabbitmq", "service", cfg.Service),
		handlers:   make(map[string]bus.Handler),
		responders: make(map[string]bus.Responder),
		pending:    make(map[string]chan amqp.Delivery),
	}

	if err := b.connect(ctx); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return b, nil
}

func (b *Bus) Subscribe(topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("rabbitmq: subscribe %q after Run", topic)
	}

	b.handlers[topic] = h
	return nil
}

func (b *Bus) Respond(topic string, r bus.Responder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("rabbitmq: respond %q after Run", topic)
	}

	if _, ok := b.responders[topic]; ok {
		return fmt.Errorf("rabbitmq: responder for %q already registered", topic)
	}

	b.responders[topic] = r
	return nil
}

// Publish sends msg persistent and waits for the broker confirm, retrying
// with exponential backoff.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	const op = "rabbitmq.Bus.Publish"

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	backoff := b.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= b.cfg.PublishRetries; attempt++ {
		if err = b.publishOnce(ctx, msg); err == nil {
			return nil
		}

		if errors.Is(err, bus.ErrClosed) {
			return fmt.Errorf("%s:%w", op, err)
		}

		b.logger.Warn("publish failed",
			"topic", msg.Topic, "message_id", msg.ID, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s:%w", op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%s: %s: %w", op, msg.Topic, err)
}

func (b *Bus) publishOnce(ctx context.Context, msg bus.Message) error {
	ch, err := b.publishChannel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.cfg.Exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		AppId:        b.cfg.Service,
		Body:         msg.Body,
	})
	if err != nil {
		return err
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return errors.New("broker nacked publish")
	}

	return nil
}

// publishChannel returns the confirm-mode channel, reopening it when a
// previous failure closed it.
func (b *Bus) publishChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}

	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		return nil, errors.New("connection is down")
	}

	ch, err := b.openPublishChannel(b.conn)
	if err != nil {
		return nil, err
	}
	b.pubCh = ch

	return ch, nil
}

func (b *Bus) Request(ctx context.Context, topic string, body []byte, timeout time.Duration) ([]byte, error) {
	const op = "rabbitmq.Bus.Request"

	b.mu.Lock()
	ch := b.rpcCh
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, bus.ErrClosed
	}

	if ch == nil || ch.IsClosed() {
		return nil, fmt.Errorf("%s: reply channel is down", op)
	}

	corrID := uuid.NewString()
	replies := make(chan amqp.Delivery, 1)

	b.pendingMu.Lock()
	b.pending[corrID] = replies
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, corrID)
		b.pendingMu.Unlock()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := ch.PublishWithContext(reqCtx, b.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType:   contentType,
		CorrelationId: corrID,
		ReplyTo:       replyToQueue,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		AppId:         b.cfg.Service,
		Expiration:    strconv.FormatInt(timeout.Milliseconds(), 10),
		Body:          body,
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	select {
	case d := <-replies:
		if msg, ok := d.Headers[errorHeader].(string); ok {
			return nil, fmt.Errorf("%w: %s: %s", bus.ErrRemote, topic, msg)
		}
		return d.Body, nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", bus.ErrTimeout, topic, timeout)
	}
}

// Run consumes until ctx is done, redialing when the connection drops.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	b.running = true
	b.mu.Unlock()

	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		b.logger.Error("consumer stopped, reconnecting", "error", err)

		if err := b.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}

	return nil
}

func (b *Bus) connect(ctx context.Context) error {
	backoff := time.Second

	for {
		conn, err := b.dial()
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			return nil
		}

		b.logger.Warn("broker dial failed", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *Bus) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	pubCh, err := b.openPublishChannel(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	rpcCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rpc channel: %w", err)
	}

	// The reply-to pseudo queue must be consumed, with auto-ack, on the
	// channel that publishes the requests.
	replies, err := rpcCh.Consume(replyToQueue, "", true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume replies: %w", err)
	}

	b.mu.Lock()
	b.pubCh = pubCh
	b.rpcCh = rpcCh
	b.mu.Unlock()

	go b.routeReplies(replies)

	b.logger.Info("connected to broker", "exchange", b.cfg.Exchange)

	return conn, nil
}

func (b *Bus) openPublishChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.Exchange, exchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	return ch, nil
}

func (b *Bus) routeReplies(replies <-chan amqp.Delivery) {
	for d := range replies {
		b.pendingMu.Lock()
		ch, ok := b.pending[d.CorrelationId]
		b.pendingMu.Unlock()

		if !ok {
			b.logger.Debug("late reply dropped", "correlation_id", d.CorrelationId)
			continue
		}

		select {
		case ch <- d:
		default:
		}
	}
}

// consume declares the service queues and dispatches deliveries until the
// connection closes or ctx is done.
func (b *Bus) consume(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	handlers := b.handlers
	responders := b.responders
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		b.logger.Warn("set qos failed", "error", err)
	}

	events, err := b.declareAndConsume(ch, b.cfg.Service+".events", true, keys(handlers))
	if err != nil {
		return err
	}

	requests, err := b.declareAndConsume(ch, b.cfg.Service+".rpc", false, keys(responders))
	if err != nil {
		return err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	sem := make(chan struct{}, b.cfg.Prefetch)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-events:
			if !ok {
				return errors.New("event deliveries closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() { <-sem; wg.Done() }()
				b.handleEvent(ctx, handlers, d)
			}()
		case d, ok := <-requests:
			if !ok {
				return errors.New("request deliveries closed")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleRequest(ctx, ch, responders, d)
			}()
		}
	}
}

// declareAndConsume returns a nil channel when there is nothing to bind, so
// the select in consume never fires on it.
func (b *Bus) declareAndConsume(ch *amqp.Channel, queue string, durable bool, routingKeys []string) (<-chan amqp.Delivery, error) {
	if len(routingKeys) == 0 {
		return nil, nil
	}

	q, err := ch.QueueDeclare(queue, durable, !durable, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, b.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s to %s: %w", q.Name, key, err)
		}
		b.logger.Info("listening", "queue", q.Name, "routing_key", key)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	return deliveries, nil
}

func (b *Bus) handleEvent(ctx context.Context, handlers map[string]bus.Handler, d amqp.Delivery) {
	h, ok := handlers[d.RoutingKey]
	if !ok {
		b.logger.Warn("no handler for routing key", "routing_key", d.RoutingKey)
		_ = d.Nack(false, false)
		return
	}

	err := h(ctx, bus.Message{
		ID:          d.MessageId,
		Topic:       d.RoutingKey,
		Body:        d.Body,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	})

	switch {
	case err == nil:
		_ = d.Ack(false)
	case bus.IsPermanent(err):
		b.logger.Error("dropping message",
			"routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
	default:
		b.logger.Warn("handler failed, requeueing",
			"routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(b.cfg.RedeliveryDelay):
		}
		_ = d.Nack(false, true)
	}
}

func (b *Bus) handleRequest(ctx context.Context, ch *amqp.Channel, responders map[string]bus.Responder, d amqp.Delivery) {
	defer func() { _ = d.Ack(false) }()

	r, ok := responders[d.RoutingKey]
	if !ok || d.ReplyTo == "" {
		return
	}

	timeout := 5 * time.Second
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := amqp.Publishing{
		ContentType:   contentType,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now().UTC(),
		AppId:         b.cfg.Service,
	}

	body, err := r(reqCtx, bus.Message{
		ID:        d.MessageId,
		Topic:     d.RoutingKey,
		Body:      d.Body,
		Timestamp: d.Timestamp,
	})
	if err != nil {
		b.logger.Error("responder failed", "routing_key", d.RoutingKey, "error", err)
		reply.Headers = amqp.Table{errorHeader: err.Error()}
	} else {
		reply.Body = body
	}

	if err := ch.PublishWithContext(reqCtx, "", d.ReplyTo, false, false, reply); err != nil {
		b.logger.Error("reply publish failed", "routing_key", d.RoutingKey, "error", err)
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
