// Package outbox moves committed events from a service's outbox table onto
// the bus. Events are dispatched right after their transaction commits; a
// periodic sweep republishes whatever that missed, so an event recorded in
// the database reaches the bus at least once.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/metrics"
	"github.com/kirinyoku/freightgo/internal/repository"
)

type Config struct {
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

type Relay struct {
	service string
	store   repository.Outbox
	pub     bus.Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

func NewRelay(
	service string,
	store repository.Outbox,
	pub bus.Publisher,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Relay {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		service: service,
		store:   store,
		pub:     pub,
		logger:  logger.With("component", "outbox", "service", service),
		metrics: m,
		cfg:     cfg,
	}
}

// NewMessage wraps m in a versioned envelope ready to be enqueued.
func NewMessage(m events.Message, producer string) (domain.OutboxMessage, error) {
	const op = "outbox.NewMessage"

	id, body, err := events.Encode(m, producer)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("%s:%w", op, err)
	}

	return domain.OutboxMessage{
		ID:        id,
		Topic:     m.Topic(),
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Dispatch publishes msgs in order. It is meant for after-commit hooks and
// detaches from the caller's cancellation; failures are left to the sweep.
func (r *Relay) Dispatch(ctx context.Context, msgs ...domain.OutboxMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()

	for _, m := range msgs {
		if err := r.publish(ctx, m); err != nil {
			r.logger.Warn("dispatch failed, left for sweep",
				"topic", m.Topic, "event_id", m.ID, "error", err)
			return
		}
	}
}

// Sweep publishes pending messages older than StaleAfter, oldest first,
// stopping at the first failure so later events never overtake earlier ones.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	const op = "outbox.Relay.Sweep"

	pending, err := r.store.PendingOutbox(ctx, time.Now().UTC().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	r.metrics.SetOutboxPending(r.service, len(pending))

	published := 0
	for _, m := range pending {
		pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		err := r.publish(pubCtx, m)
		cancel()

		if err != nil {
			return published, fmt.Errorf("%s:%w", op, err)
		}
		published++
	}

	return published, nil
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("outbox sweep failed", "published", n, "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("outbox sweep republished events", "count", n)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, m domain.OutboxMessage) error {
	err := r.pub.Publish(ctx, bus.Message{
		ID:        m.ID.String(),
		Topic:     m.Topic,
		Body:      m.Payload,
		Timestamp: m.CreatedAt,
	})
	if err != nil {
		r.metrics.OutboxFailed(r.service)
		if markErr := r.store.MarkOutboxFailed(ctx, m.ID, err.Error()); markErr != nil {
			r.logger.Error("mark outbox failed", "event_id", m.ID, "error", markErr)
		}
		return err
	}

	r.metrics.OutboxPublished(r.service)

	// A lost mark only causes a duplicate publish, which consumers absorb.
	if err := r.store.MarkOutboxPublished(ctx, m.ID, time.Now().UTC()); err != nil {
		r.logger.Error("mark outbox published", "event_id", m.ID, "error", err)
	}

	return nil
}
