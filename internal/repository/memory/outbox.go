package memory

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/repository"
)

type outboxTable map[uuid.UUID]domain.OutboxMessage

// enqueue adds msg to a transaction's outbox writes.
func enqueue(o *overlay[uuid.UUID, domain.OutboxMessage], msg domain.OutboxMessage) error {
	if _, ok := o.get(msg.ID); ok {
		return repository.ErrConflict
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	o.put(msg.ID, msg)

	return nil
}

func (o outboxTable) pending(createdBefore time.Time, limit int) []domain.OutboxMessage {
	if limit <= 0 {
		limit = 100
	}

	out := make([]domain.OutboxMessage, 0)
	for _, m := range o {
		if m.PublishedAt == nil && !m.CreatedAt.After(createdBefore) {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if len(out) > limit {
		out = out[:limit]
	}

	return out
}

// markPublished drops the row. Nothing reads published rows back, so the
// table only holds what is still pending.
func (o outboxTable) markPublished(id uuid.UUID, _ time.Time) {
	delete(o, id)
}

func (o outboxTable) markFailed(id uuid.UUID, reason string) {
	m, ok := o[id]
	if !ok {
		return
	}
	m.Attempts++
	m.LastError = reason
	o[id] = m
}
