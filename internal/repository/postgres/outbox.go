package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
)

// outbox is embedded in the service repos; each service owns its own table.
type outbox struct {
	table string
}

func (o outbox) enqueue(ctx context.Context, db DB, msg domain.OutboxMessage) error {
	const op = "postgres.outbox.Enqueue"

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, topic, payload, created_at)
		 VALUES ($1, $2, $3, $4)`, o.table),
		msg.ID, msg.Topic, msg.Payload, msg.CreatedAt,
	)

	return wrapDBErr(op, err)
}

func (o outbox) pending(ctx context.Context, db DB, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	const op = "postgres.outbox.Pending"

	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(ctx,
		fmt.Sprintf(`SELECT id, topic, payload, created_at, attempts, last_error
		 FROM %s
		 WHERE published_at IS NULL AND created_at <= $1
		 ORDER BY created_at
		 LIMIT $2`, o.table),
		createdBefore, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.CreatedAt, &m.Attempts, &m.LastError); err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (o outbox) markPublished(ctx context.Context, db DB, id uuid.UUID, at time.Time) error {
	const op = "postgres.outbox.MarkPublished"

	_, err := db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET published_at = $2, attempts = attempts + 1
		 WHERE id = $1 AND published_at IS NULL`, o.table),
		id, at,
	)

	return wrapDBErr(op, err)
}

func (o outbox) markFailed(ctx context.Context, db DB, id uuid.UUID, reason string) error {
	const op = "postgres.outbox.MarkFailed"

	_, err := db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET attempts = attempts + 1, last_error = $2
		 WHERE id = $1`, o.table),
		id, reason,
	)

	return wrapDBErr(op, err)
}
