package postgres

import (
	"context"
	"fmt"
)

const (
	scheduleOutboxTable = "schedule_outbox"
	bookingOutboxTable  = "booking_outbox"

	// capacityBoundsConstraint keeps 0 <= available_capacity <= total_capacity.
	capacityBoundsConstraint = "schedules_capacity_bounds"
)

// SchedulingSchema is owned by the scheduling service.
var SchedulingSchema = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id                   uuid PRIMARY KEY,
		route_name           text        NOT NULL,
		origin               text        NOT NULL,
		destination          text        NOT NULL,
		departure_time       timestamptz NOT NULL,
		arrival_time         timestamptz NOT NULL,
		vehicle_type         text        NOT NULL DEFAULT '',
		vehicle_number       text        NOT NULL DEFAULT '',
		driver_name          text        NOT NULL DEFAULT '',
		driver_contact       text        NOT NULL DEFAULT '',
		notes                text        NOT NULL DEFAULT '',
		total_capacity       integer     NOT NULL,
		available_capacity   integer     NOT NULL,
		price_per_unit_cents bigint      NOT NULL DEFAULT 0,
		status               text        NOT NULL,
		created_at           timestamptz NOT NULL DEFAULT now(),
		updated_at           timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT ` + capacityBoundsConstraint + `
			CHECK (available_capacity >= 0 AND available_capacity <= total_capacity)
	)`,
	`CREATE INDEX IF NOT EXISTS schedules_route_idx
		ON schedules (origin, destination, departure_time)`,
	`CREATE TABLE IF NOT EXISTS schedule_bookings (
		booking_id        uuid PRIMARY KEY,
		schedule_id       uuid        NOT NULL REFERENCES schedules(id),
		customer_id       uuid        NOT NULL,
		quantity          integer     NOT NULL CHECK (quantity > 0),
		total_price_cents bigint      NOT NULL DEFAULT 0,
		status            text        NOT NULL,
		booked_at         timestamptz NOT NULL,
		reversed_at       timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS schedule_bookings_schedule_idx
		ON schedule_bookings (schedule_id)`,
	`CREATE TABLE IF NOT EXISTS booking_cancellations (
		booking_id   uuid PRIMARY KEY,
		reason       text        NOT NULL DEFAULT '',
		cancelled_at timestamptz NOT NULL
	)`,
	outboxDDL(scheduleOutboxTable),
	outboxIndexDDL(scheduleOutboxTable),
}

// BookingSchema is owned by the booking service. schedule_id has no foreign
// key: schedules live in the other service's database.
var BookingSchema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		id                uuid PRIMARY KEY,
		schedule_id       uuid             NOT NULL,
		customer_id       uuid             NOT NULL,
		customer_name     text             NOT NULL DEFAULT '',
		customer_email    text             NOT NULL DEFAULT '',
		cargo_type        text             NOT NULL DEFAULT '',
		cargo_description text             NOT NULL DEFAULT '',
		weight_kg         double precision NOT NULL DEFAULT 0,
		volume_m3         double precision NOT NULL DEFAULT 0,
		quantity          integer          NOT NULL CHECK (quantity > 0),
		price_cents       bigint           NOT NULL DEFAULT 0,
		status            text             NOT NULL,
		cancel_reason     text             NOT NULL DEFAULT '',
		notes             text             NOT NULL DEFAULT '',
		created_at        timestamptz      NOT NULL DEFAULT now(),
		updated_at        timestamptz      NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bookings_customer_idx ON bookings (customer_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS bookings_schedule_idx ON bookings (schedule_id)`,
	outboxDDL(bookingOutboxTable),
	outboxIndexDDL(bookingOutboxTable),
}

func outboxDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id           uuid PRIMARY KEY,
		topic        text        NOT NULL,
		payload      bytea       NOT NULL,
		created_at   timestamptz NOT NULL DEFAULT now(),
		published_at timestamptz,
		attempts     integer     NOT NULL DEFAULT 0,
		last_error   text        NOT NULL DEFAULT ''
	)`, table)
}

func outboxIndexDDL(table string) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_pending_idx
		ON %s (created_at) WHERE published_at IS NULL`, table, table)
}

// EnsureSchema applies the idempotent DDL statements in order.
func (s *Store) EnsureSchema(ctx context.Context, stmts []string) error {
	const op = "postgres.Store.EnsureSchema"

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
	}

	return nil
}
