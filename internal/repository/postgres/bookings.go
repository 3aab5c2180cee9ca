package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/repository"
)

const bookingCols = `id, schedule_id, customer_id, customer_name, customer_email,
	cargo_type, cargo_description, weight_kg, volume_m3, quantity,
	price_cents, status, cancel_reason, notes, created_at, updated_at`

type BookingRepo struct {
	store  *Store
	pool   *pgxpool.Pool
	db     DB
	outbox outbox
}

var (
	_ repository.BookingStore = (*BookingRepo)(nil)
	_ repository.BookingTx    = (*BookingRepo)(nil)
)

func (r *BookingRepo) With(db DB) *BookingRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *BookingRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *BookingRepo) RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.BookingTx) error) error {
	return r.store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		return fn(ctx, r.With(tx))
	})
}

// CreateBooking inserts b, filling ID and timestamps when zero.
//
// Returns:
//   - error: repository.ErrConflict if a booking with the same ID exists.
func (r *BookingRepo) CreateBooking(ctx context.Context, b *domain.Booking) error {
	const op = "postgres.BookingRepo.CreateBooking"

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt

	_, err := r.handle().Exec(ctx,
		`INSERT INTO bookings (`+bookingCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.ScheduleID, b.Customer.ID, b.Customer.Name, b.Customer.Email,
		b.Cargo.Type, b.Cargo.Description, b.Cargo.WeightKg, b.Cargo.VolumeM3, b.Cargo.Quantity,
		b.PriceCents, string(b.Status), b.CancelReason, b.Notes, b.CreatedAt, b.UpdatedAt,
	)

	return wrapDBErr(op, err)
}

func (r *BookingRepo) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	const op = "postgres.BookingRepo.GetBooking"

	b, err := scanBooking(r.handle().QueryRow(ctx,
		`SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return domain.Booking{}, wrapDBErr(op, err)
	}

	return b, nil
}

func (r *BookingRepo) LockBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	const op = "postgres.BookingRepo.LockBooking"

	b, err := scanBooking(r.handle().QueryRow(ctx,
		`SELECT `+bookingCols+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Booking{}, wrapDBErr(op, err)
	}

	return b, nil
}

func (r *BookingRepo) UpdateBooking(ctx context.Context, b *domain.Booking) error {
	const op = "postgres.BookingRepo.UpdateBooking"

	b.UpdatedAt = time.Now().UTC()

	tag, err := r.handle().Exec(ctx,
		`UPDATE bookings SET
			customer_name = $2, customer_email = $3,
			cargo_type = $4, cargo_description = $5, weight_kg = $6, volume_m3 = $7,
			price_cents = $8, status = $9, cancel_reason = $10, notes = $11, updated_at = $12
		 WHERE id = $1`,
		b.ID, b.Customer.Name, b.Customer.Email,
		b.Cargo.Type, b.Cargo.Description, b.Cargo.WeightKg, b.Cargo.VolumeM3,
		b.PriceCents, string(b.Status), b.CancelReason, b.Notes, b.UpdatedAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

func (r *BookingRepo) ListBookings(ctx context.Context, f repository.BookingFilter) ([]domain.Booking, error) {
	const op = "postgres.BookingRepo.ListBookings"

	var w where
	if f.CustomerID != nil {
		w.add("customer_id = ?", *f.CustomerID)
	}
	if f.ScheduleID != nil {
		w.add("schedule_id = ?", *f.ScheduleID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}

	query := `SELECT ` + bookingCols + ` FROM bookings` + w.sql() +
		` ORDER BY created_at DESC, id` + w.page(f.Limit, f.Offset)

	rows, err := r.handle().Query(ctx, query, w.args...)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}
	defer rows.Close()

	out := make([]domain.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, b)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *BookingRepo) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	return r.outbox.enqueue(ctx, r.handle(), msg)
}

func (r *BookingRepo) PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.outbox.pending(ctx, r.handle(), createdBefore, limit)
}

func (r *BookingRepo) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.outbox.markPublished(ctx, r.handle(), id, at)
}

func (r *BookingRepo) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.outbox.markFailed(ctx, r.handle(), id, reason)
}

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var (
		b      domain.Booking
		status string
	)

	err := row.Scan(
		&b.ID, &b.ScheduleID, &b.Customer.ID, &b.Customer.Name, &b.Customer.Email,
		&b.Cargo.Type, &b.Cargo.Description, &b.Cargo.WeightKg, &b.Cargo.VolumeM3, &b.Cargo.Quantity,
		&b.PriceCents, &status, &b.CancelReason, &b.Notes, &b.CreatedAt, &b.UpdatedAt,
	)
	b.Status = domain.BookingStatus(status)

	return b, err
}
