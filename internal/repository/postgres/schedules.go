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

const scheduleCols = `id, route_name, origin, destination, departure_time, arrival_time,
	vehicle_type, vehicle_number, driver_name, driver_contact, notes,
	total_capacity, available_capacity, price_per_unit_cents, status, created_at, updated_at`

const scheduleBookingCols = `booking_id, schedule_id, customer_id, quantity, total_price_cents,
	status, booked_at, reversed_at`

// ScheduleRepo serves the scheduling service. Bound to a transaction via
// With it implements repository.ScheduleTx.
type ScheduleRepo struct {
	store  *Store
	pool   *pgxpool.Pool
	db     DB
	outbox outbox
}

var (
	_ repository.ScheduleStore = (*ScheduleRepo)(nil)
	_ repository.ScheduleTx    = (*ScheduleRepo)(nil)
)

func (r *ScheduleRepo) With(db DB) *ScheduleRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *ScheduleRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *ScheduleRepo) RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.ScheduleTx) error) error {
	return r.store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		return fn(ctx, r.With(tx))
	})
}

// CreateSchedule inserts s. ID, CreatedAt and UpdatedAt are filled in when
// zero.
func (r *ScheduleRepo) CreateSchedule(ctx context.Context, s *domain.Schedule) error {
	const op = "postgres.ScheduleRepo.CreateSchedule"

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = s.CreatedAt

	_, err := r.handle().Exec(ctx,
		`INSERT INTO schedules (`+scheduleCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		s.ID, s.Route.Name, s.Route.Origin, s.Route.Destination, s.DepartureTime, s.ArrivalTime,
		s.VehicleType, s.VehicleNumber, s.DriverName, s.DriverContact, s.Notes,
		s.TotalCapacity, s.AvailableCapacity, s.PricePerUnitCents, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)

	return wrapDBErr(op, err)
}

// GetSchedule retrieves a schedule by its ID.
//
// Returns:
//   - domain.Schedule: the schedule when found.
//   - error: repository.ErrNotFound if the schedule is not found.
func (r *ScheduleRepo) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	const op = "postgres.ScheduleRepo.GetSchedule"

	s, err := scanSchedule(r.handle().QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		return domain.Schedule{}, wrapDBErr(op, err)
	}

	return s, nil
}

// LockSchedule is GetSchedule with FOR UPDATE; only meaningful inside RunTx.
func (r *ScheduleRepo) LockSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	const op = "postgres.ScheduleRepo.LockSchedule"

	s, err := scanSchedule(r.handle().QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Schedule{}, wrapDBErr(op, err)
	}

	return s, nil
}

func (r *ScheduleRepo) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	const op = "postgres.ScheduleRepo.UpdateSchedule"

	s.UpdatedAt = time.Now().UTC()

	tag, err := r.handle().Exec(ctx,
		`UPDATE schedules SET
			route_name = $2, origin = $3, destination = $4,
			departure_time = $5, arrival_time = $6,
			vehicle_type = $7, vehicle_number = $8, driver_name = $9, driver_contact = $10, notes = $11,
			total_capacity = $12, available_capacity = $13, price_per_unit_cents = $14,
			status = $15, updated_at = $16
		 WHERE id = $1`,
		s.ID, s.Route.Name, s.Route.Origin, s.Route.Destination, s.DepartureTime, s.ArrivalTime,
		s.VehicleType, s.VehicleNumber, s.DriverName, s.DriverContact, s.Notes,
		s.TotalCapacity, s.AvailableCapacity, s.PricePerUnitCents, string(s.Status), s.UpdatedAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

// AdjustAvailable relies on the schedules_capacity_bounds constraint; a
// violation surfaces as repository.ErrInsufficientCapacity.
func (r *ScheduleRepo) AdjustAvailable(ctx context.Context, id uuid.UUID, delta int) (int, error) {
	const op = "postgres.ScheduleRepo.AdjustAvailable"

	var available int
	err := r.handle().QueryRow(ctx,
		`UPDATE schedules
		 SET available_capacity = available_capacity + $2, updated_at = now()
		 WHERE id = $1
		 RETURNING available_capacity`,
		id, delta,
	).Scan(&available)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	return available, nil
}

func (r *ScheduleRepo) ListSchedules(ctx context.Context, f repository.ScheduleFilter) ([]domain.Schedule, error) {
	const op = "postgres.ScheduleRepo.ListSchedules"

	var w where
	if f.Origin != "" {
		w.add("origin ILIKE ?", f.Origin)
	}
	if f.Destination != "" {
		w.add("destination ILIKE ?", f.Destination)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.DepartFrom != nil {
		w.add("departure_time >= ?", *f.DepartFrom)
	}
	if f.DepartTo != nil {
		w.add("departure_time < ?", *f.DepartTo)
	}

	query := `SELECT ` + scheduleCols + ` FROM schedules` + w.sql() +
		` ORDER BY departure_time, id` + w.page(f.Limit, f.Offset)

	rows, err := r.handle().Query(ctx, query, w.args...)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}
	defer rows.Close()

	out := make([]domain.Schedule, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *ScheduleRepo) ScheduleExists(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "postgres.ScheduleRepo.ScheduleExists"

	var exists bool
	if err := r.handle().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schedules WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, wrapDBErr(op, err)
	}

	return exists, nil
}

func (r *ScheduleRepo) GetScheduleBooking(ctx context.Context, bookingID uuid.UUID) (domain.ScheduleBooking, error) {
	const op = "postgres.ScheduleRepo.GetScheduleBooking"

	sb, err := scanScheduleBooking(r.handle().QueryRow(ctx,
		`SELECT `+scheduleBookingCols+` FROM schedule_bookings WHERE booking_id = $1`, bookingID))
	if err != nil {
		return domain.ScheduleBooking{}, wrapDBErr(op, err)
	}

	return sb, nil
}

func (r *ScheduleRepo) InsertScheduleBooking(ctx context.Context, sb domain.ScheduleBooking) error {
	const op = "postgres.ScheduleRepo.InsertScheduleBooking"

	_, err := r.handle().Exec(ctx,
		`INSERT INTO schedule_bookings (`+scheduleBookingCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sb.BookingID, sb.ScheduleID, sb.CustomerID, sb.Quantity, sb.TotalPriceCents,
		string(sb.Status), sb.BookedAt, sb.ReversedAt,
	)

	return wrapDBErr(op, err)
}

func (r *ScheduleRepo) SetScheduleBookingStatus(
	ctx context.Context,
	bookingID uuid.UUID,
	status domain.ReservationStatus,
	at time.Time,
) error {
	const op = "postgres.ScheduleRepo.SetScheduleBookingStatus"

	var reversedAt *time.Time
	if status == domain.ReservationReversed {
		reversedAt = &at
	}

	tag, err := r.handle().Exec(ctx,
		`UPDATE schedule_bookings SET status = $2, reversed_at = $3 WHERE booking_id = $1`,
		bookingID, string(status), reversedAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

func (r *ScheduleRepo) ListScheduleBookings(ctx context.Context, scheduleID uuid.UUID) ([]domain.ScheduleBooking, error) {
	const op = "postgres.ScheduleRepo.ListScheduleBookings"

	rows, err := r.handle().Query(ctx,
		`SELECT `+scheduleBookingCols+`
		 FROM schedule_bookings
		 WHERE schedule_id = $1
		 ORDER BY booked_at, booking_id`,
		scheduleID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}
	defer rows.Close()

	out := make([]domain.ScheduleBooking, 0)
	for rows.Next() {
		sb, err := scanScheduleBooking(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, sb)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *ScheduleRepo) RecordCancellation(ctx context.Context, bookingID uuid.UUID, reason string, at time.Time) (bool, error) {
	const op = "postgres.ScheduleRepo.RecordCancellation"

	tag, err := r.handle().Exec(ctx,
		`INSERT INTO booking_cancellations (booking_id, reason, cancelled_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (booking_id) DO NOTHING`,
		bookingID, reason, at,
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *ScheduleRepo) HasCancellation(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	const op = "postgres.ScheduleRepo.HasCancellation"

	var exists bool
	if err := r.handle().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM booking_cancellations WHERE booking_id = $1)`, bookingID,
	).Scan(&exists); err != nil {
		return false, wrapDBErr(op, err)
	}

	return exists, nil
}

func (r *ScheduleRepo) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	return r.outbox.enqueue(ctx, r.handle(), msg)
}

func (r *ScheduleRepo) PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.outbox.pending(ctx, r.handle(), createdBefore, limit)
}

func (r *ScheduleRepo) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.outbox.markPublished(ctx, r.handle(), id, at)
}

func (r *ScheduleRepo) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.outbox.markFailed(ctx, r.handle(), id, reason)
}

func scanSchedule(row pgx.Row) (domain.Schedule, error) {
	var (
		s      domain.Schedule
		status string
	)

	err := row.Scan(
		&s.ID, &s.Route.Name, &s.Route.Origin, &s.Route.Destination, &s.DepartureTime, &s.ArrivalTime,
		&s.VehicleType, &s.VehicleNumber, &s.DriverName, &s.DriverContact, &s.Notes,
		&s.TotalCapacity, &s.AvailableCapacity, &s.PricePerUnitCents, &status, &s.CreatedAt, &s.UpdatedAt,
	)
	s.Status = domain.ScheduleStatus(status)

	return s, err
}

func scanScheduleBooking(row pgx.Row) (domain.ScheduleBooking, error) {
	var (
		sb     domain.ScheduleBooking
		status string
	)

	err := row.Scan(
		&sb.BookingID, &sb.ScheduleID, &sb.CustomerID, &sb.Quantity, &sb.TotalPriceCents,
		&status, &sb.BookedAt, &sb.ReversedAt,
	)
	sb.Status = domain.ReservationStatus(status)

	return sb, err
}
