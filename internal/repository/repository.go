// Package repository declares the storage contracts of both services. The
// postgres and memory subpackages implement them.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
)

// Outbox is the durable record of events that still have to reach the bus.
// A row is written in the same transaction as the state change it announces.
type Outbox interface {
	// PendingOutbox returns unpublished messages created before the cutoff,
	// oldest first.
	PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// OutboxWriter is the transactional half of Outbox.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg domain.OutboxMessage) error
}

type ScheduleFilter struct {
	Origin      string
	Destination string
	Status      domain.ScheduleStatus
	DepartFrom  *time.Time
	DepartTo    *time.Time
	Limit       int
	Offset      int
}

// ScheduleTx is the set of operations available inside a scheduling
// transaction.
type ScheduleTx interface {
	OutboxWriter

	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	// LockSchedule reads the schedule and holds a row lock until commit.
	LockSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	// AdjustAvailable adds delta to the available capacity and returns the
	// new value, or ErrInsufficientCapacity when the result leaves bounds.
	AdjustAvailable(ctx context.Context, id uuid.UUID, delta int) (int, error)

	GetScheduleBooking(ctx context.Context, bookingID uuid.UUID) (domain.ScheduleBooking, error)
	// InsertScheduleBooking returns ErrConflict when the booking was already
	// recorded.
	InsertScheduleBooking(ctx context.Context, sb domain.ScheduleBooking) error
	SetScheduleBookingStatus(ctx context.Context, bookingID uuid.UUID, status domain.ReservationStatus, at time.Time) error

	// RecordCancellation stores a tombstone for bookingID and reports whether
	// it was new.
	RecordCancellation(ctx context.Context, bookingID uuid.UUID, reason string, at time.Time) (bool, error)
	HasCancellation(ctx context.Context, bookingID uuid.UUID) (bool, error)
}

type ScheduleStore interface {
	Outbox

	RunTx(ctx context.Context, fn func(ctx context.Context, tx ScheduleTx) error) error

	GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error)
	ListScheduleBookings(ctx context.Context, scheduleID uuid.UUID) ([]domain.ScheduleBooking, error)
	ScheduleExists(ctx context.Context, id uuid.UUID) (bool, error)
}

type BookingFilter struct {
	CustomerID *uuid.UUID
	ScheduleID *uuid.UUID
	Status     domain.BookingStatus
	Limit      int
	Offset     int
}

type BookingTx interface {
	OutboxWriter

	CreateBooking(ctx context.Context, b *domain.Booking) error
	LockBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	UpdateBooking(ctx context.Context, b *domain.Booking) error
}

type BookingStore interface {
	Outbox

	RunTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error

	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	ListBookings(ctx context.Context, f BookingFilter) ([]domain.Booking, error)
}
