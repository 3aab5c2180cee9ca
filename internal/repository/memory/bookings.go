package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/repository"
)

type bookingState struct {
	bookings map[uuid.UUID]domain.Booking
	outbox   outboxTable
}

func (s bookingState) begin() *bookingTx {
	return &bookingTx{
		bookings: newOverlay(s.bookings),
		outbox:   newOverlay[uuid.UUID, domain.OutboxMessage](s.outbox),
	}
}

type BookingStore struct {
	mu sync.Mutex
	st bookingState
}

var _ repository.BookingStore = (*BookingStore)(nil)

func NewBookingStore() *BookingStore {
	return &BookingStore{
		st: bookingState{
			bookings: make(map[uuid.UUID]domain.Booking),
			outbox:   make(outboxTable),
		},
	}
}

func (s *BookingStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.BookingTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := s.st.begin()
	if err := fn(ctx, tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (s *BookingStore) GetBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	const op = "memory.BookingStore.GetBooking"

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.st.bookings[id]
	if !ok {
		return domain.Booking{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return b, nil
}

func (s *BookingStore) ListBookings(_ context.Context, f repository.BookingFilter) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Booking, 0)
	for _, b := range s.st.bookings {
		if f.CustomerID != nil && b.Customer.ID != *f.CustomerID {
			continue
		}
		if f.ScheduleID != nil && b.ScheduleID != *f.ScheduleID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	return paginate(out, f.Limit, f.Offset), nil
}

func (s *BookingStore) PendingOutbox(_ context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.outbox.pending(createdBefore, limit), nil
}

func (s *BookingStore) MarkOutboxPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.outbox.markPublished(id, at)
	return nil
}

func (s *BookingStore) MarkOutboxFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.outbox.markFailed(id, reason)
	return nil
}

type bookingTx struct {
	bookings *overlay[uuid.UUID, domain.Booking]
	outbox   *overlay[uuid.UUID, domain.OutboxMessage]
}

func (tx *bookingTx) commit() {
	tx.bookings.commit()
	tx.outbox.commit()
}

func (tx *bookingTx) CreateBooking(_ context.Context, b *domain.Booking) error {
	const op = "memory.bookingTx.CreateBooking"

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	if _, ok := tx.bookings.get(b.ID); ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt

	tx.bookings.put(b.ID, *b)
	return nil
}

func (tx *bookingTx) LockBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	const op = "memory.bookingTx.LockBooking"

	b, ok := tx.bookings.get(id)
	if !ok {
		return domain.Booking{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return b, nil
}

func (tx *bookingTx) UpdateBooking(_ context.Context, b *domain.Booking) error {
	const op = "memory.bookingTx.UpdateBooking"

	prev, ok := tx.bookings.get(b.ID)
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	// Identity fields are immutable, matching the postgres UPDATE.
	b.ScheduleID = prev.ScheduleID
	b.Customer.ID = prev.Customer.ID
	b.Cargo.Quantity = prev.Cargo.Quantity
	b.CreatedAt = prev.CreatedAt
	b.UpdatedAt = time.Now().UTC()

	tx.bookings.put(b.ID, *b)
	return nil
}

func (tx *bookingTx) Enqueue(_ context.Context, msg domain.OutboxMessage) error {
	if err := enqueue(tx.outbox, msg); err != nil {
		return fmt.Errorf("memory.bookingTx.Enqueue:%w", err)
	}
	return nil
}
