// Package memory implements the repository contracts in process memory.
// Transactions run one at a time and buffer their writes, which are applied
// only on success, so every transaction is serializable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/repository"
)

type scheduleState struct {
	schedules map[uuid.UUID]domain.Schedule
	bookings  map[uuid.UUID]domain.ScheduleBooking
	cancels   map[uuid.UUID]time.Time
	outbox    outboxTable
}

func (s scheduleState) begin() *scheduleTx {
	return &scheduleTx{
		schedules: newOverlay(s.schedules),
		bookings:  newOverlay(s.bookings),
		cancels:   newOverlay(s.cancels),
		outbox:    newOverlay[uuid.UUID, domain.OutboxMessage](s.outbox),
	}
}

type ScheduleStore struct {
	mu sync.Mutex
	st scheduleState
}

var _ repository.ScheduleStore = (*ScheduleStore)(nil)

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		st: scheduleState{
			schedules: make(map[uuid.UUID]domain.Schedule),
			bookings:  make(map[uuid.UUID]domain.ScheduleBooking),
			cancels:   make(map[uuid.UUID]time.Time),
			outbox:    make(outboxTable),
		},
	}
}

func (s *ScheduleStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.ScheduleTx) error) error {
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

func (s *ScheduleStore) GetSchedule(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	const op = "memory.ScheduleStore.GetSchedule"

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.st.schedules[id]
	if !ok {
		return domain.Schedule{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return sc, nil
}

func (s *ScheduleStore) ListSchedules(_ context.Context, f repository.ScheduleFilter) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Schedule, 0)
	for _, sc := range s.st.schedules {
		if f.Origin != "" && !strings.EqualFold(sc.Route.Origin, f.Origin) {
			continue
		}
		if f.Destination != "" && !strings.EqualFold(sc.Route.Destination, f.Destination) {
			continue
		}
		if f.Status != "" && sc.Status != f.Status {
			continue
		}
		if f.DepartFrom != nil && sc.DepartureTime.Before(*f.DepartFrom) {
			continue
		}
		if f.DepartTo != nil && !sc.DepartureTime.Before(*f.DepartTo) {
			continue
		}
		out = append(out, sc)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DepartureTime.Equal(out[j].DepartureTime) {
			return out[i].DepartureTime.Before(out[j].DepartureTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	return paginate(out, f.Limit, f.Offset), nil
}

func (s *ScheduleStore) ListScheduleBookings(_ context.Context, scheduleID uuid.UUID) ([]domain.ScheduleBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ScheduleBooking, 0)
	for _, sb := range s.st.bookings {
		if sb.ScheduleID == scheduleID {
			out = append(out, sb)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookedAt.Equal(out[j].BookedAt) {
			return out[i].BookedAt.Before(out[j].BookedAt)
		}
		return out[i].BookingID.String() < out[j].BookingID.String()
	})

	return out, nil
}

func (s *ScheduleStore) ScheduleExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.st.schedules[id]
	return ok, nil
}

func (s *ScheduleStore) PendingOutbox(_ context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.outbox.pending(createdBefore, limit), nil
}

func (s *ScheduleStore) MarkOutboxPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.outbox.markPublished(id, at)
	return nil
}

func (s *ScheduleStore) MarkOutboxFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.outbox.markFailed(id, reason)
	return nil
}

type scheduleTx struct {
	schedules *overlay[uuid.UUID, domain.Schedule]
	bookings  *overlay[uuid.UUID, domain.ScheduleBooking]
	cancels   *overlay[uuid.UUID, time.Time]
	outbox    *overlay[uuid.UUID, domain.OutboxMessage]
}

func (tx *scheduleTx) commit() {
	tx.schedules.commit()
	tx.bookings.commit()
	tx.cancels.commit()
	tx.outbox.commit()
}

func (tx *scheduleTx) CreateSchedule(_ context.Context, s *domain.Schedule) error {
	const op = "memory.scheduleTx.CreateSchedule"

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	if _, ok := tx.schedules.get(s.ID); ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	if !capacityInBounds(s.AvailableCapacity, s.TotalCapacity) {
		return fmt.Errorf("%s:%w", op, repository.ErrInsufficientCapacity)
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt

	tx.schedules.put(s.ID, *s)
	return nil
}

func (tx *scheduleTx) LockSchedule(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	const op = "memory.scheduleTx.LockSchedule"

	sc, ok := tx.schedules.get(id)
	if !ok {
		return domain.Schedule{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return sc, nil
}

func (tx *scheduleTx) UpdateSchedule(_ context.Context, s *domain.Schedule) error {
	const op = "memory.scheduleTx.UpdateSchedule"

	prev, ok := tx.schedules.get(s.ID)
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if !capacityInBounds(s.AvailableCapacity, s.TotalCapacity) {
		return fmt.Errorf("%s:%w", op, repository.ErrInsufficientCapacity)
	}

	s.CreatedAt = prev.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	tx.schedules.put(s.ID, *s)

	return nil
}

func (tx *scheduleTx) AdjustAvailable(_ context.Context, id uuid.UUID, delta int) (int, error) {
	const op = "memory.scheduleTx.AdjustAvailable"

	sc, ok := tx.schedules.get(id)
	if !ok {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	next := sc.AvailableCapacity + delta
	if !capacityInBounds(next, sc.TotalCapacity) {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrInsufficientCapacity)
	}

	sc.AvailableCapacity = next
	sc.UpdatedAt = time.Now().UTC()
	tx.schedules.put(id, sc)

	return next, nil
}

func (tx *scheduleTx) GetScheduleBooking(_ context.Context, bookingID uuid.UUID) (domain.ScheduleBooking, error) {
	const op = "memory.scheduleTx.GetScheduleBooking"

	sb, ok := tx.bookings.get(bookingID)
	if !ok {
		return domain.ScheduleBooking{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return sb, nil
}

func (tx *scheduleTx) InsertScheduleBooking(_ context.Context, sb domain.ScheduleBooking) error {
	const op = "memory.scheduleTx.InsertScheduleBooking"

	if _, ok := tx.bookings.get(sb.BookingID); ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	if _, ok := tx.schedules.get(sb.ScheduleID); !ok {
		return fmt.Errorf("%s: schedule %s: %w", op, sb.ScheduleID, repository.ErrNotFound)
	}

	tx.bookings.put(sb.BookingID, sb)
	return nil
}

func (tx *scheduleTx) SetScheduleBookingStatus(
	_ context.Context,
	bookingID uuid.UUID,
	status domain.ReservationStatus,
	at time.Time,
) error {
	const op = "memory.scheduleTx.SetScheduleBookingStatus"

	sb, ok := tx.bookings.get(bookingID)
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	sb.Status = status
	sb.ReversedAt = nil
	if status == domain.ReservationReversed {
		sb.ReversedAt = &at
	}
	tx.bookings.put(bookingID, sb)

	return nil
}

func (tx *scheduleTx) RecordCancellation(_ context.Context, bookingID uuid.UUID, _ string, at time.Time) (bool, error) {
	if _, ok := tx.cancels.get(bookingID); ok {
		return false, nil
	}

	tx.cancels.put(bookingID, at)
	return true, nil
}

func (tx *scheduleTx) HasCancellation(_ context.Context, bookingID uuid.UUID) (bool, error) {
	_, ok := tx.cancels.get(bookingID)
	return ok, nil
}

func (tx *scheduleTx) Enqueue(_ context.Context, msg domain.OutboxMessage) error {
	if err := enqueue(tx.outbox, msg); err != nil {
		return fmt.Errorf("memory.scheduleTx.Enqueue:%w", err)
	}
	return nil
}

func capacityInBounds(available, total int) bool {
	return available >= 0 && available <= total
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	if offset >= len(items) {
		return items[:0]
	}

	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	return items[offset:end]
}
