package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/repository"
	"github.com/kirinyoku/freightgo/internal/uow"
)

// Outcome describes what applying a booking event did to the schedule.
type Outcome string

const (
	// OutcomeApplied: capacity was reserved for the booking.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate: the event had already been applied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeConflict: not enough capacity; the booking was rejected.
	OutcomeConflict Outcome = "conflict"
	// OutcomeTombstoned: the booking's cancellation arrived first.
	OutcomeTombstoned Outcome = "tombstoned"
	// OutcomeReleased: a cancellation returned reserved capacity.
	OutcomeReleased Outcome = "released"
)

// ApplyBookingCreated reserves the booking's units on its schedule.
//
// The booking id is the idempotency key: a second delivery finds the
// schedule booking row and changes nothing. Every outcome other than a
// duplicate is recorded with a row, so redelivery converges. Rejections are
// announced with a ScheduleBookingCreated in status Rejected.
func (s *Service) ApplyBookingCreated(ctx context.Context, ev events.BookingCreated) (Outcome, error) {
	const op = "service.scheduling.ApplyBookingCreated"

	var (
		outcome Outcome
		msgs    []domain.OutboxMessage
	)

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.ScheduleTx, after func(uow.AfterCommit)) error {
		msgs = msgs[:0]

		var err error
		outcome, msgs, err = s.applyCreated(ctx, tx, ev)
		if err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.relay.Dispatch(ctx, msgs...)
			if outcome != OutcomeDuplicate {
				s.invalidate(ctx, ev.ScheduleID)
			}
		})

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	s.metrics.Reconciled(events.TopicBookingCreated, string(outcome))
	s.logger.Info("booking created applied",
		"booking_id", ev.BookingID, "schedule_id", ev.ScheduleID, "outcome", outcome)

	return outcome, nil
}

func (s *Service) applyCreated(
	ctx context.Context,
	tx repository.ScheduleTx,
	ev events.BookingCreated,
) (Outcome, []domain.OutboxMessage, error) {
	if _, err := tx.GetScheduleBooking(ctx, ev.BookingID); err == nil {
		return OutcomeDuplicate, nil, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", nil, err
	}

	now := time.Now().UTC()
	qty := ev.Units()

	sc, err := tx.LockSchedule(ctx, ev.ScheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		// No row can reference a missing schedule, so duplicates of this
		// event repeat the rejection. The booking side absorbs that.
		msg, err := s.enqueue(ctx, tx, rejection(ev, qty, 0, now,
			events.RejectScheduleNotFound, "schedule "+ev.ScheduleID.String()+" not found"))
		if err != nil {
			return "", nil, err
		}
		return OutcomeConflict, []domain.OutboxMessage{msg}, nil
	}
	if err != nil {
		return "", nil, err
	}

	row := domain.ScheduleBooking{
		BookingID:       ev.BookingID,
		ScheduleID:      ev.ScheduleID,
		CustomerID:      ev.CustomerID,
		Quantity:        qty,
		TotalPriceCents: int64(qty) * sc.PricePerUnitCents,
		BookedAt:        now,
	}

	cancelled, err := tx.HasCancellation(ctx, ev.BookingID)
	if err != nil {
		return "", nil, err
	}

	if cancelled {
		row.Status = domain.ReservationReversed
		row.ReversedAt = &now
		if err := tx.InsertScheduleBooking(ctx, row); err != nil {
			return "", nil, err
		}
		return OutcomeTombstoned, nil, nil
	}

	if sc.Status == domain.ScheduleCancelled || sc.Status == domain.ScheduleCompleted {
		return s.reject(ctx, tx, ev, row, now,
			events.RejectScheduleClosed, "schedule "+sc.ID.String()+" is "+string(sc.Status))
	}

	if !sc.CanReserve(qty) {
		conflict := CapacityConflictError{
			ScheduleID: ev.ScheduleID,
			BookingID:  ev.BookingID,
			Requested:  qty,
			Available:  sc.AvailableCapacity,
		}
		return s.reject(ctx, tx, ev, row, now, events.RejectCapacityConflict, conflict.Error())
	}

	// The row lock makes the check above authoritative.
	available, err := tx.AdjustAvailable(ctx, sc.ID, -qty)
	if err != nil {
		return "", nil, err
	}

	row.Status = domain.ReservationConfirmed
	if err := tx.InsertScheduleBooking(ctx, row); err != nil {
		return "", nil, err
	}

	confirmed, err := s.enqueue(ctx, tx, events.ScheduleBookingCreated{
		ScheduleID:      row.ScheduleID,
		BookingID:       row.BookingID,
		CustomerID:      row.CustomerID,
		Quantity:        row.Quantity,
		TotalPriceCents: row.TotalPriceCents,
		Status:          events.ReservationConfirmed,
		BookingDate:     now,
	})
	if err != nil {
		return "", nil, err
	}

	updated, err := s.enqueue(ctx, tx, events.ScheduleUpdated{
		ScheduleID:        sc.ID,
		Status:            string(sc.Status),
		AvailableCapacity: available,
		UpdatedUtc:        now,
	})
	if err != nil {
		return "", nil, err
	}

	return OutcomeApplied, []domain.OutboxMessage{confirmed, updated}, nil
}

func (s *Service) reject(
	ctx context.Context,
	tx repository.ScheduleTx,
	ev events.BookingCreated,
	row domain.ScheduleBooking,
	now time.Time,
	code, reason string,
) (Outcome, []domain.OutboxMessage, error) {
	row.Status = domain.ReservationConflict
	if err := tx.InsertScheduleBooking(ctx, row); err != nil {
		return "", nil, err
	}

	msg, err := s.enqueue(ctx, tx, rejection(ev, row.Quantity, row.TotalPriceCents, now, code, reason))
	if err != nil {
		return "", nil, err
	}

	return OutcomeConflict, []domain.OutboxMessage{msg}, nil
}

func rejection(ev events.BookingCreated, qty int, price int64, at time.Time, code, reason string) events.ScheduleBookingCreated {
	return events.ScheduleBookingCreated{
		ScheduleID:      ev.ScheduleID,
		BookingID:       ev.BookingID,
		CustomerID:      ev.CustomerID,
		Quantity:        qty,
		TotalPriceCents: price,
		Status:          events.ReservationRejected,
		BookingDate:     at,
		RejectCode:      code,
		Reason:          reason,
	}
}

// ApplyBookingCancelled releases the units reserved for the booking. The
// cancellation is always recorded as a tombstone first, so a BookingCreated
// arriving later is neutralised instead of reserving capacity.
func (s *Service) ApplyBookingCancelled(ctx context.Context, ev events.BookingCancelled) (Outcome, error) {
	const op = "service.scheduling.ApplyBookingCancelled"

	var (
		outcome    Outcome
		msgs       []domain.OutboxMessage
		scheduleID uuid.UUID
	)

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.ScheduleTx, after func(uow.AfterCommit)) error {
		msgs = msgs[:0]

		var err error
		outcome, scheduleID, msgs, err = s.applyCancelled(ctx, tx, ev)
		if err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.relay.Dispatch(ctx, msgs...)
			if outcome == OutcomeReleased {
				s.invalidate(ctx, scheduleID)
			}
		})

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	s.metrics.Reconciled(events.TopicBookingCancelled, string(outcome))
	s.logger.Info("booking cancelled applied", "booking_id", ev.BookingID, "outcome", outcome)

	return outcome, nil
}

func (s *Service) applyCancelled(
	ctx context.Context,
	tx repository.ScheduleTx,
	ev events.BookingCancelled,
) (Outcome, uuid.UUID, []domain.OutboxMessage, error) {
	at := ev.CancelledUtc
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if _, err := tx.RecordCancellation(ctx, ev.BookingID, ev.Reason, at); err != nil {
		return "", uuid.Nil, nil, err
	}

	row, err := tx.GetScheduleBooking(ctx, ev.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeTombstoned, uuid.Nil, nil, nil
	}
	if err != nil {
		return "", uuid.Nil, nil, err
	}

	if row.Status != domain.ReservationConfirmed {
		return OutcomeDuplicate, row.ScheduleID, nil, nil
	}

	sc, err := tx.LockSchedule(ctx, row.ScheduleID)
	if err != nil {
		return "", uuid.Nil, nil, err
	}

	// Re-read under the schedule lock; a concurrent cancel may have won.
	row, err = tx.GetScheduleBooking(ctx, ev.BookingID)
	if err != nil {
		return "", uuid.Nil, nil, err
	}
	if row.Status != domain.ReservationConfirmed {
		return OutcomeDuplicate, row.ScheduleID, nil, nil
	}

	now := time.Now().UTC()

	available, err := tx.AdjustAvailable(ctx, sc.ID, row.Quantity)
	if err != nil {
		return "", uuid.Nil, nil, err
	}

	if err := tx.SetScheduleBookingStatus(ctx, row.BookingID, domain.ReservationReversed, now); err != nil {
		return "", uuid.Nil, nil, err
	}

	msg, err := s.enqueue(ctx, tx, events.ScheduleUpdated{
		ScheduleID:        sc.ID,
		Status:            string(sc.Status),
		AvailableCapacity: available,
		UpdatedUtc:        now,
	})
	if err != nil {
		return "", uuid.Nil, nil, err
	}

	return OutcomeReleased, sc.ID, []domain.OutboxMessage{msg}, nil
}
