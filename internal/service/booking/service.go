// Package booking owns bookings. A booking is only created after the
// scheduling service confirmed its schedule exists, and it settles to
// Confirmed or Cancelled once the schedule's capacity was reconciled.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/metrics"
	"github.com/kirinyoku/freightgo/internal/outbox"
	"github.com/kirinyoku/freightgo/internal/repository"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	"github.com/kirinyoku/freightgo/internal/uow"
)

// Producer is the producer name stamped on events from this service.
const Producer = "booking"

// Cancellation reasons. A booking rejected by the scheduling service is
// cancelled with the reject code it was given.
const (
	ReasonCustomer         = "customer_request"
	ReasonCapacityConflict = events.RejectCapacityConflict
	ReasonScheduleNotFound = events.RejectScheduleNotFound
	ReasonScheduleClosed   = events.RejectScheduleClosed
)

// ScheduleValidator asks the scheduling service whether a schedule exists.
// Implementations return an error wrapping bus.ErrTimeout when no answer
// arrived in time.
type ScheduleValidator interface {
	ValidateSchedule(ctx context.Context, scheduleID uuid.UUID) (bool, error)
}

type Service struct {
	store     repository.BookingStore
	uow       *uow.UoW[repository.BookingTx]
	validator ScheduleValidator
	relay     *outbox.Relay
	limiter   *redisrepo.SlidingWindowLimiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(
	store repository.BookingStore,
	validator ScheduleValidator,
	relay *outbox.Relay,
	limiter *redisrepo.SlidingWindowLimiter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:     store,
		uow:       uow.New[repository.BookingTx](store),
		validator: validator,
		relay:     relay,
		limiter:   limiter,
		metrics:   m,
		logger:    logger.With("component", "booking"),
	}
}

type CreateInput struct {
	ScheduleID uuid.UUID
	Customer   domain.Customer
	Cargo      domain.Cargo
	Notes      string
	// RateKey identifies the caller for rate limiting. Empty disables it.
	RateKey string
}

// UpdateInput carries optional edits; nil fields are left alone.
type UpdateInput struct {
	CustomerName     *string
	CustomerEmail    *string
	CargoType        *string
	CargoDescription *string
	WeightKg         *float64
	VolumeM3         *float64
	Notes            *string
}

// Create validates the schedule over the bus and stores a Pending booking.
// BookingCreated is written to the outbox in the same transaction and
// published after commit.
//
// Returns:
//   - domain.Booking: the stored booking, status Pending.
//   - error: ScheduleNotFoundError if the schedule does not exist.
//   - error: BusTimeoutError if validation timed out.
//   - error: ErrBusUnavailable if validation failed for another reason.
//   - error: PersistenceError if the booking could not be stored.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Booking, error) {
	const op = "service.booking.Create"

	b := domain.Booking{
		ID:         uuid.New(),
		ScheduleID: in.ScheduleID,
		Customer: domain.Customer{
			ID:    in.Customer.ID,
			Name:  strings.TrimSpace(in.Customer.Name),
			Email: strings.TrimSpace(in.Customer.Email),
		},
		Cargo:  in.Cargo,
		Notes:  in.Notes,
		Status: domain.BookingPending,
	}
	b.Cargo.Type = strings.TrimSpace(b.Cargo.Type)

	if b.Cargo.Quantity == 0 {
		b.Cargo.Quantity = 1
	}

	if err := validateBooking(&b); err != nil {
		return domain.Booking{}, fmt.Errorf("%s:%w", op, err)
	}

	if in.RateKey != "" {
		d, err := s.limiter.Allow(ctx, in.RateKey)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("%s:%w", op, err)
		}
		if !d.Allowed {
			s.metrics.BookingTransition("rate_limited")
			return domain.Booking{}, fmt.Errorf("%s:%w", op, RateLimitedError{RetryAfter: d.RetryAfter})
		}
	}

	if err := s.checkSchedule(ctx, b.ScheduleID); err != nil {
		return domain.Booking{}, fmt.Errorf("%s:%w", op, err)
	}

	var msgs []domain.OutboxMessage

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.BookingTx, after func(uow.AfterCommit)) error {
		msgs = msgs[:0]

		if err := tx.CreateBooking(ctx, &b); err != nil {
			return err
		}

		msg, err := s.enqueue(ctx, tx, events.BookingCreated{
			BookingID:  b.ID,
			ScheduleID: b.ScheduleID,
			CustomerID: b.Customer.ID,
			CreatedUtc: b.CreatedAt,
			Quantity:   b.Cargo.Quantity,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)

		after(func(ctx context.Context) {
			s.relay.Dispatch(ctx, msgs...)
		})

		return nil
	})
	if err != nil {
		s.metrics.BookingTransition("persistence_error")
		s.logger.Error("store booking", "schedule_id", b.ScheduleID, "error", err)
		return domain.Booking{}, fmt.Errorf("%s:%w", op, PersistenceError{Op: "create booking", Err: err})
	}

	s.metrics.BookingTransition("created")
	s.logger.Info("booking created",
		"booking_id", b.ID, "schedule_id", b.ScheduleID, "quantity", b.Cargo.Quantity)

	return b, nil
}

// checkSchedule runs the validation round trip and maps its failures.
func (s *Service) checkSchedule(ctx context.Context, scheduleID uuid.UUID) error {
	exists, err := s.validator.ValidateSchedule(ctx, scheduleID)
	switch {
	case errors.Is(err, bus.ErrTimeout):
		s.metrics.BookingTransition("validation_timeout")
		s.logger.Warn("schedule validation timed out", "schedule_id", scheduleID)
		return BusTimeoutError{ScheduleID: scheduleID, Err: err}
	case err != nil:
		s.metrics.BookingTransition("validation_failed")
		s.logger.Error("schedule validation failed", "schedule_id", scheduleID, "error", err)
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	case !exists:
		s.metrics.BookingTransition("schedule_not_found")
		return ScheduleNotFoundError{ScheduleID: scheduleID}
	}

	return nil
}

// Get returns the booking.
//
// Returns:
//   - error: BookingNotFoundError if the booking does not exist.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	const op = "service.booking.Get"

	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Booking{}, fmt.Errorf("%s:%w", op, BookingNotFoundError{BookingID: id})
		}
		return domain.Booking{}, fmt.Errorf("%s:%w", op, err)
	}

	return b, nil
}

func (s *Service) List(ctx context.Context, f repository.BookingFilter) ([]domain.Booking, error) {
	const op = "service.booking.List"

	out, err := s.store.ListBookings(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// Update edits customer, cargo and notes fields and announces the change
// with BookingUpdated. Quantity and schedule are fixed once created.
//
// Returns:
//   - error: BookingNotFoundError, ErrBookingClosed or ValidationError.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (domain.Booking, error) {
	const op = "service.booking.Update"

	b, err := s.mutate(ctx, id, func(cur *domain.Booking) (events.Message, error) {
		if cur.Status == domain.BookingCancelled {
			return nil, ErrBookingClosed
		}

		applyUpdate(cur, in)

		if err := validateBooking(cur); err != nil {
			return nil, err
		}

		return events.BookingUpdated{
			BookingID:  cur.ID,
			Status:     string(cur.Status),
			UpdatedUtc: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("%s:%w", op, err)
	}

	return b, nil
}

// Cancel cancels the booking and publishes BookingCancelled so the
// scheduling service releases its capacity. Cancelling a cancelled booking
// returns it unchanged and publishes nothing.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (domain.Booking, error) {
	const op = "service.booking.Cancel"

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonCustomer
	}

	var changed bool

	b, err := s.mutate(ctx, id, func(cur *domain.Booking) (events.Message, error) {
		changed = false
		if cur.Status == domain.BookingCancelled {
			return nil, nil
		}

		changed = true
		cur.Status = domain.BookingCancelled
		cur.CancelReason = reason

		return events.BookingCancelled{
			BookingID:    cur.ID,
			Reason:       reason,
			CancelledUtc: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("%s:%w", op, err)
	}

	if changed {
		s.metrics.BookingTransition("cancelled")
		s.logger.Info("booking cancelled", "booking_id", id, "reason", reason)
	}

	return b, nil
}

// HandleScheduleBookingCreated settles a Pending booking with the outcome of
// capacity reconciliation. Confirmed takes the price computed by the
// scheduling service. Rejected cancels the booking with the reject code as
// reason and publishes a compensating BookingCancelled.
//
// Bookings that already left Pending are not touched, so redelivery and
// repeated rejections are harmless.
func (s *Service) HandleScheduleBookingCreated(ctx context.Context, ev events.ScheduleBookingCreated) error {
	const op = "service.booking.HandleScheduleBookingCreated"

	var transition string

	_, err := s.mutate(ctx, ev.BookingID, func(cur *domain.Booking) (events.Message, error) {
		transition = ""

		if cur.Status != domain.BookingPending {
			return nil, nil
		}

		now := time.Now().UTC()

		if ev.Rejected() {
			reason := rejectReason(ev)
			cur.Status = domain.BookingCancelled
			cur.CancelReason = reason
			transition = reason

			return events.BookingCancelled{
				BookingID:    cur.ID,
				Reason:       reason,
				CancelledUtc: now,
			}, nil
		}

		cur.Status = domain.BookingConfirmed
		cur.PriceCents = ev.TotalPriceCents
		transition = "confirmed"

		return events.BookingUpdated{
			BookingID:  cur.ID,
			Status:     string(cur.Status),
			UpdatedUtc: now,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if transition == "" {
		s.logger.Debug("reservation outcome ignored", "booking_id", ev.BookingID, "status", ev.Status)
		return nil
	}

	s.metrics.BookingTransition(transition)
	s.logger.Info("booking settled",
		"booking_id", ev.BookingID, "transition", transition, "reason", ev.Reason)

	return nil
}

// rejectReason maps a rejection to a cancellation reason. Producers that
// predate reject codes only ever rejected on capacity.
func rejectReason(ev events.ScheduleBookingCreated) string {
	switch ev.RejectCode {
	case ReasonScheduleNotFound, ReasonScheduleClosed, ReasonCapacityConflict:
		return ev.RejectCode
	default:
		return ReasonCapacityConflict
	}
}

// mutate locks the booking and applies fn. A nil event from fn means there
// is nothing to change: the current booking is returned without a write.
func (s *Service) mutate(
	ctx context.Context,
	id uuid.UUID,
	fn func(cur *domain.Booking) (events.Message, error),
) (domain.Booking, error) {
	var (
		msgs []domain.OutboxMessage
		out  domain.Booking
	)

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.BookingTx, after func(uow.AfterCommit)) error {
		msgs = msgs[:0]

		cur, err := tx.LockBooking(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return BookingNotFoundError{BookingID: id}
			}
			return err
		}

		ev, err := fn(&cur)
		if err != nil {
			return err
		}

		out = cur
		if ev == nil {
			return nil
		}

		if err := tx.UpdateBooking(ctx, &cur); err != nil {
			return err
		}
		out = cur

		msg, err := s.enqueue(ctx, tx, ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)

		after(func(ctx context.Context) {
			s.relay.Dispatch(ctx, msgs...)
		})

		return nil
	})

	return out, err
}

func (s *Service) enqueue(ctx context.Context, tx repository.BookingTx, ev events.Message) (domain.OutboxMessage, error) {
	msg, err := outbox.NewMessage(ev, Producer)
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	if err := tx.Enqueue(ctx, msg); err != nil {
		return domain.OutboxMessage{}, err
	}

	return msg, nil
}

func applyUpdate(b *domain.Booking, in UpdateInput) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}

	setString(&b.Customer.Name, in.CustomerName)
	setString(&b.Customer.Email, in.CustomerEmail)
	setString(&b.Cargo.Type, in.CargoType)
	setString(&b.Cargo.Description, in.CargoDescription)

	if in.Notes != nil {
		b.Notes = *in.Notes
	}
	if in.WeightKg != nil {
		b.Cargo.WeightKg = *in.WeightKg
	}
	if in.VolumeM3 != nil {
		b.Cargo.VolumeM3 = *in.VolumeM3
	}
}

func validateBooking(b *domain.Booking) error {
	switch {
	case b.ScheduleID == uuid.Nil:
		return ValidationError{Field: "schedule_id", Reason: "required"}
	case b.Customer.ID == uuid.Nil:
		return ValidationError{Field: "customer_id", Reason: "required"}
	case b.Cargo.Quantity < 0:
		return ValidationError{Field: "quantity", Reason: "must be positive"}
	case b.Cargo.WeightKg < 0:
		return ValidationError{Field: "weight_kg", Reason: "must not be negative"}
	case b.Cargo.VolumeM3 < 0:
		return ValidationError{Field: "volume_m3", Reason: "must not be negative"}
	case b.Customer.Email != "" && !strings.Contains(b.Customer.Email, "@"):
		return ValidationError{Field: "customer_email", Reason: "malformed"}
	}

	return nil
}
