package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrInvalidBooking   = errors.New("invalid booking")
	ErrBookingClosed    = errors.New("booking is cancelled")
	ErrBusTimeout       = errors.New("schedule validation timed out")
	ErrBusUnavailable   = errors.New("schedule validation unavailable")
	ErrRateLimited      = errors.New("rate limited")
)

// ScheduleNotFoundError means the scheduling service answered that the
// schedule does not exist. No booking was stored.
type ScheduleNotFoundError struct {
	ScheduleID uuid.UUID
}

func (e ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.ScheduleID)
}

func (e ScheduleNotFoundError) Unwrap() error {
	return ErrScheduleNotFound
}

// BusTimeoutError means no validation answer arrived in time. It is
// transient: the caller may retry the whole request.
type BusTimeoutError struct {
	ScheduleID uuid.UUID
	Err        error
}

func (e BusTimeoutError) Error() string {
	return fmt.Sprintf("validate schedule %s: timed out: %v", e.ScheduleID, e.Err)
}

func (e BusTimeoutError) Unwrap() []error {
	return []error{ErrBusTimeout, e.Err}
}

type BookingNotFoundError struct {
	BookingID uuid.UUID
}

func (e BookingNotFoundError) Error() string {
	return fmt.Sprintf("booking not found: %s", e.BookingID)
}

func (e BookingNotFoundError) Unwrap() error {
	return ErrBookingNotFound
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidBooking
}

// PersistenceError wraps a store failure. The operation it names had no
// effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error {
	return e.Err
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
