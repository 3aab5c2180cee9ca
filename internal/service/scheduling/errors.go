package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrInvalidSchedule       = errors.New("invalid schedule")
	ErrScheduleClosed        = errors.New("schedule is cancelled")
	ErrCapacityBelowReserved = errors.New("capacity below reserved units")
)

type ScheduleNotFoundError struct {
	ScheduleID uuid.UUID
}

func (e ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.ScheduleID)
}

func (e ScheduleNotFoundError) Unwrap() error {
	return ErrScheduleNotFound
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidSchedule
}

// CapacityConflictError describes a booking that found too little capacity
// left. It is never returned to a caller; its text travels as the reason of
// a rejected ScheduleBookingCreated.
type CapacityConflictError struct {
	ScheduleID uuid.UUID
	BookingID  uuid.UUID
	Requested  int
	Available  int
}

func (e CapacityConflictError) Error() string {
	return fmt.Sprintf("capacity conflict: booking %s requested %d units, schedule %s has %d",
		e.BookingID, e.Requested, e.ScheduleID, e.Available)
}
