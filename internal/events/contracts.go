package events

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys. Request topics are answered on the correlated reply channel.
const (
	TopicBookingCreated         = "booking.created"
	TopicBookingUpdated         = "booking.updated"
	TopicBookingCancelled       = "booking.cancelled"
	TopicScheduleCreated        = "schedule.created"
	TopicScheduleUpdated        = "schedule.updated"
	TopicScheduleBookingCreated = "schedule.booking_created"

	TopicValidateSchedule  = "schedule.validate"
	TopicScheduleValidated = "schedule.validated"
)

// ScheduleBookingCreated statuses.
const (
	ReservationConfirmed = "Confirmed"
	ReservationRejected  = "Rejected"
)

type BookingCreated struct {
	BookingID  uuid.UUID `json:"booking_id"`
	ScheduleID uuid.UUID `json:"schedule_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	CreatedUtc time.Time `json:"created_utc"`
	// Quantity was added after the first release; absent means one unit.
	Quantity int `json:"quantity,omitempty"`
}

func (BookingCreated) Topic() string { return TopicBookingCreated }

// Units is the capacity the booking asks for.
func (e BookingCreated) Units() int {
	if e.Quantity <= 0 {
		return 1
	}
	return e.Quantity
}

type BookingUpdated struct {
	BookingID  uuid.UUID `json:"booking_id"`
	Status     string    `json:"status"`
	UpdatedUtc time.Time `json:"updated_utc"`
}

func (BookingUpdated) Topic() string { return TopicBookingUpdated }

type BookingCancelled struct {
	BookingID    uuid.UUID `json:"booking_id"`
	Reason       string    `json:"reason"`
	CancelledUtc time.Time `json:"cancelled_utc"`
}

func (BookingCancelled) Topic() string { return TopicBookingCancelled }

type ScheduleCreated struct {
	ScheduleID        uuid.UUID `json:"schedule_id"`
	RouteName         string    `json:"route_name"`
	Origin            string    `json:"origin"`
	Destination       string    `json:"destination"`
	DepartureTime     time.Time `json:"departure_time"`
	ArrivalTime       time.Time `json:"arrival_time"`
	Capacity          int       `json:"capacity"`
	AvailableCapacity int       `json:"available_capacity"`
	PricePerUnitCents int64     `json:"price_per_unit_cents"`
	Status            string    `json:"status"`
	CreatedUtc        time.Time `json:"created_utc"`
}

func (ScheduleCreated) Topic() string { return TopicScheduleCreated }

type ScheduleUpdated struct {
	ScheduleID        uuid.UUID `json:"schedule_id"`
	Status            string    `json:"status"`
	AvailableCapacity int       `json:"available_capacity"`
	UpdatedUtc        time.Time `json:"updated_utc"`
}

func (ScheduleUpdated) Topic() string { return TopicScheduleUpdated }

type ScheduleBookingCreated struct {
	ScheduleID      uuid.UUID `json:"schedule_id"`
	BookingID       uuid.UUID `json:"booking_id"`
	CustomerID      uuid.UUID `json:"customer_id"`
	Quantity        int       `json:"quantity"`
	TotalPriceCents int64     `json:"total_price_cents"`
	Status          string    `json:"status"`
	BookingDate     time.Time `json:"booking_date"`
	// RejectCode classifies a rejection; Reason is free text for humans.
	RejectCode string `json:"reject_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Reject codes carried by a Rejected ScheduleBookingCreated.
const (
	RejectCapacityConflict = "capacity_conflict"
	RejectScheduleNotFound = "schedule_not_found"
	RejectScheduleClosed   = "schedule_closed"
)

func (ScheduleBookingCreated) Topic() string { return TopicScheduleBookingCreated }

func (e ScheduleBookingCreated) Rejected() bool {
	return e.Status == ReservationRejected
}

type ValidateSchedule struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
}

func (ValidateSchedule) Topic() string { return TopicValidateSchedule }

type ScheduleValidated struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
	Exists     bool      `json:"exists"`
}

func (ScheduleValidated) Topic() string { return TopicScheduleValidated }
