package domain

import (
	"time"

	"github.com/google/uuid"
)

type ScheduleStatus string

const (
	ScheduleScheduled  ScheduleStatus = "Scheduled"
	ScheduleInProgress ScheduleStatus = "InProgress"
	ScheduleCompleted  ScheduleStatus = "Completed"
	ScheduleCancelled  ScheduleStatus = "Cancelled"
)

func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleScheduled, ScheduleInProgress, ScheduleCompleted, ScheduleCancelled:
		return true
	}
	return false
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "Pending"
	BookingConfirmed BookingStatus = "Confirmed"
	BookingCancelled BookingStatus = "Cancelled"
)

// ReservationStatus is the state of a ScheduleBooking join row.
type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "Confirmed"
	ReservationReversed  ReservationStatus = "Reversed"
	// ReservationConflict marks a booking that arrived when the schedule had
	// too little capacity left. Nothing was reserved for it.
	ReservationConflict ReservationStatus = "Conflict"
)

type Route struct {
	Name        string `json:"route_name"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

type Schedule struct {
	ID                uuid.UUID      `json:"id"`
	Route             Route          `json:"route"`
	DepartureTime     time.Time      `json:"departure_time"`
	ArrivalTime       time.Time      `json:"arrival_time"`
	VehicleType       string         `json:"vehicle_type,omitempty"`
	VehicleNumber     string         `json:"vehicle_number,omitempty"`
	DriverName        string         `json:"driver_name,omitempty"`
	DriverContact     string         `json:"driver_contact,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	TotalCapacity     int            `json:"total_capacity"`
	AvailableCapacity int            `json:"available_capacity"`
	PricePerUnitCents int64          `json:"price_per_unit_cents"`
	Status            ScheduleStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// CanReserve reports whether qty units still fit on the schedule.
func (s *Schedule) CanReserve(qty int) bool {
	return qty > 0 && s.AvailableCapacity >= qty
}

type ScheduleBooking struct {
	BookingID       uuid.UUID         `json:"booking_id"`
	ScheduleID      uuid.UUID         `json:"schedule_id"`
	CustomerID      uuid.UUID         `json:"customer_id"`
	Quantity        int               `json:"quantity"`
	TotalPriceCents int64             `json:"total_price_cents"`
	Status          ReservationStatus `json:"status"`
	BookedAt        time.Time         `json:"booked_at"`
	ReversedAt      *time.Time        `json:"reversed_at,omitempty"`
}

type ScheduleWithBookings struct {
	Schedule
	Bookings []ScheduleBooking `json:"bookings"`
}

type Cargo struct {
	Type        string  `json:"cargo_type"`
	Description string  `json:"description,omitempty"`
	WeightKg    float64 `json:"weight_kg"`
	VolumeM3    float64 `json:"volume_m3"`
	Quantity    int     `json:"quantity"`
}

type Customer struct {
	ID    uuid.UUID `json:"customer_id"`
	Name  string    `json:"customer_name,omitempty"`
	Email string    `json:"customer_email,omitempty"`
}

type Booking struct {
	ID           uuid.UUID     `json:"id"`
	ScheduleID   uuid.UUID     `json:"schedule_id"`
	Customer     Customer      `json:"customer"`
	Cargo        Cargo         `json:"cargo"`
	PriceCents   int64         `json:"price_cents"`
	Status       BookingStatus `json:"status"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// OutboxMessage is an event committed together with the state change that
// produced it. PublishedAt stays nil until the bus acknowledged it.
type OutboxMessage struct {
	ID          uuid.UUID
	Topic       string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}
