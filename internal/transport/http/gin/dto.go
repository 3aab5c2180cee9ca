package httpgin

import (
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/service/booking"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type TokenRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

type CreateScheduleRequest struct {
	RouteName         string    `json:"route_name"`
	Origin            string    `json:"origin" binding:"required"`
	Destination       string    `json:"destination" binding:"required"`
	DepartureTime     time.Time `json:"departure_time" binding:"required"`
	ArrivalTime       time.Time `json:"arrival_time" binding:"required"`
	VehicleType       string    `json:"vehicle_type"`
	VehicleNumber     string    `json:"vehicle_number"`
	DriverName        string    `json:"driver_name"`
	DriverContact     string    `json:"driver_contact"`
	Notes             string    `json:"notes"`
	TotalCapacity     int       `json:"total_capacity" binding:"gte=0"`
	PricePerUnitCents int64     `json:"price_per_unit_cents" binding:"gte=0"`
}

func (r CreateScheduleRequest) input() scheduling.CreateInput {
	return scheduling.CreateInput{
		Route: domain.Route{
			Name:        r.RouteName,
			Origin:      r.Origin,
			Destination: r.Destination,
		},
		DepartureTime:     r.DepartureTime,
		ArrivalTime:       r.ArrivalTime,
		VehicleType:       r.VehicleType,
		VehicleNumber:     r.VehicleNumber,
		DriverName:        r.DriverName,
		DriverContact:     r.DriverContact,
		Notes:             r.Notes,
		TotalCapacity:     r.TotalCapacity,
		PricePerUnitCents: r.PricePerUnitCents,
	}
}

type UpdateScheduleRequest struct {
	RouteName         *string    `json:"route_name"`
	Origin            *string    `json:"origin"`
	Destination       *string    `json:"destination"`
	DepartureTime     *time.Time `json:"departure_time"`
	ArrivalTime       *time.Time `json:"arrival_time"`
	VehicleType       *string    `json:"vehicle_type"`
	VehicleNumber     *string    `json:"vehicle_number"`
	DriverName        *string    `json:"driver_name"`
	DriverContact     *string    `json:"driver_contact"`
	Notes             *string    `json:"notes"`
	TotalCapacity     *int       `json:"total_capacity" binding:"omitempty,gte=0"`
	PricePerUnitCents *int64     `json:"price_per_unit_cents" binding:"omitempty,gte=0"`
	Status            *string    `json:"status" binding:"omitempty,oneof=Scheduled InProgress Completed Cancelled"`
}

func (r UpdateScheduleRequest) input() scheduling.UpdateInput {
	in := scheduling.UpdateInput{
		RouteName:         r.RouteName,
		Origin:            r.Origin,
		Destination:       r.Destination,
		DepartureTime:     r.DepartureTime,
		ArrivalTime:       r.ArrivalTime,
		VehicleType:       r.VehicleType,
		VehicleNumber:     r.VehicleNumber,
		DriverName:        r.DriverName,
		DriverContact:     r.DriverContact,
		Notes:             r.Notes,
		TotalCapacity:     r.TotalCapacity,
		PricePerUnitCents: r.PricePerUnitCents,
	}
	if r.Status != nil {
		st := domain.ScheduleStatus(*r.Status)
		in.Status = &st
	}
	return in
}

type CreateBookingRequest struct {
	ScheduleID       string  `json:"schedule_id" binding:"required,uuid"`
	CustomerID       string  `json:"customer_id" binding:"omitempty,uuid"`
	CustomerName     string  `json:"customer_name"`
	CustomerEmail    string  `json:"customer_email" binding:"omitempty,email"`
	CargoType        string  `json:"cargo_type"`
	CargoDescription string  `json:"cargo_description"`
	WeightKg         float64 `json:"weight_kg" binding:"gte=0"`
	VolumeM3         float64 `json:"volume_m3" binding:"gte=0"`
	Quantity         int     `json:"quantity" binding:"gte=0"`
	Notes            string  `json:"notes"`
}

// input builds the service input. The customer defaults to the caller.
func (r CreateBookingRequest) input(caller uuid.UUID) booking.CreateInput {
	customerID := caller
	if r.CustomerID != "" {
		customerID = uuid.MustParse(r.CustomerID)
	}

	return booking.CreateInput{
		ScheduleID: uuid.MustParse(r.ScheduleID),
		Customer: domain.Customer{
			ID:    customerID,
			Name:  r.CustomerName,
			Email: r.CustomerEmail,
		},
		Cargo: domain.Cargo{
			Type:        r.CargoType,
			Description: r.CargoDescription,
			WeightKg:    r.WeightKg,
			VolumeM3:    r.VolumeM3,
			Quantity:    r.Quantity,
		},
		Notes: r.Notes,
	}
}

type UpdateBookingRequest struct {
	CustomerName     *string  `json:"customer_name"`
	CustomerEmail    *string  `json:"customer_email" binding:"omitempty,email"`
	CargoType        *string  `json:"cargo_type"`
	CargoDescription *string  `json:"cargo_description"`
	WeightKg         *float64 `json:"weight_kg" binding:"omitempty,gte=0"`
	VolumeM3         *float64 `json:"volume_m3" binding:"omitempty,gte=0"`
	Notes            *string  `json:"notes"`
}

func (r UpdateBookingRequest) input() booking.UpdateInput {
	return booking.UpdateInput{
		CustomerName:     r.CustomerName,
		CustomerEmail:    r.CustomerEmail,
		CargoType:        r.CargoType,
		CargoDescription: r.CargoDescription,
		WeightKg:         r.WeightKg,
		VolumeM3:         r.VolumeM3,
		Notes:            r.Notes,
	}
}

type CancelBookingRequest struct {
	Reason string `json:"reason"`
}
