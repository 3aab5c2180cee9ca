package service

import (
	"github.com/kirinyoku/freightgo/internal/service/booking"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
)

// Services groups the services a process hosts. A field is nil when the
// process does not run that service.
type Services struct {
	Scheduling *scheduling.Service
	Booking    *booking.Service
}
