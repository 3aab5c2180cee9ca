package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/service/booking"
)

// BookingService is the part of the booking service driven by the bus.
type BookingService interface {
	HandleScheduleBookingCreated(ctx context.Context, ev events.ScheduleBookingCreated) error
}

// RegisterBooking subscribes the booking service to reservation outcomes.
// Call before b.Run.
func RegisterBooking(b bus.Bus, svc BookingService, logger *slog.Logger) error {
	const op = "messaging.RegisterBooking"

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "messaging.booking")

	err := b.Subscribe(events.TopicScheduleBookingCreated, func(ctx context.Context, msg bus.Message) error {
		_, ev, err := events.Decode[events.ScheduleBookingCreated](msg.Body)
		if err != nil {
			return undecodable(logger, msg, err)
		}

		err = svc.HandleScheduleBookingCreated(ctx, ev)
		if errors.Is(err, booking.ErrBookingNotFound) {
			logger.Warn("reservation outcome for unknown booking", "booking_id", ev.BookingID)
			return bus.Permanent(err)
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
