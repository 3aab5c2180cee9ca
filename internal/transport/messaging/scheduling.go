// Package messaging binds the services to the bus: event handlers, the
// schedule validation responder and the client that calls it.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
)

// SchedulingService is the part of the scheduling service driven by the bus.
type SchedulingService interface {
	ValidateSchedule(ctx context.Context, id uuid.UUID) (bool, error)
	ApplyBookingCreated(ctx context.Context, ev events.BookingCreated) (scheduling.Outcome, error)
	ApplyBookingCancelled(ctx context.Context, ev events.BookingCancelled) (scheduling.Outcome, error)
}

// RegisterScheduling subscribes the scheduling service to booking events and
// makes it answer ValidateSchedule requests. Call before b.Run.
func RegisterScheduling(b bus.Bus, svc SchedulingService, logger *slog.Logger) error {
	const op = "messaging.RegisterScheduling"

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "messaging.scheduling")

	if err := b.Respond(events.TopicValidateSchedule, validateResponder(svc, logger)); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	err := b.Subscribe(events.TopicBookingCreated, func(ctx context.Context, msg bus.Message) error {
		_, ev, err := events.Decode[events.BookingCreated](msg.Body)
		if err != nil {
			return undecodable(logger, msg, err)
		}

		_, err = svc.ApplyBookingCreated(ctx, ev)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	err = b.Subscribe(events.TopicBookingCancelled, func(ctx context.Context, msg bus.Message) error {
		_, ev, err := events.Decode[events.BookingCancelled](msg.Body)
		if err != nil {
			return undecodable(logger, msg, err)
		}

		_, err = svc.ApplyBookingCancelled(ctx, ev)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func validateResponder(svc SchedulingService, logger *slog.Logger) bus.Responder {
	return func(ctx context.Context, msg bus.Message) ([]byte, error) {
		env, req, err := events.Decode[events.ValidateSchedule](msg.Body)
		if err != nil {
			logger.Warn("malformed validation request", "message_id", msg.ID, "error", err)
			return nil, bus.Permanent(err)
		}

		exists, err := svc.ValidateSchedule(ctx, req.ScheduleID)
		if err != nil {
			return nil, err
		}

		logger.Debug("schedule validated",
			"schedule_id", req.ScheduleID, "exists", exists, "correlation_id", env.CorrelationID)

		_, body, err := events.Encode(events.ScheduleValidated{
			ScheduleID: req.ScheduleID,
			Exists:     exists,
		}, scheduling.Producer)

		return body, err
	}
}

// undecodable drops a message that no retry can ever decode.
func undecodable(logger *slog.Logger, msg bus.Message, err error) error {
	logger.Error("undecodable message", "topic", msg.Topic, "message_id", msg.ID, "error", err)
	if events.IsMalformed(err) {
		return bus.Permanent(err)
	}
	return err
}
