package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/metrics"
	"github.com/kirinyoku/freightgo/internal/service/booking"
)

const defaultRequestTimeout = 5 * time.Second

// ScheduleClient validates schedules by asking the scheduling service over
// the bus.
type ScheduleClient struct {
	req     bus.Requester
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ booking.ScheduleValidator = (*ScheduleClient)(nil)

func NewScheduleClient(req bus.Requester, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *ScheduleClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ScheduleClient{
		req:     req,
		timeout: timeout,
		metrics: m,
		logger:  logger.With("component", "messaging.client"),
	}
}

// ValidateSchedule sends ValidateSchedule and waits for ScheduleValidated.
//
// Returns:
//   - bool: whether the schedule exists.
//   - error: wraps bus.ErrTimeout if no answer arrived within the timeout.
func (c *ScheduleClient) ValidateSchedule(ctx context.Context, scheduleID uuid.UUID) (bool, error) {
	const op = "messaging.ScheduleClient.ValidateSchedule"

	start := time.Now()

	exists, err := c.validate(ctx, scheduleID)

	outcome := "ok"
	switch {
	case errors.Is(err, bus.ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	case !exists:
		outcome = "not_found"
	}
	c.metrics.ObserveBusRequest(events.TopicValidateSchedule, outcome, time.Since(start))

	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return exists, nil
}

func (c *ScheduleClient) validate(ctx context.Context, scheduleID uuid.UUID) (bool, error) {
	_, body, err := events.Encode(events.ValidateSchedule{ScheduleID: scheduleID}, booking.Producer)
	if err != nil {
		return false, err
	}

	reply, err := c.req.Request(ctx, events.TopicValidateSchedule, body, c.timeout)
	if err != nil {
		return false, err
	}

	_, res, err := events.Decode[events.ScheduleValidated](reply)
	if err != nil {
		return false, err
	}

	if res.ScheduleID != scheduleID {
		return false, fmt.Errorf("%w: reply for schedule %s", events.ErrMalformed, res.ScheduleID)
	}

	return res.Exists, nil
}
