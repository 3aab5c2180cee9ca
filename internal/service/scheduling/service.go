// Package scheduling owns schedules and their capacity. It answers schedule
// validation requests and reconciles capacity with booking events.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/metrics"
	"github.com/kirinyoku/freightgo/internal/outbox"
	"github.com/kirinyoku/freightgo/internal/repository"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	"github.com/kirinyoku/freightgo/internal/uow"
	"golang.org/x/sync/singleflight"
)

// Producer is the producer name stamped on events from this service.
const Producer = "scheduling"

type Config struct {
	// KnownTTL is how long a positive validation answer is cached.
	KnownTTL    time.Duration
	ScheduleTTL time.Duration
	// LookupTimeout bounds a store lookup shared by concurrent callers. The
	// lookup outlives any single caller's context.
	LookupTimeout time.Duration
}

type Service struct {
	store   repository.ScheduleStore
	uow     *uow.UoW[repository.ScheduleTx]
	relay   *outbox.Relay
	cache   *redisrepo.Cache
	pubsub  *redisrepo.SchedulesPubSub
	metrics *metrics.Metrics
	logger  *slog.Logger
	sf      singleflight.Group
	cfg     Config
}

func New(
	store repository.ScheduleStore,
	relay *outbox.Relay,
	cache *redisrepo.Cache,
	pubsub *redisrepo.SchedulesPubSub,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.KnownTTL <= 0 {
		cfg.KnownTTL = 24 * time.Hour
	}

	if cfg.ScheduleTTL <= 0 {
		cfg.ScheduleTTL = 30 * time.Second
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:   store,
		uow:     uow.New[repository.ScheduleTx](store),
		relay:   relay,
		cache:   cache,
		pubsub:  pubsub,
		metrics: m,
		logger:  logger.With("component", "scheduling"),
		cfg:     cfg,
	}
}

type CreateInput struct {
	Route             domain.Route
	DepartureTime     time.Time
	ArrivalTime       time.Time
	VehicleType       string
	VehicleNumber     string
	DriverName        string
	DriverContact     string
	Notes             string
	TotalCapacity     int
	PricePerUnitCents int64
}

// UpdateInput carries optional changes; nil fields are left alone.
type UpdateInput struct {
	RouteName         *string
	Origin            *string
	Destination       *string
	DepartureTime     *time.Time
	ArrivalTime       *time.Time
	VehicleType       *string
	VehicleNumber     *string
	DriverName        *string
	DriverContact     *string
	Notes             *string
	TotalCapacity     *int
	PricePerUnitCents *int64
	Status            *domain.ScheduleStatus
}

// Create stores a new schedule with all of its capacity available and
// announces it with ScheduleCreated.
//
// Returns:
//   - domain.Schedule: the stored schedule.
//   - error: ValidationError if the input is inconsistent.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Schedule, error) {
	const op = "service.scheduling.Create"

	sc := domain.Schedule{
		ID:                uuid.New(),
		Route:             trimRoute(in.Route),
		DepartureTime:     in.DepartureTime.UTC(),
		ArrivalTime:       in.ArrivalTime.UTC(),
		VehicleType:       in.VehicleType,
		VehicleNumber:     in.VehicleNumber,
		DriverName:        in.DriverName,
		DriverContact:     in.DriverContact,
		Notes:             in.Notes,
		TotalCapacity:     in.TotalCapacity,
		AvailableCapacity: in.TotalCapacity,
		PricePerUnitCents: in.PricePerUnitCents,
		Status:            domain.ScheduleScheduled,
	}

	if err := validateSchedule(&sc); err != nil {
		return domain.Schedule{}, fmt.Errorf("%s:%w", op, err)
	}

	var msgs []domain.OutboxMessage

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.ScheduleTx, after func(uow.AfterCommit)) error {
		msgs = msgs[:0]

		if err := tx.CreateSchedule(ctx, &sc); err != nil {
			return err
		}

		msg, err := s.enqueue(ctx, tx, events.ScheduleCreated{
			ScheduleID:        sc.ID,
			RouteName:         sc.Route.Name,
			Origin:            sc.Route.Origin,
			Destination:       sc.Route.Destination,
			DepartureTime:     sc.DepartureTime,
			ArrivalTime:       sc.ArrivalTime,
			Capacity:          sc.TotalCapacity,
			AvailableCapacity: sc.AvailableCapacity,
			PricePerUnitCents: sc.PricePerUnitCents,
			Status:            string(sc.Status),
			CreatedUtc:        sc.CreatedAt,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)

		after(func(ctx context.Context) {
			s.relay.Dispatch(ctx, msgs...)
			if err := s.cache.MarkScheduleKnown(ctx, sc.ID, s.cfg.KnownTTL); err != nil {
				s.logger.Warn("mark schedule known", "schedule_id", sc.ID, "error", err)
			}
		})

		return nil
	})
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%s:%w", op, err)
	}

	return sc, nil
}

// Get returns the schedule with its schedule bookings, read through the
// cache.
//
// Returns:
//   - error: ScheduleNotFoundError if the schedule does not exist.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.ScheduleWithBookings, error) {
	const op = "service.scheduling.Get"

	out, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeySchedule(id),
		s.cfg.ScheduleTTL,
		func(ctx context.Context) (domain.ScheduleWithBookings, error) {
			sc, err := s.store.GetSchedule(ctx, id)
			if err != nil {
				return domain.ScheduleWithBookings{}, err
			}

			bookings, err := s.store.ListScheduleBookings(ctx, id)
			if err != nil {
				return domain.ScheduleWithBookings{}, err
			}

			return domain.ScheduleWithBookings{Schedule: sc, Bookings: bookings}, nil
		},
	)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ScheduleWithBookings{}, fmt.Errorf("%s:%w", op, ScheduleNotFoundError{ScheduleID: id})
		}
		return domain.ScheduleWithBookings{}, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

func (s *Service) List(ctx context.Context, f repository.ScheduleFilter) ([]domain.Schedule, error) {
	const op = "service.scheduling.List"

	out, err := s.store.ListSchedules(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// Update applies in to the schedule. Total capacity may only change to a
// value that still covers the units already reserved; available capacity
// moves by the same delta.
//
// Returns:
//   - error: ScheduleNotFoundError, ErrScheduleClosed, ErrCapacityBelowReserved or ValidationError.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (domain.Schedule, error) {
	const op = "service.scheduling.Update"

	sc, err := s.mutate(ctx, id, func(cur *domain.Schedule) error {
		if cur.Status == domain.ScheduleCancelled {
			return ErrScheduleClosed
		}

		applyUpdate(cur, in)

		if in.TotalCapacity != nil {
			reserved := cur.TotalCapacity - cur.AvailableCapacity
			if *in.TotalCapacity < reserved {
				return fmt.Errorf("%w: %d reserved", ErrCapacityBelowReserved, reserved)
			}
			cur.TotalCapacity = *in.TotalCapacity
			cur.AvailableCapacity = *in.TotalCapacity - reserved
		}

		return validateSchedule(cur)
	})
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%s:%w", op, err)
	}

	return sc, nil
}

// Cancel marks the schedule cancelled. Bookings already reserved keep
// their capacity; new ones are rejected by the reconciler.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	const op = "service.scheduling.Cancel"

	sc, err := s.mutate(ctx, id, func(cur *domain.Schedule) error {
		cur.Status = domain.ScheduleCancelled
		return nil
	})
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%s:%w", op, err)
	}

	return sc, nil
}

// mutate locks the schedule, applies fn and persists the result together
// with a ScheduleUpdated event.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(cur *domain.Schedule) error) (domain.Schedule, error) {
	var (
		msgs []domain.OutboxMessage
		out  domain.Schedule
	)

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.ScheduleTx, after func(uow.AfterCommit)) error {
		msgs = msgs[:0]

		cur, err := tx.LockSchedule(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ScheduleNotFoundError{ScheduleID: id}
			}
			return err
		}

		if err := fn(&cur); err != nil {
			return err
		}

		if err := tx.UpdateSchedule(ctx, &cur); err != nil {
			return err
		}

		msg, err := s.enqueue(ctx, tx, events.ScheduleUpdated{
			ScheduleID:        cur.ID,
			Status:            string(cur.Status),
			AvailableCapacity: cur.AvailableCapacity,
			UpdatedUtc:        cur.UpdatedAt,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		out = cur

		after(func(ctx context.Context) {
			s.relay.Dispatch(ctx, msgs...)
			s.invalidate(ctx, id)
		})

		return nil
	})

	return out, err
}

// ValidateSchedule reports whether the schedule exists. Positive answers are
// cached; existence never reverts, so a cached yes is always correct.
// Concurrent lookups of the same id share one store query.
func (s *Service) ValidateSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "service.scheduling.ValidateSchedule"

	known, err := s.cache.ScheduleKnown(ctx, id)
	if err != nil {
		s.logger.Warn("schedule cache read", "schedule_id", id, "error", err)
	}
	if known {
		return true, nil
	}

	ch := s.sf.DoChan(id.String(), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LookupTimeout)
		defer cancel()
		return s.store.ScheduleExists(lctx, id)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return false, fmt.Errorf("%s:%w", op, ctx.Err())
	}

	if res.Err != nil {
		return false, fmt.Errorf("%s:%w", op, res.Err)
	}

	exists := res.Val.(bool)
	if exists {
		if err := s.cache.MarkScheduleKnown(ctx, id, s.cfg.KnownTTL); err != nil {
			s.logger.Warn("mark schedule known", "schedule_id", id, "error", err)
		}
	}

	return exists, nil
}

func (s *Service) enqueue(ctx context.Context, tx repository.ScheduleTx, ev events.Message) (domain.OutboxMessage, error) {
	msg, err := outbox.NewMessage(ev, Producer)
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	if err := tx.Enqueue(ctx, msg); err != nil {
		return domain.OutboxMessage{}, err
	}

	return msg, nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.cache.InvalidateSchedule(ctx, id); err != nil {
		s.logger.Warn("invalidate schedule cache", "schedule_id", id, "error", err)
	}
	if err := s.pubsub.PublishScheduleChanged(ctx, id); err != nil {
		s.logger.Warn("publish schedule changed", "schedule_id", id, "error", err)
	}
}

func applyUpdate(sc *domain.Schedule, in UpdateInput) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}

	setString(&sc.Route.Name, in.RouteName)
	setString(&sc.Route.Origin, in.Origin)
	setString(&sc.Route.Destination, in.Destination)
	setString(&sc.VehicleType, in.VehicleType)
	setString(&sc.VehicleNumber, in.VehicleNumber)
	setString(&sc.DriverName, in.DriverName)
	setString(&sc.DriverContact, in.DriverContact)
	setString(&sc.Notes, in.Notes)

	if in.DepartureTime != nil {
		sc.DepartureTime = in.DepartureTime.UTC()
	}
	if in.ArrivalTime != nil {
		sc.ArrivalTime = in.ArrivalTime.UTC()
	}
	if in.PricePerUnitCents != nil {
		sc.PricePerUnitCents = *in.PricePerUnitCents
	}
	if in.Status != nil {
		sc.Status = *in.Status
	}
}

func trimRoute(r domain.Route) domain.Route {
	return domain.Route{
		Name:        strings.TrimSpace(r.Name),
		Origin:      strings.TrimSpace(r.Origin),
		Destination: strings.TrimSpace(r.Destination),
	}
}

func validateSchedule(sc *domain.Schedule) error {
	switch {
	case sc.Route.Origin == "":
		return ValidationError{Field: "origin", Reason: "required"}
	case sc.Route.Destination == "":
		return ValidationError{Field: "destination", Reason: "required"}
	case sc.DepartureTime.IsZero():
		return ValidationError{Field: "departure_time", Reason: "required"}
	case !sc.ArrivalTime.After(sc.DepartureTime):
		return ValidationError{Field: "arrival_time", Reason: "must be after departure_time"}
	case sc.TotalCapacity < 0:
		return ValidationError{Field: "total_capacity", Reason: "must not be negative"}
	case sc.PricePerUnitCents < 0:
		return ValidationError{Field: "price_per_unit_cents", Reason: "must not be negative"}
	case !sc.Status.Valid():
		return ValidationError{Field: "status", Reason: "unknown status " + string(sc.Status)}
	}

	if sc.Route.Name == "" {
		sc.Route.Name = sc.Route.Origin + " - " + sc.Route.Destination
	}

	return nil
}
