package postgres_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/outbox"
	"github.com/kirinyoku/freightgo/internal/repository"
	"github.com/kirinyoku/freightgo/internal/repository/postgres"
	"github.com/kirinyoku/freightgo/internal/service/scheduling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to POSTGRES_DSN and applies the scheduling schema in
// a throwaway schema that is dropped when the test ends.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx := context.Background()

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := postgres.NewStore(pool)
	require.NoError(t, store.EnsureSchema(ctx, postgres.SchedulingSchema))

	return store
}

func insertSchedule(t *testing.T, repo *postgres.ScheduleRepo, capacity int) domain.Schedule {
	t.Helper()

	dep := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	sc := domain.Schedule{
		Route:             domain.Route{Name: "Rotterdam - Hamburg", Origin: "Rotterdam", Destination: "Hamburg"},
		DepartureTime:     dep,
		ArrivalTime:       dep.Add(8 * time.Hour),
		TotalCapacity:     capacity,
		AvailableCapacity: capacity,
		PricePerUnitCents: 2500,
		Status:            domain.ScheduleScheduled,
	}
	require.NoError(t, repo.CreateSchedule(context.Background(), &sc))

	return sc
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, bus.Message) error { return nil }

func newScheduling(t *testing.T, store *postgres.Store) *scheduling.Service {
	t.Helper()

	repo := store.Schedules()
	relay := outbox.NewRelay(scheduling.Producer, repo, discardPublisher{}, nil, nil, outbox.Config{})

	return scheduling.New(repo, relay, nil, nil, nil, nil, scheduling.Config{})
}

func bookingCreated(scheduleID uuid.UUID, qty int) events.BookingCreated {
	return events.BookingCreated{
		BookingID:  uuid.New(),
		ScheduleID: scheduleID,
		CustomerID: uuid.New(),
		CreatedUtc: time.Now().UTC(),
		Quantity:   qty,
	}
}

func availableOf(t *testing.T, repo *postgres.ScheduleRepo, id uuid.UUID) int {
	t.Helper()

	sc, err := repo.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return sc.AvailableCapacity
}

func TestConcurrentReservationsExactlyOneFits(t *testing.T) {
	store := newTestStore(t)
	svc := newScheduling(t, store)
	repo := store.Schedules()

	for round := 0; round < 5; round++ {
		sc := insertSchedule(t, repo, 10)

		outcomes := make([]scheduling.Outcome, 2)
		var wg sync.WaitGroup
		for i := range outcomes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := svc.ApplyBookingCreated(context.Background(), bookingCreated(sc.ID, 6))
				assert.NoError(t, err)
				outcomes[i] = out
			}(i)
		}
		wg.Wait()

		assert.ElementsMatch(t, []scheduling.Outcome{scheduling.OutcomeApplied, scheduling.OutcomeConflict}, outcomes)
		assert.Equal(t, 4, availableOf(t, repo, sc.ID))

		rows, err := repo.ListScheduleBookings(context.Background(), sc.ID)
		require.NoError(t, err)
		statuses := []domain.ReservationStatus{}
		for _, r := range rows {
			statuses = append(statuses, r.Status)
		}
		assert.ElementsMatch(t, []domain.ReservationStatus{domain.ReservationConfirmed, domain.ReservationConflict}, statuses)
	}
}

func TestCancelBeforeCreateNetsZero(t *testing.T) {
	store := newTestStore(t)
	svc := newScheduling(t, store)
	repo := store.Schedules()
	ctx := context.Background()

	sc := insertSchedule(t, repo, 10)
	ev := bookingCreated(sc.ID, 3)

	out, err := svc.ApplyBookingCancelled(ctx, events.BookingCancelled{BookingID: ev.BookingID, CancelledUtc: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, scheduling.OutcomeTombstoned, out)

	out, err = svc.ApplyBookingCreated(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, scheduling.OutcomeTombstoned, out)
	assert.Equal(t, 10, availableOf(t, repo, sc.ID))

	out, err = svc.ApplyBookingCreated(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, scheduling.OutcomeDuplicate, out)
	assert.Equal(t, 10, availableOf(t, repo, sc.ID))

	rows, err := repo.ListScheduleBookings(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ReservationReversed, rows[0].Status)
}

func TestCreateThenCancelReleasesOnce(t *testing.T) {
	store := newTestStore(t)
	svc := newScheduling(t, store)
	repo := store.Schedules()
	ctx := context.Background()

	sc := insertSchedule(t, repo, 10)
	ev := bookingCreated(sc.ID, 4)

	out, err := svc.ApplyBookingCreated(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, scheduling.OutcomeApplied, out)
	assert.Equal(t, 6, availableOf(t, repo, sc.ID))

	cancel := events.BookingCancelled{BookingID: ev.BookingID, CancelledUtc: time.Now().UTC()}
	out, err = svc.ApplyBookingCancelled(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, scheduling.OutcomeReleased, out)

	out, err = svc.ApplyBookingCancelled(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, scheduling.OutcomeDuplicate, out)
	assert.Equal(t, 10, availableOf(t, repo, sc.ID))
}

func TestAdjustAvailableStaysInBounds(t *testing.T) {
	store := newTestStore(t)
	repo := store.Schedules()
	ctx := context.Background()

	sc := insertSchedule(t, repo, 10)

	err := repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
		_, err := tx.AdjustAvailable(ctx, sc.ID, -11)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrInsufficientCapacity)

	err = repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
		_, err := tx.AdjustAvailable(ctx, sc.ID, 1)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrInsufficientCapacity)

	err = repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
		got, err := tx.AdjustAvailable(ctx, sc.ID, -10)
		assert.Equal(t, 0, got)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, availableOf(t, repo, sc.ID))
}

func TestQuantityCheckIsNotCapacity(t *testing.T) {
	store := newTestStore(t)
	repo := store.Schedules()
	ctx := context.Background()

	sc := insertSchedule(t, repo, 10)

	err := repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
		return tx.InsertScheduleBooking(ctx, domain.ScheduleBooking{
			BookingID:  uuid.New(),
			ScheduleID: sc.ID,
			CustomerID: uuid.New(),
			Quantity:   0,
			Status:     domain.ReservationConfirmed,
			BookedAt:   time.Now().UTC(),
		})
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrInsufficientCapacity)
}

func TestRecordCancellationIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	repo := store.Schedules()
	ctx := context.Background()
	id := uuid.New()

	for i, want := range []bool{true, false} {
		err := repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
			fresh, err := tx.RecordCancellation(ctx, id, "customer", time.Now().UTC())
			assert.Equal(t, want, fresh, "attempt %d", i)
			return err
		})
		require.NoError(t, err)
	}

	err := repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
		has, err := tx.HasCancellation(ctx, id)
		assert.True(t, has)
		return err
	})
	require.NoError(t, err)
}

func TestInsertScheduleBookingTwiceConflicts(t *testing.T) {
	store := newTestStore(t)
	repo := store.Schedules()
	ctx := context.Background()

	sc := insertSchedule(t, repo, 10)
	sb := domain.ScheduleBooking{
		BookingID:  uuid.New(),
		ScheduleID: sc.ID,
		CustomerID: uuid.New(),
		Quantity:   1,
		Status:     domain.ReservationConfirmed,
		BookedAt:   time.Now().UTC(),
	}

	insert := func(ctx context.Context, tx repository.ScheduleTx) error {
		return tx.InsertScheduleBooking(ctx, sb)
	}

	require.NoError(t, repo.RunTx(ctx, insert))
	assert.ErrorIs(t, repo.RunTx(ctx, insert), repository.ErrConflict)
}

func TestRunTxReplaysSerializationFailure(t *testing.T) {
	store := newTestStore(t)
	repo := store.Schedules()
	ctx := context.Background()

	sc := insertSchedule(t, repo, 10)

	var (
		attempts atomic.Int32
		both     sync.WaitGroup
	)
	both.Add(2)

	decrement := func() error {
		first := true
		return store.RunTx(ctx, nil, func(ctx context.Context, tx postgres.DB) error {
			attempts.Add(1)

			var available int
			if err := tx.QueryRow(ctx, `SELECT available_capacity FROM schedules WHERE id = $1`, sc.ID).Scan(&available); err != nil {
				return err
			}

			// Both transactions read before either writes.
			if first {
				first = false
				both.Done()
				both.Wait()
			}

			_, err := tx.Exec(ctx, `UPDATE schedules SET available_capacity = $2 WHERE id = $1`, sc.ID, available-1)
			return err
		})
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- decrement() }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	assert.Equal(t, 8, availableOf(t, repo, sc.ID))
}

func TestOutboxPendingAndPublished(t *testing.T) {
	store := newTestStore(t)
	repo := store.Schedules()
	ctx := context.Background()

	msg, err := outbox.NewMessage(events.ScheduleCreated{ScheduleID: uuid.New()}, scheduling.Producer)
	require.NoError(t, err)

	require.NoError(t, repo.RunTx(ctx, func(ctx context.Context, tx repository.ScheduleTx) error {
		return tx.Enqueue(ctx, msg)
	}))

	pending, err := repo.PendingOutbox(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)
	assert.Equal(t, events.TopicScheduleCreated, pending[0].Topic)

	require.NoError(t, repo.MarkOutboxFailed(ctx, msg.ID, "broker down"))
	pending, err = repo.PendingOutbox(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, repo.MarkOutboxPublished(ctx, msg.ID, time.Now().UTC()))
	pending, err = repo.PendingOutbox(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
