package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/outbox"
	"github.com/kirinyoku/freightgo/internal/repository"
	"github.com/kirinyoku/freightgo/internal/repository/memory"
	redisrepo "github.com/kirinyoku/freightgo/internal/repository/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	exists bool
	err    error
	calls  int
}

func (f *fakeValidator) ValidateSchedule(context.Context, uuid.UUID) (bool, error) {
	f.calls++
	return f.exists, f.err
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func (p *recordingPublisher) last() bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

func newTestService(t *testing.T, v *fakeValidator) (*Service, *memory.BookingStore, *recordingPublisher) {
	t.Helper()

	store := memory.NewBookingStore()
	pub := &recordingPublisher{}
	relay := outbox.NewRelay(Producer, store, pub, nil, nil, outbox.Config{})

	return New(store, v, relay, nil, nil, nil), store, pub
}

func input() CreateInput {
	return CreateInput{
		ScheduleID: uuid.New(),
		Customer:   domain.Customer{ID: uuid.New(), Name: " Ada ", Email: "ada@example.com"},
		Cargo:      domain.Cargo{Type: "pallets", WeightKg: 800, VolumeM3: 3.5, Quantity: 3},
	}
}

func countBookings(t *testing.T, store *memory.BookingStore) int {
	t.Helper()
	all, err := store.ListBookings(context.Background(), repository.BookingFilter{})
	require.NoError(t, err)
	return len(all)
}

func TestCreateStoresPendingAndPublishes(t *testing.T) {
	svc, store, pub := newTestService(t, &fakeValidator{exists: true})

	b, err := svc.Create(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, "Ada", b.Customer.Name)

	got, err := store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	require.Equal(t, []string{events.TopicBookingCreated}, pub.topics())
	_, ev, err := events.Decode[events.BookingCreated](pub.last().Body)
	require.NoError(t, err)
	assert.Equal(t, b.ID, ev.BookingID)
	assert.Equal(t, b.ScheduleID, ev.ScheduleID)
	assert.Equal(t, 3, ev.Quantity)

	pending, err := store.PendingOutbox(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateDefaultsQuantityToOne(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeValidator{exists: true})

	in := input()
	in.Cargo.Quantity = 0

	b, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Cargo.Quantity)
}

func TestCreateUnknownScheduleStoresNothing(t *testing.T) {
	svc, store, pub := newTestService(t, &fakeValidator{exists: false})
	in := input()

	_, err := svc.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrScheduleNotFound)

	var nf ScheduleNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, in.ScheduleID, nf.ScheduleID)

	assert.Zero(t, countBookings(t, store))
	assert.Empty(t, pub.topics())
}

func TestCreateValidationTimeoutIsTransient(t *testing.T) {
	v := &fakeValidator{err: fmt.Errorf("%w: schedule.validate after 5s", bus.ErrTimeout)}
	svc, store, pub := newTestService(t, v)

	_, err := svc.Create(context.Background(), input())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusTimeout)
	assert.ErrorIs(t, err, bus.ErrTimeout)
	assert.NotErrorIs(t, err, ErrScheduleNotFound)

	var te BusTimeoutError
	assert.ErrorAs(t, err, &te)

	assert.Zero(t, countBookings(t, store))
	assert.Empty(t, pub.topics())
}

func TestCreateBusFailure(t *testing.T) {
	svc, store, _ := newTestService(t, &fakeValidator{err: errors.New("connection reset")})

	_, err := svc.Create(context.Background(), input())
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.NotErrorIs(t, err, ErrBusTimeout)
	assert.Zero(t, countBookings(t, store))
}

func TestCreateRejectsInvalidInputWithoutRoundTrip(t *testing.T) {
	v := &fakeValidator{exists: true}
	svc, _, _ := newTestService(t, v)

	cases := map[string]func(*CreateInput){
		"schedule_id":    func(in *CreateInput) { in.ScheduleID = uuid.Nil },
		"customer_id":    func(in *CreateInput) { in.Customer.ID = uuid.Nil },
		"quantity":       func(in *CreateInput) { in.Cargo.Quantity = -2 },
		"weight_kg":      func(in *CreateInput) { in.Cargo.WeightKg = -1 },
		"customer_email": func(in *CreateInput) { in.Customer.Email = "nope" },
	}

	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			in := input()
			mutate(&in)

			_, err := svc.Create(context.Background(), in)
			require.ErrorIs(t, err, ErrInvalidBooking)

			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}

	assert.Zero(t, v.calls)
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, _, pub := newTestService(t, &fakeValidator{exists: true})

	b, err := svc.Create(context.Background(), input())
	require.NoError(t, err)

	got, err := svc.Cancel(context.Background(), b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, ReasonCustomer, got.CancelReason)

	_, err = svc.Cancel(context.Background(), b.ID, "again")
	require.NoError(t, err)

	assert.Equal(t, []string{events.TopicBookingCreated, events.TopicBookingCancelled}, pub.topics())
}

func TestCancelUnknownBooking(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeValidator{exists: true})

	_, err := svc.Cancel(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestUpdateEditsAndPublishes(t *testing.T) {
	svc, store, pub := newTestService(t, &fakeValidator{exists: true})

	b, err := svc.Create(context.Background(), input())
	require.NoError(t, err)

	notes := "fragile"
	weight := 950.0
	got, err := svc.Update(context.Background(), b.ID, UpdateInput{Notes: &notes, WeightKg: &weight})
	require.NoError(t, err)
	assert.Equal(t, "fragile", got.Notes)
	assert.Equal(t, 950.0, got.Cargo.WeightKg)
	assert.Equal(t, 3, got.Cargo.Quantity)

	stored, err := store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "fragile", stored.Notes)
	assert.Equal(t, events.TopicBookingUpdated, pub.last().Topic)

	_, err = svc.Cancel(context.Background(), b.ID, "")
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), b.ID, UpdateInput{Notes: &notes})
	assert.ErrorIs(t, err, ErrBookingClosed)
}

func TestConfirmationSetsPriceOnce(t *testing.T) {
	svc, store, pub := newTestService(t, &fakeValidator{exists: true})

	b, err := svc.Create(context.Background(), input())
	require.NoError(t, err)

	ev := events.ScheduleBookingCreated{
		ScheduleID:      b.ScheduleID,
		BookingID:       b.ID,
		Quantity:        3,
		TotalPriceCents: 7500,
		Status:          events.ReservationConfirmed,
	}

	require.NoError(t, svc.HandleScheduleBookingCreated(context.Background(), ev))
	require.NoError(t, svc.HandleScheduleBookingCreated(context.Background(), ev))

	got, err := store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, got.Status)
	assert.Equal(t, int64(7500), got.PriceCents)

	assert.Equal(t, []string{events.TopicBookingCreated, events.TopicBookingUpdated}, pub.topics())
}

func TestRejectionCancelsAndCompensates(t *testing.T) {
	svc, store, pub := newTestService(t, &fakeValidator{exists: true})

	b, err := svc.Create(context.Background(), input())
	require.NoError(t, err)

	ev := events.ScheduleBookingCreated{
		ScheduleID: b.ScheduleID,
		BookingID:  b.ID,
		Status:     events.ReservationRejected,
		Reason:     "capacity conflict",
	}

	require.NoError(t, svc.HandleScheduleBookingCreated(context.Background(), ev))
	require.NoError(t, svc.HandleScheduleBookingCreated(context.Background(), ev))

	got, err := store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, ReasonCapacityConflict, got.CancelReason)

	require.Equal(t, []string{events.TopicBookingCreated, events.TopicBookingCancelled}, pub.topics())
	_, cancelled, err := events.Decode[events.BookingCancelled](pub.last().Body)
	require.NoError(t, err)
	assert.Equal(t, b.ID, cancelled.BookingID)
	assert.Equal(t, ReasonCapacityConflict, cancelled.Reason)
}

func TestRejectionKeepsRejectCode(t *testing.T) {
	cases := map[string]string{
		events.RejectScheduleNotFound: ReasonScheduleNotFound,
		events.RejectScheduleClosed:   ReasonScheduleClosed,
		"seat_map_changed":            ReasonCapacityConflict,
	}

	for code, want := range cases {
		t.Run(code, func(t *testing.T) {
			svc, store, pub := newTestService(t, &fakeValidator{exists: true})

			b, err := svc.Create(context.Background(), input())
			require.NoError(t, err)

			require.NoError(t, svc.HandleScheduleBookingCreated(context.Background(), events.ScheduleBookingCreated{
				ScheduleID: b.ScheduleID,
				BookingID:  b.ID,
				Status:     events.ReservationRejected,
				RejectCode: code,
				Reason:     "rejected",
			}))

			got, err := store.GetBooking(context.Background(), b.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got.CancelReason)

			_, cancelled, err := events.Decode[events.BookingCancelled](pub.last().Body)
			require.NoError(t, err)
			assert.Equal(t, want, cancelled.Reason)
		})
	}
}

func TestConfirmationAfterCustomerCancelIsIgnored(t *testing.T) {
	svc, store, _ := newTestService(t, &fakeValidator{exists: true})

	b, err := svc.Create(context.Background(), input())
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), b.ID, "changed plans")
	require.NoError(t, err)

	require.NoError(t, svc.HandleScheduleBookingCreated(context.Background(), events.ScheduleBookingCreated{
		BookingID:       b.ID,
		TotalPriceCents: 100,
		Status:          events.ReservationConfirmed,
	}))

	got, err := store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, "changed plans", got.CancelReason)
	assert.Zero(t, got.PriceCents)
}

func TestOutcomeForUnknownBooking(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeValidator{exists: true})

	err := svc.HandleScheduleBookingCreated(context.Background(), events.ScheduleBookingCreated{
		BookingID: uuid.New(),
		Status:    events.ReservationConfirmed,
	})
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestListFiltersByCustomer(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeValidator{exists: true})

	first := input()
	_, err := svc.Create(context.Background(), first)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), input())
	require.NoError(t, err)

	out, err := svc.List(context.Background(), repository.BookingFilter{CustomerID: &first.Customer.ID})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, first.Customer.ID, out[0].Customer.ID)
}

func TestCreateIsRateLimitedPerKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.NewBookingStore()
	v := &fakeValidator{exists: true}
	relay := outbox.NewRelay(Producer, store, &recordingPublisher{}, nil, nil, outbox.Config{})
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "bookings", 1, time.Minute)
	svc := New(store, v, relay, limiter, nil, nil)

	in := input()
	in.RateKey = "sub:alice"

	_, err := svc.Create(context.Background(), in)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrRateLimited)

	var rl RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
	assert.LessOrEqual(t, rl.RetryAfter, time.Minute)

	// Limited requests never reach the bus.
	assert.Equal(t, 1, v.calls)
	assert.Equal(t, 1, countBookings(t, store))

	in.RateKey = "sub:bob"
	_, err = svc.Create(context.Background(), in)
	assert.NoError(t, err)
}
