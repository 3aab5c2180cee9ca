package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/kirinyoku/freightgo/internal/domain"
	"github.com/kirinyoku/freightgo/internal/events"
	"github.com/kirinyoku/freightgo/internal/repository"
	"github.com/kirinyoku/freightgo/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	failFor int
	got     []bus.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failFor > 0 {
		p.failFor--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, msg)
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.got))
	for _, m := range p.got {
		out = append(out, m.Topic)
	}
	return out
}

func enqueue(t *testing.T, store *memory.BookingStore, msgs ...domain.OutboxMessage) {
	t.Helper()
	require.NoError(t, store.RunTx(context.Background(), func(ctx context.Context, tx repository.BookingTx) error {
		for _, m := range msgs {
			if err := tx.Enqueue(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}))
}

func message(t *testing.T, m events.Message, age time.Duration) domain.OutboxMessage {
	t.Helper()
	msg, err := NewMessage(m, "booking")
	require.NoError(t, err)
	msg.CreatedAt = time.Now().UTC().Add(-age)
	return msg
}

func TestNewMessageEnvelopes(t *testing.T) {
	id := uuid.New()
	msg, err := NewMessage(events.BookingCancelled{BookingID: id, Reason: "r"}, "booking")
	require.NoError(t, err)

	assert.Equal(t, events.TopicBookingCancelled, msg.Topic)

	env, out, err := events.Decode[events.BookingCancelled](msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, env.ID)
	assert.Equal(t, id, out.BookingID)
}

func TestDispatchMarksPublished(t *testing.T) {
	store := memory.NewBookingStore()
	pub := &recordingPublisher{}
	relay := NewRelay("booking", store, pub, nil, nil, Config{StaleAfter: time.Millisecond})

	msg := message(t, events.BookingCreated{BookingID: uuid.New()}, time.Minute)
	enqueue(t, store, msg)

	relay.Dispatch(context.Background(), msg)

	assert.Equal(t, []string{events.TopicBookingCreated}, pub.topics())
	assert.Equal(t, msg.ID.String(), pub.got[0].ID)

	n, err := relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	store := memory.NewBookingStore()
	pub := &recordingPublisher{}
	relay := NewRelay("booking", store, pub, nil, nil, Config{})

	msg := message(t, events.BookingCreated{BookingID: uuid.New()}, 0)
	enqueue(t, store, msg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	relay.Dispatch(ctx, msg)

	assert.Len(t, pub.topics(), 1)
}

func TestSweepRepublishesFailedDispatch(t *testing.T) {
	store := memory.NewBookingStore()
	pub := &recordingPublisher{failFor: 1}
	relay := NewRelay("booking", store, pub, nil, nil, Config{StaleAfter: time.Millisecond})

	msg := message(t, events.BookingCreated{BookingID: uuid.New()}, time.Minute)
	enqueue(t, store, msg)

	relay.Dispatch(context.Background(), msg)
	assert.Empty(t, pub.topics())

	pending, err := store.PendingOutbox(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	n, err := relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{events.TopicBookingCreated}, pub.topics())
}

func TestSweepSkipsFreshMessages(t *testing.T) {
	store := memory.NewBookingStore()
	pub := &recordingPublisher{}
	relay := NewRelay("booking", store, pub, nil, nil, Config{StaleAfter: time.Hour})

	enqueue(t, store, message(t, events.BookingCreated{BookingID: uuid.New()}, 0))

	n, err := relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.topics())
}

func TestSweepStopsAtFirstFailureKeepingOrder(t *testing.T) {
	store := memory.NewBookingStore()
	pub := &recordingPublisher{failFor: 1}
	relay := NewRelay("booking", store, pub, nil, nil, Config{StaleAfter: time.Millisecond})

	id := uuid.New()
	created := message(t, events.BookingCreated{BookingID: id}, 2*time.Minute)
	cancelled := message(t, events.BookingCancelled{BookingID: id}, time.Minute)
	enqueue(t, store, created, cancelled)

	n, err := relay.Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.topics())

	n, err = relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{events.TopicBookingCreated, events.TopicBookingCancelled}, pub.topics())
}

func TestRunStopsOnCancel(t *testing.T) {
	relay := NewRelay("booking", memory.NewBookingStore(), &recordingPublisher{}, nil, nil,
		Config{SweepInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
