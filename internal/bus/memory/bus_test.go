package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirinyoku/freightgo/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	if cfg.RedeliveryDelay == 0 {
		cfg.RedeliveryDelay = time.Millisecond
	}
	b := New(cfg, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitIdle(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBus(t, Config{})

	var (
		mu  sync.Mutex
		got []string
	)
	require.NoError(t, b.Subscribe("t", func(_ context.Context, m bus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(m.Body))
		return nil
	}))

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t", Body: []byte(s)}))
	}
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	b := newTestBus(t, Config{})

	var n atomic.Int32
	h := func(context.Context, bus.Message) error { n.Add(1); return nil }
	require.NoError(t, b.Subscribe("t", h))
	require.NoError(t, b.Subscribe("t", h))
	require.NoError(t, b.Subscribe("other", h))

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))
	waitIdle(t, b)

	assert.Equal(t, int32(2), n.Load())
}

func TestHandlerErrorIsRedelivered(t *testing.T) {
	b := newTestBus(t, Config{})

	var calls atomic.Int32
	var redelivered atomic.Bool
	require.NoError(t, b.Subscribe("t", func(_ context.Context, m bus.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("db down")
		}
		redelivered.Store(m.Redelivered)
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))
	waitIdle(t, b)

	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, redelivered.Load())
}

func TestPermanentErrorIsNotRedelivered(t *testing.T) {
	b := newTestBus(t, Config{})

	var calls atomic.Int32
	require.NoError(t, b.Subscribe("t", func(context.Context, bus.Message) error {
		calls.Add(1)
		return bus.Permanent(errors.New("bad payload"))
	}))

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))
	waitIdle(t, b)

	assert.Equal(t, int32(1), calls.Load())
}

func TestTransientFailureIsNeverDropped(t *testing.T) {
	b := newTestBus(t, Config{MaxRedeliveryDelay: 2 * time.Millisecond})

	var calls atomic.Int32
	require.NoError(t, b.Subscribe("t", func(context.Context, bus.Message) error {
		if calls.Add(1) <= 25 {
			return errors.New("transient db outage")
		}
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))

	// still in flight while the handler keeps failing
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitIdle(ctx), context.DeadlineExceeded)

	waitIdle(t, b)
	assert.Equal(t, int32(26), calls.Load())
}

func TestRedeliveryBackoffIsCapped(t *testing.T) {
	b := New(Config{RedeliveryDelay: time.Millisecond, MaxRedeliveryDelay: 4 * time.Millisecond}, nil)
	defer b.Close()

	var (
		mu    sync.Mutex
		stamp []time.Time
	)
	require.NoError(t, b.Subscribe("t", func(context.Context, bus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		stamp = append(stamp, time.Now())
		if len(stamp) < 8 {
			return errors.New("down")
		}
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamp, 8)
	// 1+2+4+4+4+4+4 ms of backoff, well under a second
	assert.Less(t, stamp[7].Sub(stamp[0]), time.Second)
	assert.GreaterOrEqual(t, stamp[7].Sub(stamp[0]), 20*time.Millisecond)
}

func TestDuplicateDelivery(t *testing.T) {
	b := newTestBus(t, Config{DuplicateDelivery: true})

	var calls atomic.Int32
	require.NoError(t, b.Subscribe("t", func(context.Context, bus.Message) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))
	waitIdle(t, b)

	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestReply(t *testing.T) {
	b := newTestBus(t, Config{})

	require.NoError(t, b.Respond("echo", func(_ context.Context, m bus.Message) ([]byte, error) {
		return append([]byte("re:"), m.Body...), nil
	}))

	reply, err := b.Request(context.Background(), "echo", []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "re:hi", string(reply))
}

func TestRequestWithoutResponderTimesOut(t *testing.T) {
	b := newTestBus(t, Config{})

	start := time.Now()
	_, err := b.Request(context.Background(), "nobody", nil, 30*time.Millisecond)
	require.ErrorIs(t, err, bus.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRequestSlowResponderTimesOut(t *testing.T) {
	b := newTestBus(t, Config{})

	require.NoError(t, b.Respond("slow", func(ctx context.Context, _ bus.Message) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := b.Request(context.Background(), "slow", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrTimeout)
}

func TestRequestResponderError(t *testing.T) {
	b := newTestBus(t, Config{})

	require.NoError(t, b.Respond("fail", func(context.Context, bus.Message) ([]byte, error) {
		return nil, errors.New("boom")
	}))

	_, err := b.Request(context.Background(), "fail", nil, time.Second)
	assert.ErrorIs(t, err, bus.ErrRemote)
}

func TestRespondTwiceFails(t *testing.T) {
	b := newTestBus(t, Config{})

	r := func(context.Context, bus.Message) ([]byte, error) { return nil, nil }
	require.NoError(t, b.Respond("x", r))
	assert.Error(t, b.Respond("x", r))
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := New(Config{}, nil)
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), bus.Message{Topic: "t"})
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.NoError(t, b.Close())
}
