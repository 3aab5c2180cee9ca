package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// sharedLoadTimeout bounds a loader call shared by concurrent misses.
const sharedLoadTimeout = 5 * time.Second

// Cache is a redis read-through cache with a short-lived process-local
// layer in front. A nil *Cache is valid and caches nothing.
type Cache struct {
	rdb      *redis.Client
	sf       singleflight.Group
	localTTL time.Duration

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	val     string
	expires time.Time
}

func New(client *redis.Client, localTTL time.Duration) *Cache {
	return &Cache{
		rdb:      client,
		localTTL: localTTL,
		local:    make(map[string]localEntry),
	}
}

func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}

	if v, ok := c.getLocal(key); ok {
		return v, true, nil
	}

	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	c.setLocal(key, s)

	return s, true, nil
}

func (c *Cache) SetString(
	ctx context.Context,
	key string,
	val string,
	ttl time.Duration,
) error {
	if c == nil {
		return nil
	}

	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return err
	}

	c.setLocal(key, val)

	return nil
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}

	c.DropLocal(keys...)

	return c.rdb.Del(ctx, keys...).Err()
}

// DropLocal forgets keys in this process only.
func (c *Cache) DropLocal(keys ...string) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		delete(c.local, k)
	}
}

func (c *Cache) getLocal(key string) (string, bool) {
	if c.localTTL <= 0 {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.local[key]
	if !ok {
		return "", false
	}

	if time.Now().After(e.expires) {
		delete(c.local, key)
		return "", false
	}

	return e.val, true
}

func (c *Cache) setLocal(key, val string) {
	if c.localTTL <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.local[key] = localEntry{val: val, expires: time.Now().Add(c.localTTL)}
}

func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T

	s, ok, err := c.GetString(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}

	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return zero, false, err
	}

	return out, true, nil
}

func SetJSON(
	ctx context.Context,
	c *Cache,
	key string,
	val any,
	ttl time.Duration,
) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.SetString(ctx, key, string(b), ttl)
}

// GetOrSetJSON returns the cached value for key or loads, stores and
// returns it. Concurrent misses on the same key share one loader call. Cache
// read errors fall through to the loader.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if c == nil {
		return loader(ctx)
	}

	if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	// The shared load ignores the first caller's cancellation; each caller
	// still stops waiting on its own ctx.
	ch := c.sf.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()

		if v2, ok2, err2 := GetJSON[T](lctx, c, key); err2 == nil && ok2 {
			return v2, nil
		}
		v3, err3 := loader(lctx)
		if err3 != nil {
			return nil, err3
		}
		_ = SetJSON(lctx, c, key, v3, ttl)
		return v3, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	if res.Err != nil {
		var zero T
		return zero, res.Err
	}

	v, ok := res.Val.(T)
	if !ok {
		var zero T
		return zero, errors.New("type assertion failed")
	}

	return v, nil
}

// ScheduleKnown reports whether id was previously seen to exist.
func (c *Cache) ScheduleKnown(ctx context.Context, id uuid.UUID) (bool, error) {
	_, ok, err := c.GetString(ctx, KeyScheduleKnown(id))
	return ok, err
}

func (c *Cache) MarkScheduleKnown(ctx context.Context, id uuid.UUID, ttl time.Duration) error {
	return c.SetString(ctx, KeyScheduleKnown(id), "1", ttl)
}

func (c *Cache) InvalidateSchedule(ctx context.Context, id uuid.UUID) error {
	return c.Del(ctx, KeySchedule(id))
}
