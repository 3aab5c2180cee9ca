package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SchedulesPubSub fans "schedule changed" notices out to every instance so
// they can drop process-local cache entries.
type SchedulesPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewSchedulesPubSub(rdb *redis.Client) *SchedulesPubSub {
	return &SchedulesPubSub{
		rdb:     rdb,
		channel: ChannelSchedulesChanged(),
	}
}

type scheduleChangedMsg struct {
	Type       string    `json:"type"`
	ScheduleID uuid.UUID `json:"schedule_id"`
	TsUnix     int64     `json:"ts_unix"`
}

func (p *SchedulesPubSub) PublishScheduleChanged(ctx context.Context, scheduleID uuid.UUID) error {
	if p == nil {
		return nil
	}

	msg := scheduleChangedMsg{
		Type:       "schedule_changed",
		ScheduleID: scheduleID,
		TsUnix:     time.Now().Unix(),
	}

	b, _ := json.Marshal(msg)

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe blocks, calling handler for every notice until ctx is done.
func (p *SchedulesPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, scheduleID uuid.UUID)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if id, ok := decodeScheduleChanged(m.Payload); ok {
				handler(ctx, id)
			}
		}
	}
}

func decodeScheduleChanged(payload string) (uuid.UUID, bool) {
	var msg scheduleChangedMsg
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.ScheduleID == uuid.Nil {
		return uuid.Nil, false
	}
	return msg.ScheduleID, true
}
