package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisOpts configures a RedisPublisher.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher fans events out over a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *goredis.Client
	channel string
}

// NewRedisPublisher connects and pings Redis.
func NewRedisPublisher(ctx context.Context, opts RedisOpts) (*RedisPublisher, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("events: redis addr is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("events: redis channel is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: redis ping %s: %w", opts.Addr, err)
	}

	return &RedisPublisher{rdb: rdb, channel: opts.Channel}, nil
}

// Publish encodes evt as JSON and publishes it on the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", evt.TransitionID, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", evt.TransitionID, err)
	}
	return nil
}

// Subscribe streams decoded events until ctx is cancelled. Malformed
// payloads are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return fmt.Errorf("events: onEvent callback required")
	}
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", p.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			onEvent(evt)
		}
	}
}

// Close releases the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
