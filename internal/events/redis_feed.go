package events

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

const DefaultRedisChannel = "retailops:events:all"

// RedisFeed shares change events between server instances over Redis pub/sub.
type RedisFeed struct {
	client  *redis.Client
	channel string
}

func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisFeed{client: client, channel: channel}
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					zlog.Warn().Err(err).Str("component", "redis-feed").Msg("dropping malformed event")
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()
	return out, nil
}
