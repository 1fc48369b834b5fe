package notify

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"studio/internal/infra"
)

// Redis publishes and subscribes over Redis pub/sub.
type Redis struct {
	client  *goredis.Client
	channel string
	logger  infra.Logger
}

func NewRedis(client *goredis.Client, channel string, logger infra.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, evt Event) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify/redis: publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler func(Event)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("notify/redis: subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("notify: subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("notify/redis: subscription closed")
			}
			evt, err := decode(msg.Payload)
			if err != nil {
				r.logger.Warn().Err(err).Msg("notify: dropping malformed payload")
				continue
			}
			handler(evt)
		}
	}
}
