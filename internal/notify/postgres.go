package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// PostgresPublisher sends events with pg_notify on the ledger database.
type PostgresPublisher struct {
	db      infra.SQLExecutor
	channel string
}

func NewPostgresPublisher(db infra.SQLExecutor, channel string) *PostgresPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresPublisher{db: db, channel: channel}
}

func (p *PostgresPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	if _, err := p.db.Exec(ctx, sqlinline.QNotifyManifest, p.channel, payload); err != nil {
		return fmt.Errorf("notify: pg_notify: %w", err)
	}
	return nil
}

// PostgresSubscriber listens on a channel with a dedicated lib/pq connection,
// which reconnects on its own.
type PostgresSubscriber struct {
	dsn     string
	channel string
	logger  infra.Logger
}

func NewPostgresSubscriber(dsn, channel string, logger infra.Logger) *PostgresSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresSubscriber{dsn: dsn, channel: channel, logger: logger}
}

func (s *PostgresSubscriber) Subscribe(ctx context.Context, handler func(Event)) error {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Int("event", int(ev)).Msg("notify: listener connection event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(s.channel); err != nil {
		return fmt.Errorf("notify: listen %s: %w", s.channel, err)
	}
	s.logger.Info().Str("channel", s.channel).Msg("notify: listening")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			// nil after a reconnect; anything may have been missed, so wake anyway.
			if n == nil {
				handler(Event{})
				continue
			}
			evt, err := decode(n.Extra)
			if err != nil {
				s.logger.Warn().Err(err).Msg("notify: dropping malformed payload")
				continue
			}
			handler(evt)
		case <-time.After(90 * time.Second):
			go func() { _ = listener.Ping() }()
		}
	}
}
