// Package notify carries the best-effort "new work" signal from the compiler
// to worker processes. Delivery may be dropped, duplicated or reordered;
// workers poll the ledger regardless.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultChannel is the LISTEN/NOTIFY and pub/sub channel name.
const DefaultChannel = "studio_manifests"

// Event announces that a manifest's jobs were committed to the ledger.
type Event struct {
	ManifestID string `json:"manifest_id"`
	JobCount   int    `json:"job_count"`
	UserID     string `json:"user_id"`
}

// Publisher sends events. Implementations must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers events to handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(Event)) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Subscribe(ctx context.Context, _ func(Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func encode(evt Event) (string, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("notify: encode event: %w", err)
	}
	return string(raw), nil
}

func decode(payload string) (Event, error) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return Event{}, fmt.Errorf("notify: decode event: %w", err)
	}
	return evt, nil
}
