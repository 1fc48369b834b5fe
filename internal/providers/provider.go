// Package providers defines the uniform contract job processors use to call
// remote content-generation services.
package providers

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"studio/internal/domain"
)

// Operation names one remote generation capability.
type Operation string

const (
	OpImageGenerate    Operation = "image.generate"
	OpSpeechSynthesize Operation = "speech.synthesize"
	OpLipSyncCompose   Operation = "lipsync.compose"
	OpSceneCompose     Operation = "scene.compose"
	OpVideoRender      Operation = "video.render"
)

// Input is a provider request. RequestID is an idempotency key: reusing it
// with the same input must yield an equivalent output.
type Input struct {
	Operation       Operation
	RequestID       string
	Prompt          string
	AspectRatio     string
	Locale          string
	DurationSeconds float64
	Inputs          []string
	Params          map[string]string
}

// Output is a provider response.
type Output struct {
	Data     []byte
	MIME     string
	Metadata map[string]string
}

// Provider executes one operation. Calls may take minutes.
type Provider interface {
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Error is a classified provider failure. Transient errors are retried by the
// worker runtime; terminal ones fail the job immediately.
type Error struct {
	Operation Operation
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s error: %v", e.Operation, kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Transient {
		return []error{domain.ErrTransientProvider, e.Err}
	}
	return []error{domain.ErrTerminalProvider, e.Err}
}

func Transient(op Operation, err error) error {
	return &Error{Operation: op, Transient: true, Err: err}
}

func Terminal(op Operation, err error) error {
	return &Error{Operation: op, Err: err}
}

// IsTerminal reports whether err must not be retried. Unclassified errors are
// treated as transient.
func IsTerminal(err error) bool {
	return errors.Is(err, domain.ErrTerminalProvider)
}

// Router sends each operation to the provider registered for it.
type Router map[Operation]Provider

func (r Router) Execute(ctx context.Context, in Input) (*Output, error) {
	p, ok := r[in.Operation]
	if !ok {
		return nil, Terminal(in.Operation, domain.ErrProviderNotConfigured)
	}
	return p.Execute(ctx, in)
}

type throttled struct {
	next    Provider
	limiter *rate.Limiter
}

// Throttled bounds the call rate of p.
func Throttled(p Provider, limiter *rate.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &throttled{next: p, limiter: limiter}
}

func (t *throttled) Execute(ctx context.Context, in Input) (*Output, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Transient(in.Operation, fmt.Errorf("rate limit wait: %w", err))
	}
	return t.next.Execute(ctx, in)
}
