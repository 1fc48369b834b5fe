package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"studio/internal/domain"
)

type echoProvider struct{ calls int }

func (e *echoProvider) Execute(_ context.Context, in Input) (*Output, error) {
	e.calls++
	return &Output{Data: []byte(in.Prompt), MIME: "text/plain"}, nil
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("upstream 503")
	tests := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"transient", Transient(OpImageGenerate, cause), false},
		{"terminal", Terminal(OpImageGenerate, cause), true},
		{"unclassified", cause, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.terminal {
				t.Fatalf("IsTerminal = %v, want %v", got, tt.terminal)
			}
			if !errors.Is(tt.err, cause) {
				t.Fatalf("expected cause to be preserved")
			}
		})
	}
	if !errors.Is(Transient(OpVideoRender, cause), domain.ErrTransientProvider) {
		t.Fatalf("transient error must match sentinel")
	}
}

func TestRouterRejectsUnknownOperation(t *testing.T) {
	echo := &echoProvider{}
	r := Router{OpSceneCompose: echo}

	out, err := r.Execute(context.Background(), Input{Operation: OpSceneCompose, Prompt: "hi"})
	if err != nil || string(out.Data) != "hi" {
		t.Fatalf("unexpected result %v %v", out, err)
	}
	_, err = r.Execute(context.Background(), Input{Operation: OpVideoRender})
	if !errors.Is(err, domain.ErrProviderNotConfigured) || !IsTerminal(err) {
		t.Fatalf("expected terminal not-configured error, got %v", err)
	}
}

func TestThrottledHonoursContext(t *testing.T) {
	echo := &echoProvider{}
	p := Throttled(echo, rate.NewLimiter(rate.Every(time.Hour), 1))

	if _, err := p.Execute(context.Background(), Input{Operation: OpImageGenerate}); err != nil {
		t.Fatalf("first call should pass the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Execute(ctx, Input{Operation: OpImageGenerate})
	if err == nil || IsTerminal(err) {
		t.Fatalf("expected transient rate limit error, got %v", err)
	}
	if echo.calls != 1 {
		t.Fatalf("expected 1 call, got %d", echo.calls)
	}
}
