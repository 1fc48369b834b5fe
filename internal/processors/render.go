package processors

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"studio/internal/domain"
	"studio/internal/providers"
)

// Render stitches the scene compositions into the deliverable stored at the
// manifest's bound output key.
type Render struct {
	env Env
}

func (p *Render) Type() domain.JobType { return domain.JobTypeFinalRender }

func (p *Render) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	payload, err := payloadOf[*domain.RenderPayload](job)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.OutputKey) == "" {
		return nil, providers.Terminal(providers.OpVideoRender, fmt.Errorf("%w: output key was never bound", domain.ErrPlaceholderResolution))
	}

	inputs := make([]string, 0, len(payload.Compositions))
	for _, id := range payload.Compositions {
		ref, err := p.env.dependencyOutput(ctx, id)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, ref)
	}

	out, err := p.env.Provider.Execute(ctx, providers.Input{
		Operation:       providers.OpVideoRender,
		RequestID:       job.ID,
		Prompt:          fmt.Sprintf("render %d scenes", len(inputs)),
		AspectRatio:     payload.AspectRatio,
		Locale:          payload.Language,
		DurationSeconds: payload.DurationSeconds,
		Inputs:          inputs,
		Params:          map[string]string{"platform": payload.Platform},
	})
	if err != nil {
		return nil, err
	}
	key, err := p.env.Store.Write(ctx, payload.OutputKey, out.Data)
	if err != nil {
		return nil, err
	}

	p.env.Logger.Info().Str("manifest_id", job.ManifestID).Str("output_ref", key).Msg("processors: final render stored")
	return &domain.JobResult{
		OutputRef: key,
		MIME:      out.MIME,
		Metadata: map[string]string{
			"scenes":   strconv.Itoa(len(inputs)),
			"platform": payload.Platform,
			"bytes":    strconv.Itoa(len(out.Data)),
		},
	}, nil
}
