package processors

import (
	"context"

	"studio/internal/domain"
	"studio/internal/providers"
)

// Narration synthesises the voice-over of a scene.
type Narration struct {
	env Env
}

func (p *Narration) Type() domain.JobType { return domain.JobTypeNarration }

func (p *Narration) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	payload, err := payloadOf[*domain.NarrationPayload](job)
	if err != nil {
		return nil, err
	}

	enh, warnings, err := p.env.reconcile(ctx, job.ManifestID, domain.Enhancements{Tone: payload.Tone, VoiceStyle: payload.VoiceStyle})
	if err != nil {
		return nil, err
	}

	out, err := p.env.Provider.Execute(ctx, providers.Input{
		Operation:       providers.OpSpeechSynthesize,
		RequestID:       job.ID,
		Prompt:          payload.Text,
		Locale:          payload.Language,
		DurationSeconds: payload.DurationSeconds,
		Params: map[string]string{
			"speaker":     payload.Speaker,
			"tone":        enh.Tone,
			"voice_style": enh.VoiceStyle,
		},
	})
	if err != nil {
		return nil, err
	}
	key, err := p.env.persist(ctx, sceneKey(job.ManifestID, payload.SceneID, "narration"), out)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	for k, v := range out.Metadata {
		meta[k] = v
	}
	if payload.Speaker != "" {
		meta["speaker"] = payload.Speaker
	}
	return &domain.JobResult{OutputRef: key, MIME: out.MIME, Metadata: meta, Enhancements: &enh, Warnings: warnings}, nil
}
