package processors

import (
	"context"
	"fmt"
	"strconv"

	"studio/internal/domain"
	"studio/internal/providers"
)

// Composition assembles a scene from its stills and narration. Scenes with a
// speaker are lip-synced first.
type Composition struct {
	env Env
}

func (p *Composition) Type() domain.JobType { return domain.JobTypeCompose }

func (p *Composition) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	payload, err := payloadOf[*domain.CompositionPayload](job)
	if err != nil {
		return nil, err
	}

	var stills []string
	if payload.AssetJobID != "" {
		if stills, err = p.env.assetKeys(ctx, payload.AssetJobID); err != nil {
			return nil, err
		}
	}
	var narration string
	if payload.NarrationJobID != "" {
		if narration, err = p.env.dependencyOutput(ctx, payload.NarrationJobID); err != nil {
			return nil, err
		}
	}

	enh, warnings, err := p.env.reconcile(ctx, job.ManifestID, proposeComposition(payload))
	if err != nil {
		return nil, err
	}

	inputs := append([]string(nil), stills...)
	if narration != "" {
		inputs = append(inputs, narration)
	}

	if payload.LipSync {
		if len(stills) == 0 {
			return nil, providers.Terminal(providers.OpLipSyncCompose, fmt.Errorf("scene %s has no still to animate", payload.SceneID))
		}
		out, err := p.env.Provider.Execute(ctx, providers.Input{
			Operation:       providers.OpLipSyncCompose,
			RequestID:       job.ID + "/lipsync",
			Inputs:          []string{stills[0], narration},
			DurationSeconds: payload.DurationSeconds,
		})
		if err != nil {
			return nil, err
		}
		key, err := p.env.persist(ctx, sceneKey(job.ManifestID, payload.SceneID, "lipsync"), out)
		if err != nil {
			return nil, err
		}
		inputs = append([]string{key}, inputs[1:]...)
	}

	params := map[string]string{
		"effects":    joinParams(enh.Effects),
		"transition": enh.TransitionStyle,
		"audio_tags": joinParams(enh.AudioTags),
	}
	if enh.EffectIntensity != nil {
		params["effect_intensity"] = strconv.FormatFloat(*enh.EffectIntensity, 'f', 2, 64)
	}
	if enh.MusicIntensity != nil {
		params["music_intensity"] = strconv.FormatFloat(*enh.MusicIntensity, 'f', 2, 64)
	}

	out, err := p.env.Provider.Execute(ctx, providers.Input{
		Operation:       providers.OpSceneCompose,
		RequestID:       job.ID,
		Prompt:          fmt.Sprintf("scene %s", payload.SceneID),
		Inputs:          inputs,
		DurationSeconds: payload.DurationSeconds,
		Params:          params,
	})
	if err != nil {
		return nil, err
	}
	key, err := p.env.persist(ctx, sceneKey(job.ManifestID, payload.SceneID, "composition"), out)
	if err != nil {
		return nil, err
	}

	return &domain.JobResult{
		OutputRef:    key,
		MIME:         out.MIME,
		Metadata:     map[string]string{"inputs": strconv.Itoa(len(inputs)), "lip_sync": strconv.FormatBool(payload.LipSync)},
		Enhancements: &enh,
		Warnings:     warnings,
	}, nil
}

// proposeComposition derives the enhancements a scene asks for: its effects,
// transition and the loudest music cue.
func proposeComposition(payload *domain.CompositionPayload) domain.Enhancements {
	enh := domain.Enhancements{
		Effects:         append([]string(nil), payload.Effects...),
		TransitionStyle: payload.Transition,
	}
	var music *float64
	for _, cue := range payload.AudioCues {
		enh.AudioTags = appendUnique(enh.AudioTags, cue.Kind)
		if cue.Kind == "music" && (music == nil || cue.Intensity > *music) {
			music = domain.Float(cue.Intensity)
		}
	}
	enh.MusicIntensity = music
	return enh
}
