package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"studio/internal/domain"
	"studio/internal/providers"
)

// AssetPrep generates one still per visual element of a scene.
type AssetPrep struct {
	env Env
}

func (p *AssetPrep) Type() domain.JobType { return domain.JobTypeAssetPrep }

func (p *AssetPrep) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	payload, err := payloadOf[*domain.AssetPrepPayload](job)
	if err != nil {
		return nil, err
	}

	proposed := domain.Enhancements{VisualStyle: payload.VisualStyle}
	for _, el := range payload.Elements {
		proposed.ColorPalette = appendUnique(proposed.ColorPalette, el.Palette...)
	}
	proposed.ColorPalette = appendUnique(proposed.ColorPalette, payload.Palette...)
	enh, warnings, err := p.env.reconcile(ctx, job.ManifestID, proposed)
	if err != nil {
		return nil, err
	}

	idx := assetIndex{SceneID: payload.SceneID}
	for i, el := range payload.Elements {
		out, err := p.env.Provider.Execute(ctx, providers.Input{
			Operation:   providers.OpImageGenerate,
			RequestID:   fmt.Sprintf("%s/%d", job.ID, i),
			Prompt:      el.Description,
			AspectRatio: payload.AspectRatio,
			Params: map[string]string{
				"palette":       joinParams(enh.ColorPalette),
				"style":         enh.VisualStyle,
				"quality":       string(el.Quality),
				"reference_url": el.ReferenceURL,
			},
		})
		if err != nil {
			if !el.Required && providers.IsTerminal(err) {
				idx.Skipped = append(idx.Skipped, i)
				warnings = append(warnings, fmt.Sprintf("element %d skipped: %v", i, err))
				p.env.Logger.Warn().Err(err).Str("job_id", job.ID).Int("element", i).Msg("processors: optional element skipped")
				continue
			}
			return nil, err
		}
		key, err := p.env.persist(ctx, sceneKey(job.ManifestID, payload.SceneID, fmt.Sprintf("element-%02d", i+1)), out)
		if err != nil {
			return nil, err
		}
		idx.Keys = append(idx.Keys, key)
	}
	if len(idx.Keys) == 0 {
		return nil, providers.Terminal(providers.OpImageGenerate, errors.New("no visual element could be generated"))
	}

	raw, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("encode asset index: %w", err)
	}
	ref, err := p.env.persist(ctx, sceneKey(job.ManifestID, payload.SceneID, "assets.json"), &providers.Output{Data: raw, MIME: "application/json"})
	if err != nil {
		return nil, err
	}

	return &domain.JobResult{
		OutputRef:    ref,
		MIME:         "application/json",
		Metadata:     map[string]string{"assets": strconv.Itoa(len(idx.Keys)), "skipped": strconv.Itoa(len(idx.Skipped))},
		Enhancements: &enh,
		Warnings:     warnings,
	}, nil
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found && v != "" {
			list = append(list, v)
		}
	}
	return list
}
