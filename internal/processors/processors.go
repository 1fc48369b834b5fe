// Package processors holds the per-type job pipelines run by the worker
// runtime. Each processor reads its inputs from completed dependency jobs,
// reconciles the enhancements it wants to apply, calls providers in sequence
// and stores the artifacts under the manifest's key prefix.
package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/providers"
	"studio/internal/resolver"
	"studio/internal/storage"
	"studio/internal/worker"
)

// Env bundles the collaborators every processor needs.
type Env struct {
	Ledger   domain.Ledger
	Provider providers.Provider
	Store    *storage.FileStore
	Logger   infra.Logger
}

// All returns one processor per job type.
func All(env Env) map[domain.JobType]worker.Processor {
	return map[domain.JobType]worker.Processor{
		domain.JobTypeAssetPrep:   &AssetPrep{env: env},
		domain.JobTypeNarration:   &Narration{env: env},
		domain.JobTypeCompose:     &Composition{env: env},
		domain.JobTypeFinalRender: &Render{env: env},
	}
}

// assetIndex is the output of an asset prep job: the stored image keys in
// element order.
type assetIndex struct {
	SceneID string   `json:"scene_id"`
	Keys    []string `json:"keys"`
	Skipped []int    `json:"skipped,omitempty"`
}

// reconcile clamps a proposal against the manifest's profile.
func (e Env) reconcile(ctx context.Context, manifestID string, proposed domain.Enhancements) (domain.Enhancements, []string, error) {
	manifest, err := e.Ledger.GetManifest(ctx, manifestID)
	if err != nil {
		return proposed, nil, fmt.Errorf("load manifest %s: %w", manifestID, err)
	}
	res := resolver.Resolve(manifest.Profile, manifest.Profile.Constraints, proposed)
	return res.Apply(proposed), res.Warnings, nil
}

// dependencyOutput returns the output key of a completed dependency.
func (e Env) dependencyOutput(ctx context.Context, jobID string) (string, error) {
	dep, err := e.Ledger.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load dependency %s: %w", jobID, err)
	}
	if dep.Status != domain.JobStatusCompleted || dep.Result == nil || strings.TrimSpace(dep.Result.OutputRef) == "" {
		return "", fmt.Errorf("dependency %s (%s): %w", jobID, dep.Status, domain.ErrDependencyOutputAbsent)
	}
	return dep.Result.OutputRef, nil
}

// assetKeys resolves an asset prep dependency to its image keys.
func (e Env) assetKeys(ctx context.Context, jobID string) ([]string, error) {
	ref, err := e.dependencyOutput(ctx, jobID)
	if err != nil {
		return nil, err
	}
	raw, err := e.Store.Read(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("dependency %s: %w: %v", jobID, domain.ErrDependencyOutputAbsent, err)
	}
	var idx assetIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("dependency %s: %w: decode asset index: %v", jobID, domain.ErrDependencyOutputAbsent, err)
	}
	return idx.Keys, nil
}

func (e Env) persist(ctx context.Context, key string, out *providers.Output) (string, error) {
	if out == nil || len(out.Data) == 0 {
		return "", fmt.Errorf("persist %s: provider returned no data", key)
	}
	return e.Store.Write(ctx, ensureExtension(key, out.MIME), out.Data)
}

func sceneKey(manifestID, sceneID, name string) string {
	return domain.ManifestOutputKey(manifestID, "scenes", sceneID, name)
}

func ensureExtension(key, mime string) string {
	expected := extensionForMIME(mime)
	if expected == "" || path.Ext(key) != "" {
		return key
	}
	return key + expected
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	case "application/json":
		return ".json"
	default:
		return ""
	}
}

func joinParams(values []string) string {
	return strings.Join(values, ",")
}

func payloadOf[T domain.Payload](job *domain.Job) (T, error) {
	p, ok := job.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("job %s: %w: unexpected payload %T", job.ID, domain.ErrPayloadMismatch, job.Payload)
	}
	return p, nil
}
