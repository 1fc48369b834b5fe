// Package compiler turns a validated treatment into a manifest plus a
// dependency-ordered set of jobs and writes them to the ledger in one step.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/notify"
)

// jobNamespace seeds deterministic job ids so recompiling a manifest id
// always yields the same job ids.
var jobNamespace = uuid.MustParse("8a1f4d3e-6c0b-5e27-9d41-2f7b8c6a9e10")

// DefaultRetryPolicies apply when no WithRetryPolicy option overrides a type.
var DefaultRetryPolicies = map[domain.JobType]domain.RetryPolicy{
	domain.JobTypeAssetPrep:   {MaxRetries: 3, Backoff: domain.BackoffExponential, Initial: 2 * time.Second, Max: time.Minute, Jitter: true},
	domain.JobTypeNarration:   {MaxRetries: 3, Backoff: domain.BackoffExponential, Initial: 2 * time.Second, Max: time.Minute, Jitter: true},
	domain.JobTypeCompose:     {MaxRetries: 2, Backoff: domain.BackoffExponential, Initial: 5 * time.Second, Max: 2 * time.Minute},
	domain.JobTypeFinalRender: {MaxRetries: 2, Backoff: domain.BackoffFixed, Initial: 30 * time.Second},
}

// Request is everything the compiler needs for one manifest. ManifestID is
// optional; supplying it makes recompilation idempotent.
type Request struct {
	ManifestID  string                   `json:"manifest_id,omitempty" yaml:"manifest_id,omitempty"`
	UserID      string                   `json:"-" yaml:"-"`
	Treatment   domain.Treatment         `json:"treatment" yaml:"treatment"`
	Constraints domain.OutputConstraints `json:"constraints" yaml:"constraints"`
	Profile     domain.ProfileContext    `json:"profile" yaml:"profile"`
}

// Plan is a compiled but not yet persisted manifest.
type Plan struct {
	Manifest *domain.Manifest `json:"manifest"`
	Jobs     []*domain.Job    `json:"jobs"`
}

// Result is returned to the intake caller after a successful compile.
type Result struct {
	ManifestID string   `json:"manifest_id"`
	JobCount   int      `json:"job_count"`
	Warnings   []string `json:"warnings,omitempty"`
}

type Option func(*Compiler)

// WithRetryPolicy overrides the retry policy of one job type.
func WithRetryPolicy(jobType domain.JobType, policy domain.RetryPolicy) Option {
	return func(c *Compiler) { c.policies[jobType] = policy }
}

// WithIDGenerator replaces the manifest id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Compiler) { c.newID = fn }
}

type Compiler struct {
	ledger    domain.Ledger
	publisher notify.Publisher
	logger    infra.Logger
	policies  map[domain.JobType]domain.RetryPolicy
	newID     func() string
}

func New(ledger domain.Ledger, publisher notify.Publisher, logger infra.Logger, opts ...Option) *Compiler {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	c := &Compiler{
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		policies:  make(map[domain.JobType]domain.RetryPolicy, len(DefaultRetryPolicies)),
		newID:     func() string { return uuid.NewString() },
	}
	for t, p := range DefaultRetryPolicies {
		c.policies[t] = p
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile validates, plans and persists a manifest, then announces it. A
// publish failure is logged only; workers find the jobs by polling.
func (c *Compiler) Compile(ctx context.Context, req Request) (*Result, error) {
	plan, err := c.Plan(req)
	if err != nil {
		c.logger.Info().Err(err).Str("user_id", req.UserID).Msg("compiler: treatment rejected")
		return nil, err
	}
	manifest := plan.Manifest

	id, err := c.ledger.CreateManifestWithJobs(ctx, manifest, plan.Jobs)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateManifest) {
			return nil, fmt.Errorf("compile %s: %w", manifest.ID, err)
		}
		return nil, fmt.Errorf("compile %s: %w: %w", manifest.ID, domain.ErrPersistence, err)
	}

	c.logger.Info().
		Str("manifest_id", id).
		Str("user_id", manifest.UserID).
		Int("job_count", len(plan.Jobs)).
		Int("warnings", len(manifest.Warnings)).
		Msg("compiler: manifest persisted")

	evt := notify.Event{ManifestID: id, JobCount: len(plan.Jobs), UserID: manifest.UserID}
	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.logger.Warn().Err(err).Str("manifest_id", id).Msg("compiler: dispatch notification failed")
	}

	return &Result{ManifestID: id, JobCount: len(plan.Jobs), Warnings: manifest.Warnings}, nil
}

// Plan is the pure part of Compile: nothing is persisted or published.
func (c *Compiler) Plan(req Request) (*Plan, error) {
	profile := req.Profile.WithDefaults()
	constraints, warnings, err := validate(req, profile)
	if err != nil {
		return nil, err
	}

	manifestID := strings.TrimSpace(req.ManifestID)
	if manifestID == "" {
		manifestID = c.newID()
	}

	manifest := &domain.Manifest{
		ID:      manifestID,
		UserID:  req.UserID,
		Profile: profile,
		Payload: domain.ManifestPayload{
			Title:       strings.TrimSpace(req.Treatment.Title),
			Constraints: constraints,
		},
		Warnings: warnings,
	}

	jobs := c.buildJobs(manifest, req.Treatment.Scenes)

	for _, perr := range bindManifestRefs(manifestID, jobs) {
		manifest.Warnings = append(manifest.Warnings, perr.Error())
		c.logger.Warn().Err(perr).Str("manifest_id", manifestID).Msg("compiler: manifest reference unresolved")
	}

	ordered, err := topoOrder(jobs)
	if err != nil {
		return nil, err
	}
	return &Plan{Manifest: manifest, Jobs: ordered}, nil
}

func (c *Compiler) buildJobs(manifest *domain.Manifest, scenes []domain.Scene) []*domain.Job {
	constraints := manifest.Payload.Constraints
	style := manifest.Profile.Constraints.Style
	voice := manifest.Profile.Constraints.AudioStyle.VoiceStyle
	sceneCount := len(scenes)

	var jobs []*domain.Job
	compositions := make([]string, 0, sceneCount)
	for i, scene := range scenes {
		var content []string
		var assetID, narrationID string

		if len(scene.VisualElements) > 0 {
			j := c.newJob(manifest.ID, scene.ID, domain.JobTypeAssetPrep, priority(depthContent, sceneCount, i), nil, &domain.AssetPrepPayload{
				SceneID:     scene.ID,
				SceneIndex:  i,
				Elements:    scene.VisualElements,
				AspectRatio: constraints.AspectRatio,
				VisualStyle: style.VisualStyle,
				Palette:     style.Palette,
			})
			assetID = j.ID
			content = append(content, j.ID)
			jobs = append(jobs, j)
		}
		if strings.TrimSpace(scene.Narration) != "" {
			j := c.newJob(manifest.ID, scene.ID, domain.JobTypeNarration, priority(depthContent, sceneCount, i), nil, &domain.NarrationPayload{
				SceneID:         scene.ID,
				SceneIndex:      i,
				Text:            scene.Narration,
				Speaker:         scene.Speaker,
				Language:        constraints.Language,
				Tone:            constraints.Tone,
				VoiceStyle:      firstNonEmpty(scene.VoiceStyle, voice),
				DurationSeconds: scene.DurationSeconds,
			})
			narrationID = j.ID
			content = append(content, j.ID)
			jobs = append(jobs, j)
		}

		compose := c.newJob(manifest.ID, scene.ID, domain.JobTypeCompose, priority(depthComposition, sceneCount, i), content, &domain.CompositionPayload{
			SceneID:         scene.ID,
			SceneIndex:      i,
			DurationSeconds: scene.DurationSeconds,
			AssetJobID:      assetID,
			NarrationJobID:  narrationID,
			LipSync:         scene.Speaker != "" && narrationID != "",
			AudioCues:       scene.AudioCues,
			Effects:         scene.Effects,
			Transition:      scene.Transition,
		})
		jobs = append(jobs, compose)
		compositions = append(compositions, compose.ID)

		manifest.Payload.Scenes = append(manifest.Payload.Scenes, domain.ManifestScene{
			ID:              scene.ID,
			Index:           i,
			DurationSeconds: scene.DurationSeconds,
			JobIDs:          content,
			CompositionJob:  compose.ID,
		})
	}

	render := c.newJob(manifest.ID, "", domain.JobTypeFinalRender, priority(depthRender, sceneCount, sceneCount), compositions, &domain.RenderPayload{
		Compositions:    append([]string(nil), compositions...),
		AspectRatio:     constraints.AspectRatio,
		Platform:        constraints.Platform,
		Language:        constraints.Language,
		DurationSeconds: constraints.DurationSeconds,
	})
	manifest.Payload.RenderJob = render.ID
	return append(jobs, render)
}

func (c *Compiler) newJob(manifestID, sceneID string, jobType domain.JobType, prio int, deps []string, payload domain.Payload) *domain.Job {
	return &domain.Job{
		ID:          JobID(manifestID, sceneID, jobType),
		ManifestID:  manifestID,
		Type:        jobType,
		Payload:     payload,
		Priority:    prio,
		DependsOn:   deps,
		RetryPolicy: c.policies[jobType],
	}
}

// JobID derives the id of a job from its manifest, scene and type.
func JobID(manifestID, sceneID string, jobType domain.JobType) string {
	return uuid.NewSHA1(jobNamespace, []byte(manifestID+"|"+sceneID+"|"+string(jobType))).String()
}

// Hops from a job to the final render.
const (
	depthRender      = 0
	depthComposition = 1
	depthContent     = 2
)

// priority ranks jobs closer to the final render first, then earlier scenes.
func priority(depth, sceneCount, sceneIndex int) int {
	return 1000*(3-depth) + (sceneCount - sceneIndex)
}

// bindManifestRefs hands the manifest id to every payload that needs it.
// Failures are recorded on the job rather than aborting the compile.
func bindManifestRefs(manifestID string, jobs []*domain.Job) []error {
	var errs []error
	for _, j := range jobs {
		binder, ok := j.Payload.(domain.ManifestBinder)
		if !ok {
			continue
		}
		if err := binder.BindManifest(manifestID); err != nil {
			perr := &domain.PlaceholderResolutionError{JobID: j.ID, Err: err}
			j.Warnings = append(j.Warnings, perr.Error())
			errs = append(errs, perr)
		}
	}
	return errs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
