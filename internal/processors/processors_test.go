package processors

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio/internal/compiler"
	"studio/internal/domain"
	"studio/internal/ledger"
	"studio/internal/providers"
	"studio/internal/providers/genai"
	"studio/internal/storage"
	"studio/internal/worker"
)

// recorder wraps the synthetic genai client and keeps every request.
type recorder struct {
	mu    sync.Mutex
	next  providers.Provider
	calls []providers.Input
	fail  func(providers.Input) error
}

func (r *recorder) Execute(ctx context.Context, in providers.Input) (*providers.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, in)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(in); err != nil {
			return nil, err
		}
	}
	return r.next.Execute(ctx, in)
}

func (r *recorder) ops() []providers.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]providers.Operation, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Operation)
	}
	return out
}

func (r *recorder) last(op providers.Operation) providers.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Operation == op {
			return r.calls[i]
		}
	}
	return providers.Input{}
}

type fixture struct {
	ledger *ledger.Memory
	store  *storage.FileStore
	rec    *recorder
	procs  map[domain.JobType]worker.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := genai.NewClient(genai.Options{})
	require.NoError(t, err)
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{ledger: ledger.NewMemory(), store: store, rec: &recorder{next: client}}
	f.procs = All(Env{Ledger: f.ledger, Provider: f.rec, Store: store, Logger: zerolog.New(io.Discard)})
	return f
}

func (f *fixture) compile(t *testing.T, req compiler.Request) {
	t.Helper()
	_, err := compiler.New(f.ledger, nil, zerolog.New(io.Discard)).Compile(context.Background(), req)
	require.NoError(t, err)
}

// run claims the next job of a type, processes it and reports the outcome.
func (f *fixture) run(t *testing.T, jobType domain.JobType) (*domain.Job, *domain.JobResult, error) {
	t.Helper()
	ctx := context.Background()
	job, err := f.ledger.ClaimNextJob(ctx, jobType, "test-worker")
	require.NoError(t, err)

	res, perr := f.procs[jobType].Process(ctx, job)
	outcome := domain.Outcome{Kind: domain.OutcomeCompleted, WorkerID: "test-worker", Attempt: job.Attempts, Result: res}
	if perr != nil {
		outcome = domain.Outcome{Kind: domain.OutcomeFailed, WorkerID: "test-worker", Attempt: job.Attempts, Error: perr.Error()}
	}
	require.NoError(t, f.ledger.ReportJobOutcome(ctx, job.ID, outcome))
	return job, res, perr
}

func speakingScene(id string) compiler.Request {
	return compiler.Request{
		ManifestID: id,
		UserID:     "user-1",
		Treatment: domain.Treatment{
			Title: "Keeper",
			Scenes: []domain.Scene{{
				ID:              "s1",
				Narration:       "The lamp must stay lit.",
				Speaker:         "keeper",
				DurationSeconds: 12,
				VisualElements: []domain.VisualElement{
					{Description: "lighthouse keeper portrait", Required: true, Palette: []string{"#112233"}},
					{Description: "stormy sea"},
				},
				AudioCues: []domain.AudioCue{{Kind: "music", Intensity: 0.9}, {Kind: "wind", Intensity: 0.5}},
				Effects:   []string{"grain", "strobe"},
			}},
			AudioArc: &domain.AudioArc{Mood: "brooding"},
		},
		Constraints: domain.OutputConstraints{DurationSeconds: 12, AspectRatio: "9:16", Platform: "tiktok", Language: "en"},
		Profile: domain.ProfileContext{Constraints: domain.HardConstraints{
			Effects:    domain.EffectConstraints{Forbidden: []string{"strobe"}},
			AudioStyle: domain.AudioConstraints{MaxMusicIntensity: 0.6},
		}},
	}
}

func TestPipelineProducesFinalRender(t *testing.T) {
	f := newFixture(t)
	f.compile(t, speakingScene("m-pipe"))
	ctx := context.Background()

	_, asset, err := f.run(t, domain.JobTypeAssetPrep)
	require.NoError(t, err)
	assert.Equal(t, "manifests/m-pipe/scenes/s1/assets.json", asset.OutputRef)
	assert.Equal(t, "2", asset.Metadata["assets"])

	_, narration, err := f.run(t, domain.JobTypeNarration)
	require.NoError(t, err)
	assert.Equal(t, "manifests/m-pipe/scenes/s1/narration.wav", narration.OutputRef)
	assert.Equal(t, "keeper", narration.Metadata["speaker"])

	_, compose, err := f.run(t, domain.JobTypeCompose)
	require.NoError(t, err)
	assert.Equal(t, "manifests/m-pipe/scenes/s1/composition.mp4", compose.OutputRef)
	assert.Equal(t, "true", compose.Metadata["lip_sync"])
	require.NotNil(t, compose.Enhancements)
	assert.Equal(t, []string{"grain"}, compose.Enhancements.Effects)
	require.NotNil(t, compose.Enhancements.MusicIntensity)
	assert.Equal(t, 0.6, *compose.Enhancements.MusicIntensity)
	assert.Len(t, compose.Warnings, 2)

	_, render, err := f.run(t, domain.JobTypeFinalRender)
	require.NoError(t, err)
	assert.Equal(t, "manifests/m-pipe/final.mp4", render.OutputRef)

	assert.Equal(t, []providers.Operation{
		providers.OpImageGenerate,
		providers.OpImageGenerate,
		providers.OpSpeechSynthesize,
		providers.OpLipSyncCompose,
		providers.OpSceneCompose,
		providers.OpVideoRender,
	}, f.rec.ops())

	scene := f.rec.last(providers.OpSceneCompose)
	require.Len(t, scene.Inputs, 3)
	assert.Equal(t, "manifests/m-pipe/scenes/s1/lipsync.mp4", scene.Inputs[0])
	assert.Equal(t, "0.60", scene.Params["music_intensity"])
	assert.Equal(t, []string{compose.OutputRef}, f.rec.last(providers.OpVideoRender).Inputs)

	for _, key := range []string{asset.OutputRef, narration.OutputRef, compose.OutputRef, render.OutputRef, "manifests/m-pipe/scenes/s1/element-01.png"} {
		ok, err := f.store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	m, err := f.ledger.GetManifest(ctx, "m-pipe")
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestStatusCompleted, m.Status)
}

func TestAssetPrepSkipsOptionalElementOnTerminalError(t *testing.T) {
	f := newFixture(t)
	f.compile(t, speakingScene("m-skip"))
	f.rec.fail = func(in providers.Input) error {
		if strings.HasSuffix(in.RequestID, "/1") {
			return providers.Terminal(in.Operation, errors.New("content policy"))
		}
		return nil
	}

	_, res, err := f.run(t, domain.JobTypeAssetPrep)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Metadata["assets"])
	assert.Equal(t, "1", res.Metadata["skipped"])
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "element 1 skipped")
}

func TestAssetPrepFailsOnRequiredElement(t *testing.T) {
	f := newFixture(t)
	f.compile(t, speakingScene("m-req"))
	f.rec.fail = func(in providers.Input) error {
		if strings.HasSuffix(in.RequestID, "/0") {
			return providers.Transient(in.Operation, errors.New("503"))
		}
		return nil
	}

	_, _, err := f.run(t, domain.JobTypeAssetPrep)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientProvider)
}

func TestAssetPrepClampsPaletteToProfile(t *testing.T) {
	f := newFixture(t)
	req := speakingScene("m-palette")
	req.Profile.Constraints.Style.Palette = []string{"#000000"}
	f.compile(t, req)

	_, res, err := f.run(t, domain.JobTypeAssetPrep)
	require.NoError(t, err)
	assert.Equal(t, "#000000", f.rec.last(providers.OpImageGenerate).Params["palette"])
	require.NotNil(t, res.Enhancements)
	assert.Equal(t, []string{"#000000"}, res.Enhancements.ColorPalette)
}

func TestCompositionRequiresDependencyOutputs(t *testing.T) {
	f := newFixture(t)
	f.compile(t, speakingScene("m-dep"))

	id := compiler.JobID("m-dep", "s1", domain.JobTypeCompose)
	job, err := f.ledger.GetJob(context.Background(), id)
	require.NoError(t, err)

	_, err = f.procs[domain.JobTypeCompose].Process(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrDependencyOutputAbsent)
	assert.Empty(t, f.rec.ops())
}

func TestRenderRefusesUnboundOutputKey(t *testing.T) {
	f := newFixture(t)
	job := &domain.Job{
		ID:         "render-1",
		ManifestID: "m-unbound",
		Type:       domain.JobTypeFinalRender,
		Payload:    &domain.RenderPayload{Compositions: []string{"c1"}, DurationSeconds: 10},
	}

	_, err := f.procs[domain.JobTypeFinalRender].Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, providers.IsTerminal(err))
	assert.ErrorIs(t, err, domain.ErrPlaceholderResolution)
}

func TestEnsureExtension(t *testing.T) {
	tests := []struct{ key, mime, want string }{
		{"a/narration", "audio/wav", "a/narration.wav"},
		{"a/final.mp4", "video/mp4", "a/final.mp4"},
		{"a/blob", "application/octet-stream", "a/blob"},
		{"a/still", "IMAGE/PNG", "a/still.png"},
	}
	for _, tt := range tests {
		if got := ensureExtension(tt.key, tt.mime); got != tt.want {
			t.Fatalf("ensureExtension(%q, %q) = %q, want %q", tt.key, tt.mime, got, tt.want)
		}
	}
}

func TestNarrationVoiceFollowsProfile(t *testing.T) {
	f := newFixture(t)
	req := speakingScene("m-voice")
	req.Profile.Constraints.AudioStyle.VoiceStyle = "gravelly"
	f.compile(t, req)

	_, res, err := f.run(t, domain.JobTypeNarration)
	require.NoError(t, err)
	assert.Equal(t, "gravelly", f.rec.last(providers.OpSpeechSynthesize).Params["voice_style"])
	assert.Equal(t, "gravelly", res.Enhancements.VoiceStyle)
}

func TestNarrationSceneVoiceIsClampedToProfile(t *testing.T) {
	f := newFixture(t)
	req := speakingScene("m-whisper")
	req.Treatment.Scenes[0].VoiceStyle = "whisper"
	req.Profile.Constraints.AudioStyle.VoiceStyle = "gravelly"
	f.compile(t, req)

	_, res, err := f.run(t, domain.JobTypeNarration)
	require.NoError(t, err)
	assert.Equal(t, "gravelly", f.rec.last(providers.OpSpeechSynthesize).Params["voice_style"])
	assert.NotEmpty(t, res.Warnings)

	// without a profile voice the scene's own style is used
	g := newFixture(t)
	free := speakingScene("m-free")
	free.Treatment.Scenes[0].VoiceStyle = "whisper"
	g.compile(t, free)
	_, _, err = g.run(t, domain.JobTypeNarration)
	require.NoError(t, err)
	assert.Equal(t, "whisper", g.rec.last(providers.OpSpeechSynthesize).Params["voice_style"])
}
