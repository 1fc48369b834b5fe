package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

var quickRetry = domain.RetryPolicy{MaxRetries: 2, Backoff: domain.BackoffFixed, Initial: time.Second}

// twoSceneManifest builds asset(s1), asset(s2) -> compose(s1), compose(s2) -> render.
func twoSceneManifest(id string) (*domain.Manifest, []*domain.Job) {
	asset := func(jobID, scene string, idx int) *domain.Job {
		return &domain.Job{
			ID: jobID, ManifestID: id, Type: domain.JobTypeAssetPrep, Priority: 2000 + 2 - idx,
			RetryPolicy: quickRetry,
			Payload:     &domain.AssetPrepPayload{SceneID: scene, SceneIndex: idx, Elements: []domain.VisualElement{{Description: "sky"}}},
		}
	}
	compose := func(jobID, scene, dep string, idx int) *domain.Job {
		return &domain.Job{
			ID: jobID, ManifestID: id, Type: domain.JobTypeCompose, Priority: 1000 + 2 - idx,
			DependsOn: []string{dep}, RetryPolicy: quickRetry,
			Payload: &domain.CompositionPayload{SceneID: scene, SceneIndex: idx, DurationSeconds: 10, AssetJobID: dep},
		}
	}
	jobs := []*domain.Job{
		asset(id+"-a1", "s1", 0),
		asset(id+"-a2", "s2", 1),
		compose(id+"-c1", "s1", id+"-a1", 0),
		compose(id+"-c2", "s2", id+"-a2", 1),
		{
			ID: id + "-r", ManifestID: id, Type: domain.JobTypeFinalRender, Priority: 3000,
			DependsOn: []string{id + "-c1", id + "-c2"}, RetryPolicy: quickRetry,
			Payload: &domain.RenderPayload{Compositions: []string{id + "-c1", id + "-c2"}, DurationSeconds: 20},
		},
	}
	return &domain.Manifest{ID: id, UserID: "u1"}, jobs
}

func seed(t *testing.T, l *Memory, id string) {
	t.Helper()
	m, jobs := twoSceneManifest(id)
	got, err := l.CreateManifestWithJobs(context.Background(), m, jobs)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func complete(t *testing.T, l *Memory, jobType domain.JobType) *domain.Job {
	t.Helper()
	j, err := l.ClaimNextJob(context.Background(), jobType, "w1")
	require.NoError(t, err)
	require.NoError(t, l.ReportJobOutcome(context.Background(), j.ID, domain.Outcome{
		Kind: domain.OutcomeCompleted, WorkerID: "w1", Attempt: j.Attempts,
		Result: &domain.JobResult{OutputRef: "out/" + j.ID},
	}))
	return j
}

func TestCreateManifestSetsInitialStatuses(t *testing.T) {
	l := NewMemory()
	seed(t, l, "m1")

	jobs, err := l.GetJobsByManifest(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	byID := map[string]domain.JobStatus{}
	for _, j := range jobs {
		byID[j.ID] = j.Status
	}
	assert.Equal(t, domain.JobStatusEligible, byID["m1-a1"])
	assert.Equal(t, domain.JobStatusEligible, byID["m1-a2"])
	assert.Equal(t, domain.JobStatusPending, byID["m1-c1"])
	assert.Equal(t, domain.JobStatusPending, byID["m1-r"])

	assert.Equal(t, "m1-r", jobs[0].ID, "jobs are ordered by priority desc")
	assert.Equal(t, "m1-a2", jobs[len(jobs)-1].ID)

	m, err := l.GetManifest(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestStatusPlanning, m.Status)
}

func TestCreateManifestIsAllOrNothing(t *testing.T) {
	l := NewMemory()
	m, jobs := twoSceneManifest("m1")
	jobs[3].Payload = &domain.NarrationPayload{SceneID: "s2", Text: "wrong kind"}

	_, err := l.CreateManifestWithJobs(context.Background(), m, jobs)
	require.ErrorIs(t, err, domain.ErrPayloadMismatch)

	_, err = l.GetManifest(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.GetJob(context.Background(), "m1-a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateManifestRejectsDuplicatesAndUnknownDependencies(t *testing.T) {
	l := NewMemory()
	seed(t, l, "m1")

	m, jobs := twoSceneManifest("m1")
	_, err := l.CreateManifestWithJobs(context.Background(), m, jobs)
	assert.ErrorIs(t, err, domain.ErrDuplicateManifest)

	m, jobs = twoSceneManifest("m2")
	jobs[2].DependsOn = []string{"elsewhere"}
	_, err = l.CreateManifestWithJobs(context.Background(), m, jobs)
	assert.ErrorIs(t, err, domain.ErrUnknownDependency)
}

func TestClaimRespectsDependencies(t *testing.T) {
	l := NewMemory()
	seed(t, l, "m1")
	ctx := context.Background()

	_, err := l.ClaimNextJob(ctx, domain.JobTypeCompose, "w1")
	require.ErrorIs(t, err, domain.ErrNoJobAvailable, "compositions wait for their assets")

	first := complete(t, l, domain.JobTypeAssetPrep)
	assert.Equal(t, "m1-a1", first.ID, "earlier scenes carry higher priority")

	c, err := l.ClaimNextJob(ctx, domain.JobTypeCompose, "w1")
	require.NoError(t, err)
	assert.Equal(t, "m1-c1", c.ID)
	assert.Equal(t, domain.JobStatusInProgress, c.Status)
	assert.Equal(t, 1, c.Attempts)

	_, err = l.ClaimNextJob(ctx, domain.JobTypeCompose, "w1")
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable, "c2 still waits for a2")

	m, err := l.GetManifest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestStatusInProgress, m.Status)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	l := NewMemory()
	m := &domain.Manifest{ID: "solo"}
	jobs := []*domain.Job{{
		ID: "solo-a", ManifestID: "solo", Type: domain.JobTypeAssetPrep, RetryPolicy: quickRetry,
		Payload: &domain.AssetPrepPayload{SceneID: "s1", Elements: []domain.VisualElement{{Description: "x"}}},
	}}
	_, err := l.CreateManifestWithJobs(context.Background(), m, jobs)
	require.NoError(t, err)

	const claimants = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		misses  int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			j, err := l.ClaimNextJob(context.Background(), domain.JobTypeAssetPrep, "w")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrNoJobAvailable) {
				misses++
				return
			}
			winners = append(winners, j.ID)
		}(i)
	}
	wg.Wait()
	assert.Len(t, winners, 1)
	assert.Equal(t, claimants-1, misses)
}

func TestRetriesExhaustThenBlockDependents(t *testing.T) {
	clock := newClock()
	l := NewMemory(WithClock(clock.Now))
	seed(t, l, "m1")
	ctx := context.Background()

	// scene 2 succeeds end to end, scene 1 asset fails three times.
	var attempts int
	for {
		j, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
		if errors.Is(err, domain.ErrNoJobAvailable) {
			clock.Advance(time.Minute)
			j, err = l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
			if errors.Is(err, domain.ErrNoJobAvailable) {
				break
			}
		}
		require.NoError(t, err)
		if j.ID == "m1-a2" {
			require.NoError(t, l.ReportJobOutcome(ctx, j.ID, domain.Outcome{Kind: domain.OutcomeCompleted, WorkerID: "w1", Attempt: j.Attempts}))
			continue
		}
		attempts++
		require.LessOrEqual(t, j.Attempts, quickRetry.MaxAttempts())
		require.NoError(t, l.ReportJobOutcome(ctx, j.ID, domain.Outcome{
			Kind: domain.OutcomeRetry, WorkerID: "w1", Attempt: j.Attempts, Error: "provider timeout",
		}))
	}
	assert.Equal(t, 3, attempts)

	complete(t, l, domain.JobTypeCompose)

	jobs, err := l.GetJobsByManifest(ctx, "m1")
	require.NoError(t, err)
	status := map[string]*domain.Job{}
	for _, j := range jobs {
		status[j.ID] = j
	}
	assert.Equal(t, domain.JobStatusFailed, status["m1-a1"].Status)
	assert.Equal(t, 3, status["m1-a1"].Attempts)
	assert.Equal(t, "provider timeout", status["m1-a1"].LastError)
	assert.Equal(t, domain.JobStatusBlocked, status["m1-c1"].Status)
	assert.Equal(t, "m1-a1", status["m1-c1"].BlockedBy)
	assert.Equal(t, domain.JobStatusBlocked, status["m1-r"].Status, "blocking propagates transitively")
	assert.Equal(t, domain.JobStatusCompleted, status["m1-a2"].Status)
	assert.Equal(t, domain.JobStatusCompleted, status["m1-c2"].Status)

	m, err := l.GetManifest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestStatusFailed, m.Status)
	summary := Summarize(jobs)
	assert.True(t, summary.Partial())
	assert.Equal(t, 2, summary.Counts[domain.JobStatusCompleted])
	assert.Equal(t, 2, summary.Counts[domain.JobStatusBlocked])
}

func TestRetryingJobWaitsForBackoff(t *testing.T) {
	clock := newClock()
	l := NewMemory(WithClock(clock.Now))
	seed(t, l, "m1")
	ctx := context.Background()

	j, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
	require.NoError(t, err)
	require.NoError(t, l.ReportJobOutcome(ctx, j.ID, domain.Outcome{
		Kind: domain.OutcomeRetry, WorkerID: "w1", Attempt: 1, RetryAt: clock.Now().Add(30 * time.Second),
	}))

	next, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
	require.NoError(t, err)
	assert.Equal(t, "m1-a2", next.ID, "the retrying job is not yet available")

	clock.Advance(31 * time.Second)
	again, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w2")
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "w2", again.WorkerID)
}

func TestReapStaleJobsReturnsThemToRetry(t *testing.T) {
	clock := newClock()
	l := NewMemory(WithClock(clock.Now))
	seed(t, l, "m1")
	ctx := context.Background()

	j, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	reaped, err := l.ReapStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	require.NoError(t, l.Heartbeat(ctx, j.ID, "w1"))
	clock.Advance(2 * time.Minute)
	reaped, err = l.ReapStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, reaped)

	got, err := l.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, got.Status)
	assert.Equal(t, LivenessError, got.LastError)

	err = l.ReportJobOutcome(ctx, j.ID, domain.Outcome{Kind: domain.OutcomeCompleted, WorkerID: "w1", Attempt: 1})
	assert.ErrorIs(t, err, domain.ErrStaleClaim, "the hung worker lost its claim")
	assert.ErrorIs(t, l.Heartbeat(ctx, j.ID, "w1"), domain.ErrStaleClaim)
}

func TestReportRejectsForeignWorker(t *testing.T) {
	l := NewMemory()
	seed(t, l, "m1")
	ctx := context.Background()

	j, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
	require.NoError(t, err)
	err = l.ReportJobOutcome(ctx, j.ID, domain.Outcome{Kind: domain.OutcomeCompleted, WorkerID: "w2", Attempt: 1})
	assert.ErrorIs(t, err, domain.ErrStaleClaim)
	assert.ErrorIs(t, l.ReportJobOutcome(ctx, "missing", domain.Outcome{}), domain.ErrNotFound)
}

func TestManifestCompletesWhenAllJobsComplete(t *testing.T) {
	l := NewMemory()
	seed(t, l, "m1")

	complete(t, l, domain.JobTypeAssetPrep)
	complete(t, l, domain.JobTypeAssetPrep)
	complete(t, l, domain.JobTypeCompose)
	complete(t, l, domain.JobTypeCompose)
	render := complete(t, l, domain.JobTypeFinalRender)
	assert.Equal(t, "m1-r", render.ID)

	m, err := l.GetManifest(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestStatusCompleted, m.Status)
}

func TestReleasedJobKeepsItsAttemptBudget(t *testing.T) {
	clock := newClock()
	l := NewMemory(WithClock(clock.Now))
	seed(t, l, "m1")
	ctx := context.Background()

	j, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w1")
	require.NoError(t, err)
	require.NoError(t, l.ReportJobOutcome(ctx, j.ID, domain.Outcome{
		Kind: domain.OutcomeReleased, WorkerID: "w1", Attempt: 1, Error: "context canceled",
	}))

	released, err := l.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, released.Status)
	assert.Equal(t, 0, released.Attempts)

	m, err := l.GetManifest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestStatusInProgress, m.Status)

	again, err := l.ClaimNextJob(ctx, domain.JobTypeAssetPrep, "w2")
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}
