package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studio/internal/domain"
)

// Memory is a process-local Ledger. A single mutex makes every operation
// atomic, which gives the same exclusive-claim guarantee the Postgres ledger
// gets from its conditional update. Used for development and tests.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	manifests  map[string]*domain.Manifest
	jobs       map[string]*domain.Job
	byManifest map[string][]string
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:        time.Now,
		manifests:  make(map[string]*domain.Manifest),
		jobs:       make(map[string]*domain.Job),
		byManifest: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) CreateManifestWithJobs(ctx context.Context, manifest *domain.Manifest, jobs []*domain.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	stored := *manifest
	copies := make([]*domain.Job, len(jobs))
	for i, j := range jobs {
		copies[i] = j.Clone()
	}
	if err := PrepareJobs(&stored, copies, now); err != nil {
		return "", err
	}
	if _, exists := m.manifests[stored.ID]; exists {
		return "", fmt.Errorf("manifest %s: %w", stored.ID, domain.ErrDuplicateManifest)
	}
	for _, j := range copies {
		if _, exists := m.jobs[j.ID]; exists {
			return "", fmt.Errorf("job %s: %w", j.ID, domain.ErrDuplicateManifest)
		}
	}

	stored.Warnings = append([]string(nil), manifest.Warnings...)
	m.manifests[stored.ID] = &stored
	ids := make([]string, len(copies))
	for i, j := range copies {
		m.jobs[j.ID] = j
		ids[i] = j.ID
	}
	m.byManifest[stored.ID] = ids
	return stored.ID, nil
}

func (m *Memory) ClaimNextJob(ctx context.Context, jobType domain.JobType, workerID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var candidates []*domain.Job
	for _, j := range m.jobs {
		if j.Type != jobType || !j.Status.Claimable() {
			continue
		}
		if j.AvailableAt.After(now) || j.RetryPolicy.Exhausted(j.Attempts) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoJobAvailable
	}
	SortJobs(candidates)

	j := candidates[0]
	j.Status = domain.JobStatusInProgress
	j.Attempts++
	j.WorkerID = workerID
	claimed := now
	j.ClaimedAt = &claimed
	heartbeat := now
	j.HeartbeatAt = &heartbeat
	j.UpdatedAt = now
	m.touchManifest(j.ManifestID, now)
	return j.Clone(), nil
}

func (m *Memory) ReportJobOutcome(ctx context.Context, jobID string, outcome domain.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err := CheckClaim(j, outcome.WorkerID, outcome.Attempt); err != nil {
		return err
	}
	m.settle(j, outcome, m.now().UTC())
	return nil
}

// settle applies an outcome to an in_progress job. Callers hold mu.
func (m *Memory) settle(j *domain.Job, outcome domain.Outcome, now time.Time) {
	status, availableAt := Settle(j, outcome, now)
	j.Attempts = SettledAttempts(j, outcome)
	j.Status = status
	j.AvailableAt = availableAt
	j.UpdatedAt = now
	j.HeartbeatAt = nil
	switch status {
	case domain.JobStatusCompleted:
		j.Result = outcome.Result
		j.LastError = ""
		m.promote(j)
	case domain.JobStatusRetrying:
		j.LastError = outcome.Error
	case domain.JobStatusFailed:
		j.LastError = outcome.Error
		m.block(j)
	}
	m.touchManifest(j.ManifestID, now)
}

func (m *Memory) promote(completed *domain.Job) {
	siblings := m.manifestJobs(completed.ManifestID)
	for _, id := range ReadyDependents(siblings, completed.ID) {
		dep := m.jobs[id]
		dep.Status = domain.JobStatusEligible
		dep.AvailableAt = completed.UpdatedAt
		dep.UpdatedAt = completed.UpdatedAt
	}
}

func (m *Memory) block(failed *domain.Job) {
	siblings := m.manifestJobs(failed.ManifestID)
	for _, id := range TransitiveDependents(siblings, failed.ID) {
		dep := m.jobs[id]
		if dep.Status != domain.JobStatusPending && dep.Status != domain.JobStatusEligible {
			continue
		}
		dep.Status = domain.JobStatusBlocked
		dep.BlockedBy = failed.ID
		dep.UpdatedAt = failed.UpdatedAt
	}
}

func (m *Memory) GetJobsByManifest(ctx context.Context, manifestID string) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.manifests[manifestID]; !ok {
		return nil, fmt.Errorf("manifest %s: %w", manifestID, domain.ErrNotFound)
	}
	jobs := m.manifestJobs(manifestID)
	out := make([]*domain.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	SortJobs(out)
	return out, nil
}

func (m *Memory) GetManifest(ctx context.Context, manifestID string) (*domain.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.manifests[manifestID]
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", manifestID, domain.ErrNotFound)
	}
	out := *stored
	out.Warnings = append([]string(nil), stored.Warnings...)
	return &out, nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *Memory) Heartbeat(ctx context.Context, jobID, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err := CheckClaim(j, workerID, 0); err != nil {
		return err
	}
	now := m.now().UTC()
	j.HeartbeatAt = &now
	return nil
}

func (m *Memory) ReapStaleJobs(ctx context.Context, timeout time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cutoff := now.Add(-timeout)
	var reaped []string
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusInProgress {
			continue
		}
		last := j.HeartbeatAt
		if last == nil {
			last = j.ClaimedAt
		}
		if last != nil && last.After(cutoff) {
			continue
		}
		m.settle(j, domain.Outcome{Kind: domain.OutcomeRetry, Error: LivenessError}, now)
		reaped = append(reaped, j.ID)
	}
	return reaped, nil
}

// manifestJobs returns the live job records of a manifest. Callers hold mu.
func (m *Memory) manifestJobs(manifestID string) []*domain.Job {
	ids := m.byManifest[manifestID]
	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, m.jobs[id])
	}
	return jobs
}

func (m *Memory) touchManifest(manifestID string, now time.Time) {
	manifest, ok := m.manifests[manifestID]
	if !ok {
		return
	}
	manifest.Status = DeriveManifestStatus(m.manifestJobs(manifestID))
	manifest.UpdatedAt = now
}

var _ domain.Ledger = (*Memory)(nil)
