// Package ledger holds the in-memory Job Ledger and the rules every ledger
// implementation shares: boundary validation, eligibility recomputation and
// manifest status derivation.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"studio/internal/domain"
)

// LivenessError is recorded on jobs reclaimed after their worker stopped
// heartbeating.
const LivenessError = "liveness timeout exceeded"

// PrepareJobs validates a manifest and its jobs at the ledger boundary and
// stamps initial state: jobs without dependencies start eligible, the rest
// pending.
func PrepareJobs(manifest *domain.Manifest, jobs []*domain.Job, now time.Time) error {
	if manifest == nil || strings.TrimSpace(manifest.ID) == "" {
		return fmt.Errorf("%w: manifest id is required", domain.ErrPayloadMismatch)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("%w: manifest %s has no jobs", domain.ErrPayloadMismatch, manifest.ID)
	}
	ids := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("%w: job id is required", domain.ErrPayloadMismatch)
		}
		if ids[j.ID] {
			return fmt.Errorf("%w: job %s", domain.ErrDuplicateManifest, j.ID)
		}
		ids[j.ID] = true
	}
	for _, j := range jobs {
		if j.ManifestID != manifest.ID {
			return fmt.Errorf("%w: job %s belongs to manifest %q", domain.ErrPayloadMismatch, j.ID, j.ManifestID)
		}
		if !j.Type.Valid() {
			return fmt.Errorf("%w: job %s has unknown type %q", domain.ErrPayloadMismatch, j.ID, j.Type)
		}
		if err := domain.CheckPayload(j); err != nil {
			return err
		}
		for _, dep := range j.DependsOn {
			if !ids[dep] || dep == j.ID {
				return fmt.Errorf("job %s: %w %q", j.ID, domain.ErrUnknownDependency, dep)
			}
		}
		j.Status = domain.JobStatusPending
		if len(j.DependsOn) == 0 {
			j.Status = domain.JobStatusEligible
		}
		j.Attempts = 0
		j.WorkerID = ""
		j.AvailableAt = now
		j.CreatedAt = now
		j.UpdatedAt = now
	}
	manifest.Status = domain.ManifestStatusPlanning
	manifest.CreatedAt = now
	manifest.UpdatedAt = now
	return nil
}

// DeriveManifestStatus computes a manifest's status from its jobs: completed
// iff every job completed, failed iff any job failed or is blocked, planning
// while nothing has been attempted, otherwise in_progress.
func DeriveManifestStatus(jobs []*domain.Job) domain.ManifestStatus {
	if len(jobs) == 0 {
		return domain.ManifestStatusPlanning
	}
	completed := 0
	attempted := false
	for _, j := range jobs {
		switch j.Status {
		case domain.JobStatusFailed, domain.JobStatusBlocked:
			return domain.ManifestStatusFailed
		case domain.JobStatusCompleted:
			completed++
		}
		if j.Attempts > 0 || j.Status == domain.JobStatusInProgress || j.Status == domain.JobStatusRetrying {
			attempted = true
		}
	}
	switch {
	case completed == len(jobs):
		return domain.ManifestStatusCompleted
	case !attempted:
		return domain.ManifestStatusPlanning
	default:
		return domain.ManifestStatusInProgress
	}
}

// Summarize counts jobs per status.
func Summarize(jobs []*domain.Job) domain.JobSummary {
	s := domain.JobSummary{Total: len(jobs), Counts: make(map[domain.JobStatus]int)}
	for _, j := range jobs {
		s.Counts[j.Status]++
	}
	return s
}

// TransitiveDependents returns every job that depends, directly or through
// other jobs, on root.
func TransitiveDependents(jobs []*domain.Job, root string) []string {
	dependents := make(map[string][]string)
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			dependents[dep] = append(dependents[dep], j.ID)
		}
	}
	seen := map[string]bool{root: true}
	queue := []string{root}
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range dependents[current] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

// ReadyDependents returns the pending direct dependents of completed whose
// dependencies are now all completed.
func ReadyDependents(jobs []*domain.Job, completed string) []string {
	status := make(map[string]domain.JobStatus, len(jobs))
	for _, j := range jobs {
		status[j.ID] = j.Status
	}
	var out []string
	for _, j := range jobs {
		if j.Status != domain.JobStatusPending || !contains(j.DependsOn, completed) {
			continue
		}
		ready := true
		for _, dep := range j.DependsOn {
			if status[dep] != domain.JobStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, j.ID)
		}
	}
	return out
}

// Settle decides the status a job lands in after a reported outcome. A retry
// request on a job that used up its attempts becomes a terminal failure.
func Settle(job *domain.Job, outcome domain.Outcome, now time.Time) (domain.JobStatus, time.Time) {
	switch outcome.Kind {
	case domain.OutcomeCompleted:
		return domain.JobStatusCompleted, job.AvailableAt
	case domain.OutcomeRetry:
		if job.RetryPolicy.Exhausted(job.Attempts) {
			return domain.JobStatusFailed, job.AvailableAt
		}
		at := outcome.RetryAt
		if at.IsZero() {
			at = now.Add(job.RetryPolicy.Delay(job.Attempts))
		}
		return domain.JobStatusRetrying, at
	case domain.OutcomeReleased:
		return domain.JobStatusRetrying, now
	default:
		return domain.JobStatusFailed, job.AvailableAt
	}
}

// SettledAttempts is the attempt count a job keeps after outcome. A release
// gives back the attempt taken at claim.
func SettledAttempts(job *domain.Job, outcome domain.Outcome) int {
	if outcome.Kind == domain.OutcomeReleased && job.Attempts > 0 {
		return job.Attempts - 1
	}
	return job.Attempts
}

// CheckClaim verifies that an outcome or heartbeat comes from the worker
// holding the current claim.
func CheckClaim(job *domain.Job, workerID string, attempt int) error {
	if job.Status != domain.JobStatusInProgress {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, domain.ErrStaleClaim)
	}
	if workerID != "" && job.WorkerID != workerID {
		return fmt.Errorf("job %s is held by %s: %w", job.ID, job.WorkerID, domain.ErrStaleClaim)
	}
	if attempt > 0 && job.Attempts != attempt {
		return fmt.Errorf("job %s is on attempt %d, not %d: %w", job.ID, job.Attempts, attempt, domain.ErrStaleClaim)
	}
	return nil
}

// SortJobs orders jobs by priority desc, then creation time asc, then id.
func SortJobs(jobs []*domain.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
