package domain

import (
	"time"

	"studio/internal/backoff"
)

// JobType enumerates the kinds of work a manifest compiles into. Each Worker
// Runtime serves exactly one type.
type JobType string

const (
	JobTypeAssetPrep   JobType = "asset_prep"
	JobTypeNarration   JobType = "narration_synthesis"
	JobTypeCompose     JobType = "composition"
	JobTypeFinalRender JobType = "final_render"
)

// JobTypes lists every supported job type in pipeline order.
var JobTypes = []JobType{JobTypeAssetPrep, JobTypeNarration, JobTypeCompose, JobTypeFinalRender}

func (t JobType) Valid() bool {
	switch t {
	case JobTypeAssetPrep, JobTypeNarration, JobTypeCompose, JobTypeFinalRender:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusEligible   JobStatus = "eligible"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusBlocked    JobStatus = "blocked"
)

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusEligible, JobStatusBlocked},
	JobStatusEligible:   {JobStatusInProgress},
	JobStatusRetrying:   {JobStatusInProgress},
	JobStatusInProgress: {JobStatusCompleted, JobStatusRetrying, JobStatusFailed},
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusBlocked
}

// Claimable reports whether a job in this status may be claimed, ignoring the
// retry delay.
func (s JobStatus) Claimable() bool {
	return s == JobStatusEligible || s == JobStatusRetrying
}

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds how often a job is attempted. Total attempts never
// exceed MaxRetries+1.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Backoff    BackoffKind   `json:"backoff" yaml:"backoff"`
	Initial    time.Duration `json:"initial" yaml:"initial"`
	Max        time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
	// Jitter spreads each delay over [d/2, d].
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// MaxAttempts is the upper bound on claims for a job under this policy.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Exhausted reports whether a job that has been attempted the given number of
// times may not be attempted again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts()
}

// Delay returns the wait before the next attempt after `attempts` failures.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	return p.strategy().Delay(attempts)
}

func (p RetryPolicy) strategy() backoff.Strategy {
	var s backoff.Strategy = backoff.NewFixed(p.Initial)
	if p.Backoff == BackoffExponential {
		s = backoff.NewExponential(p.Initial, p.Max)
	}
	if p.Jitter {
		s = backoff.Jittered{Base: s}
	}
	return s
}

// JobResult is what a successful job leaves behind.
type JobResult struct {
	OutputRef    string            `json:"output_ref"`
	MIME         string            `json:"mime,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Enhancements *Enhancements     `json:"enhancements,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// Job is a unit of work within a manifest.
type Job struct {
	ID          string      `json:"id"`
	ManifestID  string      `json:"manifest_id"`
	Type        JobType     `json:"type"`
	Payload     Payload     `json:"-"`
	Priority    int         `json:"priority"`
	DependsOn   []string    `json:"depends_on"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	Attempts    int         `json:"attempts"`
	Status      JobStatus   `json:"status"`
	WorkerID    string      `json:"worker_id,omitempty"`
	AvailableAt time.Time   `json:"available_at"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
	Result      *JobResult  `json:"result,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	BlockedBy   string      `json:"blocked_by,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no mutable slices or pointers with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.DependsOn = append([]string(nil), j.DependsOn...)
	c.Warnings = append([]string(nil), j.Warnings...)
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		c.HeartbeatAt = &t
	}
	c.Result = j.Result.Clone()
	c.Payload = ClonePayload(j.Payload)
	return &c
}

func (r *JobResult) Clone() *JobResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Warnings = cloneStrings(r.Warnings)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.Enhancements != nil {
		e := r.Enhancements.Clone()
		c.Enhancements = &e
	}
	return &c
}

// OutcomeKind is the verdict a worker reports for a claimed job.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeRetry     OutcomeKind = "retry"
	OutcomeFailed    OutcomeKind = "failed"
	// OutcomeReleased hands an interrupted job back without spending the
	// attempt it was claimed for.
	OutcomeReleased OutcomeKind = "released"
)

// Outcome is reported by the worker that holds the claim for Attempt.
type Outcome struct {
	Kind     OutcomeKind
	WorkerID string
	Attempt  int
	Result   *JobResult
	Error    string
	RetryAt  time.Time
}
