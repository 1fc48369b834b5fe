package domain

import (
	"context"
	"time"
)

// Ledger is the durable record of manifests and jobs. It owns the job state
// machine and is the only state shared between worker processes.
type Ledger interface {
	// CreateManifestWithJobs writes the manifest and all its jobs atomically.
	CreateManifestWithJobs(ctx context.Context, manifest *Manifest, jobs []*Job) (string, error)
	// ClaimNextJob moves one claimable job of the given type to in_progress
	// and stamps the worker. It returns ErrNoJobAvailable when none is ready.
	ClaimNextJob(ctx context.Context, jobType JobType, workerID string) (*Job, error)
	// ReportJobOutcome records the verdict of the worker holding the claim
	// and recomputes eligibility of dependents.
	ReportJobOutcome(ctx context.Context, jobID string, outcome Outcome) error
	// GetJobsByManifest orders by priority desc, then creation time asc.
	GetJobsByManifest(ctx context.Context, manifestID string) ([]*Job, error)
	GetManifest(ctx context.Context, manifestID string) (*Manifest, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	// ReapStaleJobs treats in_progress jobs whose heartbeat is older than
	// timeout as transient failures and returns their ids.
	ReapStaleJobs(ctx context.Context, timeout time.Duration) ([]string, error)
}
