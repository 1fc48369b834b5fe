package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/ledger"
	"studio/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.Ledger on PostgreSQL. Every multi-row
// change runs in one transaction; claims rely on FOR UPDATE SKIP LOCKED.
type LedgerRepositoryPG struct {
	db  infra.TxExecutor
	now func() time.Time
}

// NewLedgerRepository creates a ledger backed by the given runner.
func NewLedgerRepository(db infra.TxExecutor) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{db: db, now: time.Now}
}

// WithClock replaces the time source used for claim and retry timestamps.
func (r *LedgerRepositoryPG) WithClock(now func() time.Time) *LedgerRepositoryPG {
	r.now = now
	return r
}

func (r *LedgerRepositoryPG) CreateManifestWithJobs(ctx context.Context, manifest *domain.Manifest, jobs []*domain.Job) (string, error) {
	now := r.now().UTC()
	if err := ledger.PrepareJobs(manifest, jobs, now); err != nil {
		return "", err
	}
	payload, err := json.Marshal(manifest.Payload)
	if err != nil {
		return "", fmt.Errorf("encode manifest payload: %w", err)
	}
	profile, err := json.Marshal(manifest.Profile)
	if err != nil {
		return "", fmt.Errorf("encode manifest profile: %w", err)
	}

	err = r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		if _, err := q.Exec(ctx, sqlinline.QInsertManifest,
			manifest.ID,
			manifest.UserID,
			payload,
			profile,
			manifest.Status,
			jsonList(manifest.Warnings),
			now,
		); err != nil {
			return duplicateOr(err, "manifest "+manifest.ID)
		}
		for _, j := range jobs {
			jobPayload, err := domain.EncodePayload(j.Payload)
			if err != nil {
				return err
			}
			policy, err := json.Marshal(j.RetryPolicy)
			if err != nil {
				return fmt.Errorf("encode retry policy: %w", err)
			}
			deps := j.DependsOn
			if deps == nil {
				deps = []string{}
			}
			if _, err := q.Exec(ctx, sqlinline.QInsertJob,
				j.ID,
				j.ManifestID,
				j.Type,
				jobPayload,
				j.Priority,
				deps,
				policy,
				j.Status,
				now,
				jsonList(j.Warnings),
			); err != nil {
				return duplicateOr(err, "job "+j.ID)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return manifest.ID, nil
}

func (r *LedgerRepositoryPG) ClaimNextJob(ctx context.Context, jobType domain.JobType, workerID string) (*domain.Job, error) {
	now := r.now().UTC()
	var claimed *domain.Job
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		job, err := scanJob(q.QueryRow(ctx, sqlinline.QClaimNextJob, jobType, workerID, now))
		if err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrNoJobAvailable
			}
			return err
		}
		if _, err := q.Exec(ctx, sqlinline.QMarkManifestStarted, job.ManifestID, now); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *LedgerRepositoryPG) ReportJobOutcome(ctx context.Context, jobID string, outcome domain.Outcome) error {
	now := r.now().UTC()
	return r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		if err := lockManifestOf(ctx, q, jobID); err != nil {
			return err
		}
		job, err := lockJob(ctx, q, jobID)
		if err != nil {
			return err
		}
		if err := ledger.CheckClaim(job, outcome.WorkerID, outcome.Attempt); err != nil {
			return err
		}
		return settle(ctx, q, job, outcome, now)
	})
}

// settle writes an outcome and recomputes dependents and manifest status in
// the caller's transaction.
func settle(ctx context.Context, q infra.SQLExecutor, job *domain.Job, outcome domain.Outcome, now time.Time) error {
	status, availableAt := ledger.Settle(job, outcome, now)

	var result []byte
	lastError := &outcome.Error
	if status == domain.JobStatusCompleted {
		lastError = nil
		if outcome.Result != nil {
			var err error
			if result, err = json.Marshal(outcome.Result); err != nil {
				return fmt.Errorf("encode job result: %w", err)
			}
		}
	}
	if _, err := q.Exec(ctx, sqlinline.QSettleJob, job.ID, status, availableAt, result, lastError, now, ledger.SettledAttempts(job, outcome)); err != nil {
		return err
	}

	switch status {
	case domain.JobStatusCompleted:
		if _, err := collectIDs(q.Query(ctx, sqlinline.QPromoteDependents, job.ManifestID, job.ID, now)); err != nil {
			return fmt.Errorf("promote dependents of %s: %w", job.ID, err)
		}
	case domain.JobStatusFailed:
		if _, err := collectIDs(q.Query(ctx, sqlinline.QBlockDependents, job.ManifestID, job.ID, now)); err != nil {
			return fmt.Errorf("block dependents of %s: %w", job.ID, err)
		}
	}

	jobs, err := listJobs(ctx, q, job.ManifestID)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, sqlinline.QUpdateManifestStatus, job.ManifestID, ledger.DeriveManifestStatus(jobs), now)
	return err
}

func (r *LedgerRepositoryPG) GetJobsByManifest(ctx context.Context, manifestID string) ([]*domain.Job, error) {
	jobs, err := listJobs(ctx, r.db, manifestID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		if _, err := r.GetManifest(ctx, manifestID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (r *LedgerRepositoryPG) GetManifest(ctx context.Context, manifestID string) (*domain.Manifest, error) {
	var (
		m                          domain.Manifest
		status                     string
		payload, profile, warnings []byte
	)
	err := r.db.QueryRow(ctx, sqlinline.QSelectManifest, manifestID).Scan(
		&m.ID,
		&m.UserID,
		&payload,
		&profile,
		&status,
		&warnings,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("manifest %s: %w", manifestID, domain.ErrNotFound)
		}
		return nil, err
	}
	m.Status = domain.ManifestStatus(status)
	if err := json.Unmarshal(payload, &m.Payload); err != nil {
		return nil, fmt.Errorf("decode manifest payload: %w", err)
	}
	if err := json.Unmarshal(profile, &m.Profile); err != nil {
		return nil, fmt.Errorf("decode manifest profile: %w", err)
	}
	if m.Warnings, err = decodeList(warnings); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *LedgerRepositoryPG) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

func (r *LedgerRepositoryPG) Heartbeat(ctx context.Context, jobID, workerID string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QHeartbeatJob, jobID, workerID, r.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := ledger.CheckClaim(job, workerID, 0); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", jobID, domain.ErrStaleClaim)
}

func (r *LedgerRepositoryPG) ReapStaleJobs(ctx context.Context, timeout time.Duration) ([]string, error) {
	now := r.now().UTC()
	var reaped []string
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		// ordered by manifest so concurrent reapers take manifest locks in
		// the same order
		ids, err := collectIDs(q.Query(ctx, sqlinline.QSelectStaleJobs, now.Add(-timeout)))
		if err != nil {
			return err
		}
		cutoff := now.Add(-timeout)
		for _, id := range ids {
			if err := lockManifestOf(ctx, q, id); err != nil {
				return err
			}
			job, err := lockJob(ctx, q, id)
			if err != nil {
				return err
			}
			// settled or heartbeated while we waited for the locks
			if !stale(job, cutoff) {
				continue
			}
			if err := settle(ctx, q, job, domain.Outcome{Kind: domain.OutcomeRetry, Error: ledger.LivenessError}, now); err != nil {
				return err
			}
			reaped = append(reaped, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

func lockManifestOf(ctx context.Context, q infra.SQLExecutor, jobID string) error {
	var manifestID string
	if err := q.QueryRow(ctx, sqlinline.QLockManifestOfJob, jobID).Scan(&manifestID); err != nil {
		if infra.IsNoRows(err) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func stale(job *domain.Job, cutoff time.Time) bool {
	if job.Status != domain.JobStatusInProgress {
		return false
	}
	last := job.HeartbeatAt
	if last == nil {
		last = job.ClaimedAt
	}
	return last != nil && !last.After(cutoff)
}

func lockJob(ctx context.Context, q infra.SQLExecutor, jobID string) (*domain.Job, error) {
	job, err := scanJob(q.QueryRow(ctx, sqlinline.QSelectJobForUpdate, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

func listJobs(ctx context.Context, q infra.SQLExecutor, manifestID string) ([]*domain.Job, error) {
	rows, err := q.Query(ctx, sqlinline.QSelectJobsByManifest, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j                          domain.Job
		jobType, status            string
		payload, policy, result    []byte
		warnings                   []byte
		workerID, lastErr, blockBy *string
	)
	if err := row.Scan(
		&j.ID,
		&j.ManifestID,
		&jobType,
		&payload,
		&j.Priority,
		&j.DependsOn,
		&policy,
		&j.Attempts,
		&status,
		&workerID,
		&j.AvailableAt,
		&j.ClaimedAt,
		&j.HeartbeatAt,
		&result,
		&lastErr,
		&blockBy,
		&warnings,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	j.Type = domain.JobType(jobType)
	j.Status = domain.JobStatus(status)
	j.WorkerID = deref(workerID)
	j.LastError = deref(lastErr)
	j.BlockedBy = deref(blockBy)

	var err error
	if j.Payload, err = domain.DecodePayload(payload); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(policy, &j.RetryPolicy); err != nil {
		return nil, fmt.Errorf("job %s: decode retry policy: %w", j.ID, err)
	}
	if len(result) > 0 {
		j.Result = &domain.JobResult{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("job %s: decode result: %w", j.ID, err)
		}
	}
	if j.Warnings, err = decodeList(warnings); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func duplicateOr(err error, what string) error {
	if infra.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, domain.ErrDuplicateManifest)
	}
	return err
}

func jsonList(values []string) []byte {
	if len(values) == 0 {
		return []byte("[]")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return []byte("[]")
	}
	return raw
}

func decodeList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ domain.Ledger = (*LedgerRepositoryPG)(nil)
