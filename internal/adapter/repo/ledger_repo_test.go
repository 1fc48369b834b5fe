package repo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type testRowsBase struct{}

func (testRowsBase) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (testRowsBase) Conn() *pgx.Conn { return nil }

func (testRowsBase) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (testRowsBase) Values() ([]any, error) {
	return nil, fmt.Errorf("values not supported in test rows")
}

func (testRowsBase) RawValues() [][]byte { return nil }

// valueRows yields one row per entry; each entry holds the column values in
// scan order.
type valueRows struct {
	testRowsBase
	rows [][]any
	idx  int
}

func (r *valueRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *valueRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return pgx.ErrNoRows
	}
	return assign(dest, r.rows[r.idx-1])
}

func (r *valueRows) Err() error { return nil }

func (r *valueRows) Close() {}

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("unexpected scan args: got %d, want %d", len(dest), len(values))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		val := reflect.ValueOf(v)
		if !val.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("column %d: cannot assign %T to %s", i, v, target.Type())
		}
		target.Set(val)
	}
	return nil
}

type call struct {
	query string
	args  []any
}

// ledgerTestSQL answers each query constant with canned data and records the
// statements it saw.
type ledgerTestSQL struct {
	calls   []call
	rows    map[string][][]any
	execErr map[string]error
	tags    map[string]pgconn.CommandTag
}

func newLedgerTestSQL() *ledgerTestSQL {
	return &ledgerTestSQL{
		rows:    map[string][][]any{},
		execErr: map[string]error{},
		tags:    map[string]pgconn.CommandTag{},
	}
}

func (s *ledgerTestSQL) record(query string, args []any) error {
	if _, _, err := infra.ExtractMarker(query); err != nil {
		return err
	}
	s.calls = append(s.calls, call{query: query, args: args})
	return nil
}

func (s *ledgerTestSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	if err := s.record(query, args); err != nil {
		return pgconn.CommandTag{}, err
	}
	if err := s.execErr[query]; err != nil {
		return pgconn.CommandTag{}, err
	}
	if tag, ok := s.tags[query]; ok {
		return tag, nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *ledgerTestSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	if err := s.record(query, args); err != nil {
		return simpleRow{scan: func(...any) error { return err }}
	}
	rows := s.rows[query]
	if len(rows) == 0 {
		return simpleRow{}
	}
	return simpleRow{scan: func(dest ...any) error { return assign(dest, rows[0]) }}
}

func (s *ledgerTestSQL) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	if err := s.record(query, args); err != nil {
		return nil, err
	}
	return &valueRows{rows: s.rows[query]}, nil
}

func (s *ledgerTestSQL) InTx(_ context.Context, fn func(q infra.SQLExecutor) error) error {
	return fn(s)
}

func (s *ledgerTestSQL) find(query string) (call, bool) {
	for _, c := range s.calls {
		if c.query == query {
			return c, true
		}
	}
	return call{}, false
}

// position returns the index of the first call to query, or -1.
func (s *ledgerTestSQL) position(query string) int {
	for i, c := range s.calls {
		if c.query == query {
			return i
		}
	}
	return -1
}

func (s *ledgerTestSQL) saw(query string) bool {
	_, ok := s.find(query)
	return ok
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func jobRow(t *testing.T, j *domain.Job) []any {
	t.Helper()
	payload, err := domain.EncodePayload(j.Payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	str := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	return []any{
		j.ID,
		j.ManifestID,
		string(j.Type),
		payload,
		j.Priority,
		j.DependsOn,
		[]byte(`{"max_retries":2,"backoff":"fixed","initial":1000000000}`),
		j.Attempts,
		string(j.Status),
		str(j.WorkerID),
		j.AvailableAt,
		j.ClaimedAt,
		j.HeartbeatAt,
		[]byte(nil),
		str(j.LastError),
		str(j.BlockedBy),
		[]byte(`[]`),
		j.CreatedAt,
		j.UpdatedAt,
	}
}

func narrationJob(status domain.JobStatus, worker string, attempts int) *domain.Job {
	claimed := testNow.Add(-time.Minute)
	return &domain.Job{
		ID:          "job-narration",
		ManifestID:  "m-1",
		Type:        domain.JobTypeNarration,
		Payload:     &domain.NarrationPayload{SceneID: "s1", Text: "hello", DurationSeconds: 5},
		Priority:    2001,
		DependsOn:   []string{},
		Attempts:    attempts,
		Status:      status,
		WorkerID:    worker,
		AvailableAt: testNow.Add(-time.Hour),
		ClaimedAt:   &claimed,
		CreatedAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow.Add(-time.Minute),
	}
}

func newTestRepo(db infra.TxExecutor) *LedgerRepositoryPG {
	return NewLedgerRepository(db).WithClock(func() time.Time { return testNow })
}

func TestClaimNextJobReturnsNoJobAvailable(t *testing.T) {
	db := newLedgerTestSQL()
	repo := newTestRepo(db)

	_, err := repo.ClaimNextJob(context.Background(), domain.JobTypeNarration, "w1")
	if !errors.Is(err, domain.ErrNoJobAvailable) {
		t.Fatalf("expected ErrNoJobAvailable, got %v", err)
	}
	if db.saw(sqlinline.QMarkManifestStarted) {
		t.Fatalf("manifest must not be marked started without a claim")
	}
}

func TestClaimNextJobDecodesRowAndStartsManifest(t *testing.T) {
	db := newLedgerTestSQL()
	db.rows[sqlinline.QClaimNextJob] = [][]any{jobRow(t, narrationJob(domain.JobStatusInProgress, "w1", 1))}
	repo := newTestRepo(db)

	job, err := repo.ClaimNextJob(context.Background(), domain.JobTypeNarration, "w1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job.WorkerID != "w1" || job.Attempts != 1 || job.Status != domain.JobStatusInProgress {
		t.Fatalf("unexpected claim: %+v", job)
	}
	payload, ok := job.Payload.(*domain.NarrationPayload)
	if !ok || payload.Text != "hello" {
		t.Fatalf("payload not decoded: %#v", job.Payload)
	}
	if job.RetryPolicy.MaxRetries != 2 || job.RetryPolicy.Initial != time.Second {
		t.Fatalf("retry policy not decoded: %+v", job.RetryPolicy)
	}

	claim, _ := db.find(sqlinline.QClaimNextJob)
	if claim.args[0] != domain.JobTypeNarration || claim.args[1] != "w1" || claim.args[2] != testNow {
		t.Fatalf("unexpected claim args: %v", claim.args)
	}
	mark, ok := db.find(sqlinline.QMarkManifestStarted)
	if !ok || mark.args[0] != "m-1" {
		t.Fatalf("expected manifest m-1 to be marked started, calls=%v", db.calls)
	}
}

func TestReportJobOutcomeRejectsStaleClaim(t *testing.T) {
	db := newLedgerTestSQL()
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, narrationJob(domain.JobStatusInProgress, "w2", 2))}
	repo := newTestRepo(db)

	err := repo.ReportJobOutcome(context.Background(), "job-narration", domain.Outcome{
		Kind:     domain.OutcomeCompleted,
		WorkerID: "w1",
		Attempt:  1,
	})
	if !errors.Is(err, domain.ErrStaleClaim) {
		t.Fatalf("expected ErrStaleClaim, got %v", err)
	}
	if db.saw(sqlinline.QSettleJob) {
		t.Fatalf("stale outcome must not be written")
	}
}

func TestReportJobOutcomeUnknownJob(t *testing.T) {
	db := newLedgerTestSQL()
	repo := newTestRepo(db)

	err := repo.ReportJobOutcome(context.Background(), "missing", domain.Outcome{Kind: domain.OutcomeCompleted})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReportJobOutcomeCompletedPromotesDependents(t *testing.T) {
	db := newLedgerTestSQL()
	running := narrationJob(domain.JobStatusInProgress, "w1", 1)
	done := narrationJob(domain.JobStatusCompleted, "w1", 1)
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, running)}
	db.rows[sqlinline.QPromoteDependents] = [][]any{{"job-compose"}}
	db.rows[sqlinline.QSelectJobsByManifest] = [][]any{jobRow(t, done)}
	repo := newTestRepo(db)

	err := repo.ReportJobOutcome(context.Background(), "job-narration", domain.Outcome{
		Kind:     domain.OutcomeCompleted,
		WorkerID: "w1",
		Attempt:  1,
		Result:   &domain.JobResult{OutputRef: "manifests/m-1/scenes/s1/narration.wav"},
	})
	if err != nil {
		t.Fatalf("ReportJobOutcome returned error: %v", err)
	}

	settle, ok := db.find(sqlinline.QSettleJob)
	if !ok {
		t.Fatalf("expected settle statement")
	}
	if settle.args[1] != domain.JobStatusCompleted {
		t.Fatalf("settled as %v", settle.args[1])
	}
	if lastErr, _ := settle.args[4].(*string); lastErr != nil {
		t.Fatalf("completed job must clear last_error, got %q", *lastErr)
	}
	if !db.saw(sqlinline.QPromoteDependents) || db.saw(sqlinline.QBlockDependents) {
		t.Fatalf("unexpected dependent handling: %v", db.calls)
	}
	status, ok := db.find(sqlinline.QUpdateManifestStatus)
	if !ok || status.args[1] != domain.ManifestStatusCompleted {
		t.Fatalf("expected manifest completed, got %v", status.args)
	}
}

func TestReportJobOutcomeLocksManifestBeforeJob(t *testing.T) {
	db := newLedgerTestSQL()
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, narrationJob(domain.JobStatusInProgress, "w1", 1))}
	db.rows[sqlinline.QSelectJobsByManifest] = [][]any{jobRow(t, narrationJob(domain.JobStatusCompleted, "w1", 1))}
	repo := newTestRepo(db)

	err := repo.ReportJobOutcome(context.Background(), "job-narration", domain.Outcome{
		Kind:     domain.OutcomeCompleted,
		WorkerID: "w1",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("ReportJobOutcome returned error: %v", err)
	}

	lock := db.position(sqlinline.QLockManifestOfJob)
	job := db.position(sqlinline.QSelectJobForUpdate)
	promote := db.position(sqlinline.QPromoteDependents)
	if lock < 0 || job < 0 || promote < 0 {
		t.Fatalf("missing statements: %v", db.calls)
	}
	if !(lock < job && job < promote) {
		t.Fatalf("manifest lock must come first: lock=%d job=%d promote=%d", lock, job, promote)
	}
	if db.calls[lock].args[0] != "job-narration" {
		t.Fatalf("manifest lock keyed by %v", db.calls[lock].args)
	}
}

func TestReportJobOutcomeExhaustedRetryFailsAndBlocks(t *testing.T) {
	db := newLedgerTestSQL()
	running := narrationJob(domain.JobStatusInProgress, "w1", 3)
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, running)}
	db.rows[sqlinline.QBlockDependents] = [][]any{{"job-compose"}, {"job-render"}}
	failed := narrationJob(domain.JobStatusFailed, "w1", 3)
	db.rows[sqlinline.QSelectJobsByManifest] = [][]any{jobRow(t, failed)}
	repo := newTestRepo(db)

	err := repo.ReportJobOutcome(context.Background(), "job-narration", domain.Outcome{
		Kind:     domain.OutcomeRetry,
		WorkerID: "w1",
		Attempt:  3,
		Error:    "provider timeout",
	})
	if err != nil {
		t.Fatalf("ReportJobOutcome returned error: %v", err)
	}

	settle, _ := db.find(sqlinline.QSettleJob)
	if settle.args[1] != domain.JobStatusFailed {
		t.Fatalf("exhausted retry must fail, got %v", settle.args[1])
	}
	if lastErr, _ := settle.args[4].(*string); lastErr == nil || *lastErr != "provider timeout" {
		t.Fatalf("expected last_error to be recorded, got %v", settle.args[4])
	}
	if !db.saw(sqlinline.QBlockDependents) {
		t.Fatalf("expected dependents to be blocked")
	}
	status, _ := db.find(sqlinline.QUpdateManifestStatus)
	if status.args[1] != domain.ManifestStatusFailed {
		t.Fatalf("expected manifest failed, got %v", status.args[1])
	}
}

func TestCreateManifestWithJobsMapsUniqueViolation(t *testing.T) {
	db := newLedgerTestSQL()
	db.execErr[sqlinline.QInsertManifest] = &pgconn.PgError{Code: "23505"}
	repo := newTestRepo(db)

	manifest := &domain.Manifest{ID: "m-1", UserID: "u-1"}
	jobs := []*domain.Job{{
		ID:          "job-narration",
		ManifestID:  "m-1",
		Type:        domain.JobTypeNarration,
		Payload:     &domain.NarrationPayload{SceneID: "s1", Text: "hello", DurationSeconds: 5},
		RetryPolicy: domain.RetryPolicy{MaxRetries: 1, Backoff: domain.BackoffFixed, Initial: time.Second},
	}}

	_, err := repo.CreateManifestWithJobs(context.Background(), manifest, jobs)
	if !errors.Is(err, domain.ErrDuplicateManifest) {
		t.Fatalf("expected ErrDuplicateManifest, got %v", err)
	}
	if db.saw(sqlinline.QInsertJob) {
		t.Fatalf("jobs must not be written after the manifest insert failed")
	}
}

func TestCreateManifestWithJobsWritesEveryJob(t *testing.T) {
	db := newLedgerTestSQL()
	repo := newTestRepo(db)

	manifest := &domain.Manifest{ID: "m-1", UserID: "u-1"}
	jobs := []*domain.Job{
		{
			ID:          "job-narration",
			ManifestID:  "m-1",
			Type:        domain.JobTypeNarration,
			Payload:     &domain.NarrationPayload{SceneID: "s1", Text: "hello", DurationSeconds: 5},
			RetryPolicy: domain.RetryPolicy{MaxRetries: 1, Backoff: domain.BackoffFixed, Initial: time.Second},
		},
		{
			ID:          "job-render",
			ManifestID:  "m-1",
			Type:        domain.JobTypeFinalRender,
			Payload:     &domain.RenderPayload{Compositions: []string{"job-narration"}, DurationSeconds: 5},
			DependsOn:   []string{"job-narration"},
			RetryPolicy: domain.RetryPolicy{MaxRetries: 1, Backoff: domain.BackoffFixed, Initial: time.Second},
		},
	}

	id, err := repo.CreateManifestWithJobs(context.Background(), manifest, jobs)
	if err != nil {
		t.Fatalf("CreateManifestWithJobs returned error: %v", err)
	}
	if id != "m-1" {
		t.Fatalf("unexpected id %q", id)
	}

	var inserted []call
	for _, c := range db.calls {
		if c.query == sqlinline.QInsertJob {
			inserted = append(inserted, c)
		}
	}
	if len(inserted) != 2 {
		t.Fatalf("expected 2 job inserts, got %d", len(inserted))
	}
	if inserted[0].args[7] != domain.JobStatusEligible {
		t.Fatalf("root job should start eligible, got %v", inserted[0].args[7])
	}
	if inserted[1].args[7] != domain.JobStatusPending {
		t.Fatalf("dependent job should start pending, got %v", inserted[1].args[7])
	}
	if deps, _ := inserted[0].args[5].([]string); deps == nil {
		t.Fatalf("depends_on must be a non-nil array")
	}
}

func TestHeartbeatFromFormerHolderIsStale(t *testing.T) {
	db := newLedgerTestSQL()
	db.tags[sqlinline.QHeartbeatJob] = pgconn.NewCommandTag("UPDATE 0")
	db.rows[sqlinline.QSelectJob] = [][]any{jobRow(t, narrationJob(domain.JobStatusInProgress, "w2", 2))}
	repo := newTestRepo(db)

	if err := repo.Heartbeat(context.Background(), "job-narration", "w1"); !errors.Is(err, domain.ErrStaleClaim) {
		t.Fatalf("expected ErrStaleClaim, got %v", err)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	repo := newTestRepo(newLedgerTestSQL())

	if _, err := repo.GetManifest(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetJobsByManifest(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for jobs of unknown manifest, got %v", err)
	}
}

func TestReapStaleJobsRequeuesExpiredClaims(t *testing.T) {
	db := newLedgerTestSQL()
	expired := narrationJob(domain.JobStatusInProgress, "w1", 1)
	claimed := testNow.Add(-10 * time.Minute)
	expired.ClaimedAt = &claimed
	db.rows[sqlinline.QSelectStaleJobs] = [][]any{{"job-narration"}}
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, expired)}
	db.rows[sqlinline.QSelectJobsByManifest] = [][]any{jobRow(t, narrationJob(domain.JobStatusRetrying, "w1", 1))}
	repo := newTestRepo(db)

	ids, err := repo.ReapStaleJobs(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleJobs returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-narration" {
		t.Fatalf("unexpected reaped ids: %v", ids)
	}
	stale, _ := db.find(sqlinline.QSelectStaleJobs)
	if stale.args[0] != testNow.Add(-5*time.Minute) {
		t.Fatalf("unexpected cutoff: %v", stale.args[0])
	}
	if db.position(sqlinline.QLockManifestOfJob) > db.position(sqlinline.QSelectJobForUpdate) {
		t.Fatalf("manifest lock must precede the job lock: %v", db.calls)
	}
	settle, _ := db.find(sqlinline.QSettleJob)
	if settle.args[1] != domain.JobStatusRetrying {
		t.Fatalf("reaped job should retry, got %v", settle.args[1])
	}
}

func TestReapStaleJobsSkipsJobRefreshedWhileLocking(t *testing.T) {
	db := newLedgerTestSQL()
	db.rows[sqlinline.QSelectStaleJobs] = [][]any{{"job-narration"}}
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	// claimed one minute ago: a heartbeat landed after the stale scan
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, narrationJob(domain.JobStatusInProgress, "w1", 1))}
	repo := newTestRepo(db)

	ids, err := repo.ReapStaleJobs(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleJobs returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected nothing reaped, got %v", ids)
	}
	if db.saw(sqlinline.QSettleJob) {
		t.Fatalf("refreshed job must not be settled")
	}
}

func TestReportJobOutcomeReleaseReturnsAttempt(t *testing.T) {
	db := newLedgerTestSQL()
	db.rows[sqlinline.QLockManifestOfJob] = [][]any{{"m-1"}}
	db.rows[sqlinline.QSelectJobForUpdate] = [][]any{jobRow(t, narrationJob(domain.JobStatusInProgress, "w1", 3))}
	repo := newTestRepo(db)

	err := repo.ReportJobOutcome(context.Background(), "job-narration", domain.Outcome{
		Kind:     domain.OutcomeReleased,
		WorkerID: "w1",
		Attempt:  3,
		Error:    "context canceled",
	})
	if err != nil {
		t.Fatalf("ReportJobOutcome returned error: %v", err)
	}

	settle, _ := db.find(sqlinline.QSettleJob)
	if settle.args[1] != domain.JobStatusRetrying {
		t.Fatalf("released job should be retrying, got %v", settle.args[1])
	}
	if settle.args[2] != testNow {
		t.Fatalf("released job should be available now, got %v", settle.args[2])
	}
	if settle.args[6] != 2 {
		t.Fatalf("release must give the attempt back, got %v", settle.args[6])
	}
	if db.saw(sqlinline.QBlockDependents) {
		t.Fatalf("release must not block dependents")
	}
}
