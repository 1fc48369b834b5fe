package sqlinline

// Every job query selects the columns in this order; see repo.scanJob.

const QInsertManifest = `--sql 05984e36-0536-4444-9be7-6a80fb7c6e09
insert into manifests (id, user_id, payload, profile, status, warnings, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $7);
`

const QInsertJob = `--sql 1faae8da-41b3-47e7-90d8-cadeaa204afe
insert into jobs (
    id, manifest_id, job_type, payload, priority, depends_on, retry_policy,
    attempts, status, available_at, warnings, created_at, updated_at
)
values ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $9, $9);
`

const QClaimNextJob = `--sql 6c88a947-9661-41e4-8ea2-43387aa196b9
with next_job as (
    select id
    from jobs
    where job_type = $1
      and (status = 'eligible' or (status = 'retrying' and available_at <= $3))
      and attempts < greatest((retry_policy->>'max_retries')::int, 0) + 1
    order by priority desc, created_at asc, id asc
    for update skip locked
    limit 1
)
update jobs j
set status = 'in_progress',
    attempts = j.attempts + 1,
    worker_id = $2,
    claimed_at = $3,
    heartbeat_at = $3,
    updated_at = $3
from next_job
where j.id = next_job.id
returning j.id, j.manifest_id, j.job_type, j.payload, j.priority, j.depends_on, j.retry_policy,
          j.attempts, j.status, j.worker_id, j.available_at, j.claimed_at, j.heartbeat_at,
          j.result, j.last_error, j.blocked_by, j.warnings, j.created_at, j.updated_at;
`

const QSelectJobForUpdate = `--sql 5d94e810-939e-4a11-82c2-1ccd4c83d677
select id, manifest_id, job_type, payload, priority, depends_on, retry_policy,
       attempts, status, worker_id, available_at, claimed_at, heartbeat_at,
       result, last_error, blocked_by, warnings, created_at, updated_at
from jobs
where id = $1
for update;
`

const QSelectJob = `--sql 3d9a1d5d-8dd8-4d3b-bbdc-fe4434b86dac
select id, manifest_id, job_type, payload, priority, depends_on, retry_policy,
       attempts, status, worker_id, available_at, claimed_at, heartbeat_at,
       result, last_error, blocked_by, warnings, created_at, updated_at
from jobs
where id = $1;
`

const QSelectJobsByManifest = `--sql 9374e125-de79-4de7-bf6d-cdba1c32b8a9
select id, manifest_id, job_type, payload, priority, depends_on, retry_policy,
       attempts, status, worker_id, available_at, claimed_at, heartbeat_at,
       result, last_error, blocked_by, warnings, created_at, updated_at
from jobs
where manifest_id = $1
order by priority desc, created_at asc, id asc;
`

const QSettleJob = `--sql c7cc2c64-9db6-4d8c-8bf3-7899a4d184fd
update jobs
set status = $2,
    available_at = $3,
    result = coalesce($4, result),
    last_error = $5,
    heartbeat_at = null,
    updated_at = $6,
    attempts = $7
where id = $1;
`

const QPromoteDependents = `--sql d591debf-0180-4d17-a64b-770eee9c2622
update jobs d
set status = 'eligible',
    available_at = $3,
    updated_at = $3
where d.manifest_id = $1
  and d.status = 'pending'
  and $2 = any(d.depends_on)
  and not exists (
      select 1
      from jobs p
      where p.id = any(d.depends_on)
        and p.status <> 'completed'
  )
returning d.id;
`

const QBlockDependents = `--sql caf11b73-2663-40eb-8a39-8cede20dfe60
with recursive dependents (id) as (
    select j.id
    from jobs j
    where j.manifest_id = $1
      and $2 = any(j.depends_on)
    union
    select j.id
    from jobs j
    join dependents d on d.id = any(j.depends_on)
    where j.manifest_id = $1
)
update jobs
set status = 'blocked',
    blocked_by = $2,
    updated_at = $3
where id in (select id from dependents)
  and status in ('pending', 'eligible')
returning id;
`

const QUpdateManifestStatus = `--sql 48e91440-8d23-4dec-930f-535648e636e6
update manifests
set status = $2,
    updated_at = $3
where id = $1;
`

const QSelectManifest = `--sql 5e72c590-742a-4b29-aeac-d181f3fb4903
select id, user_id, payload, profile, status, warnings, created_at, updated_at
from manifests
where id = $1;
`

const QHeartbeatJob = `--sql caaee94c-3385-4240-9071-1d96e3618aad
update jobs
set heartbeat_at = $3
where id = $1
  and status = 'in_progress'
  and worker_id = $2;
`

const QSelectStaleJobs = `--sql 18276221-c027-4a2c-b4cf-6f1fcb649ea4
select id
from jobs
where status = 'in_progress'
  and coalesce(heartbeat_at, claimed_at) <= $1
order by manifest_id, id;
`

// QLockManifestOfJob serializes outcomes per manifest. It is always taken
// before the job row.
const QLockManifestOfJob = `--sql 7f3c2a91-5b6e-4d0a-9c41-2e8d7b6f1a53
select m.id
from jobs j
join manifests m on m.id = j.manifest_id
where j.id = $1
for update of m;
`

const QNotifyManifest = `--sql b019dcdb-54e4-478a-ab64-a6a899861126
select pg_notify($1, $2);
`

// QMarkManifestStarted skips a manifest locked by an outcome writer: that
// writer recomputes the status itself, and waiting here would invert the
// manifest-then-job lock order.
const QMarkManifestStarted = `--sql 00e9c8a8-84a5-4bd8-9a26-74462ccd88d6
update manifests
set status = 'in_progress',
    updated_at = $2
where id = (
    select id
    from manifests
    where id = $1
      and status = 'planning'
    for update skip locked
);
`
