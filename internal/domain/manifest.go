package domain

import "time"

// ManifestStatus is derived from the statuses of a manifest's jobs.
type ManifestStatus string

const (
	ManifestStatusPlanning   ManifestStatus = "planning"
	ManifestStatusInProgress ManifestStatus = "in_progress"
	ManifestStatusCompleted  ManifestStatus = "completed"
	ManifestStatusFailed     ManifestStatus = "failed"
)

// ManifestScene is the compiled, normalised view of one treatment scene.
type ManifestScene struct {
	ID              string   `json:"id"`
	Index           int      `json:"index"`
	DurationSeconds float64  `json:"duration_seconds"`
	JobIDs          []string `json:"job_ids"`
	CompositionJob  string   `json:"composition_job"`
}

// ManifestPayload describes the scenes and assets of a compiled plan.
type ManifestPayload struct {
	Title       string            `json:"title"`
	Scenes      []ManifestScene   `json:"scenes"`
	Constraints OutputConstraints `json:"constraints"`
	RenderJob   string            `json:"render_job"`
}

// Manifest identifies one compiled production plan. It is written exactly
// once together with its jobs; afterwards only Status changes.
type Manifest struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Payload   ManifestPayload `json:"payload"`
	Profile   ProfileContext  `json:"profile"`
	Status    ManifestStatus  `json:"status"`
	Warnings  []string        `json:"warnings,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// JobSummary counts a manifest's jobs per status so partially complete
// manifests stay visible.
type JobSummary struct {
	Total  int               `json:"total"`
	Counts map[JobStatus]int `json:"counts"`
}

// Partial reports whether some branches completed while others failed or
// were blocked.
func (s JobSummary) Partial() bool {
	return s.Counts[JobStatusCompleted] > 0 && (s.Counts[JobStatusFailed] > 0 || s.Counts[JobStatusBlocked] > 0)
}
