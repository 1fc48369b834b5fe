package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"studio/internal/compiler"
	"studio/internal/domain"
	"studio/internal/ledger"
)

const maxTreatmentBytes = 1 << 20

type manifestStatusResponse struct {
	Manifest *domain.Manifest  `json:"manifest"`
	Summary  domain.JobSummary `json:"summary"`
	Partial  bool              `json:"partial"`
	Jobs     []jobView         `json:"jobs"`
}

type jobView struct {
	ID          string            `json:"id"`
	Type        domain.JobType    `json:"type"`
	Status      domain.JobStatus  `json:"status"`
	Priority    int               `json:"priority"`
	DependsOn   []string          `json:"depends_on"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Result      *domain.JobResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	BlockedBy   string            `json:"blocked_by,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	AvailableAt time.Time         `json:"available_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CreateManifest compiles a treatment for the authenticated user.
func (a *App) CreateManifest(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req compiler.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTreatmentBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.UserID = userID

	res, err := a.Intake.Compile(r.Context(), req)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			a.json(w, http.StatusUnprocessableEntity, map[string]errorBody{"error": {
				Code:    "validation_failed",
				Message: "treatment rejected",
				Issues:  verr.Issues,
			}})
		case errors.Is(err, domain.ErrDuplicateManifest):
			a.error(w, http.StatusConflict, "duplicate_manifest", "manifest already exists")
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("http: compile failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to persist manifest")
		}
		return
	}
	a.json(w, http.StatusAccepted, res)
}

// GetManifest reports a manifest's status and every job in priority order.
// Manifests of other users are reported as not found.
func (a *App) GetManifest(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "manifest id required")
		return
	}

	m, err := a.Ledger.GetManifest(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound), err == nil && m.UserID != userID:
		a.error(w, http.StatusNotFound, "not_found", "manifest not found")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("manifest_id", id).Msg("http: load manifest failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load manifest")
		return
	}
	jobs, err := a.Ledger.GetJobsByManifest(r.Context(), id)
	if err != nil {
		a.Logger.Error().Err(err).Str("manifest_id", id).Msg("http: load jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load jobs")
		return
	}

	summary := ledger.Summarize(jobs)
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:          j.ID,
			Type:        j.Type,
			Status:      j.Status,
			Priority:    j.Priority,
			DependsOn:   j.DependsOn,
			Attempts:    j.Attempts,
			MaxAttempts: j.RetryPolicy.MaxAttempts(),
			Result:      j.Result,
			Error:       j.LastError,
			BlockedBy:   j.BlockedBy,
			Warnings:    j.Warnings,
			AvailableAt: j.AvailableAt,
			UpdatedAt:   j.UpdatedAt,
		})
	}
	a.json(w, http.StatusOK, manifestStatusResponse{
		Manifest: m,
		Summary:  summary,
		Partial:  summary.Partial(),
		Jobs:     views,
	})
}
