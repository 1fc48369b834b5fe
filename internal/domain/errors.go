package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrValidation             = errors.New("validation failed")
	ErrPersistence            = errors.New("persistence failure")
	ErrPlaceholderResolution  = errors.New("manifest reference unresolved")
	ErrTransientProvider      = errors.New("transient provider failure")
	ErrTerminalProvider       = errors.New("terminal provider failure")
	ErrNoJobAvailable         = errors.New("no job available")
	ErrDuplicateManifest      = errors.New("duplicate manifest")
	ErrInvalidTransition      = errors.New("invalid job status transition")
	ErrStaleClaim             = errors.New("stale job claim")
	ErrPayloadMismatch        = errors.New("payload does not match job type")
	ErrUnknownDependency      = errors.New("unknown dependency")
	ErrCircularDependency     = errors.New("circular dependency")
	ErrProviderNotConfigured  = errors.New("provider not configured")
	ErrDependencyOutputAbsent = errors.New("dependency output missing")
)

// FieldIssue is a single validation problem, addressed by a dotted field path.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every hard failure found while validating a treatment.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Add(field, message string) {
	e.Issues = append(e.Issues, FieldIssue{Field: field, Message: message})
}

func (e *ValidationError) Addf(field, format string, args ...any) {
	e.Add(field, fmt.Sprintf(format, args...))
}

func (e *ValidationError) HasIssues() bool {
	return e != nil && len(e.Issues) > 0
}

// OrNil returns nil when no issue was recorded so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if !e.HasIssues() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Field+": "+issue.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PlaceholderResolutionError reports a job whose payload could not be bound to
// its manifest id.
type PlaceholderResolutionError struct {
	JobID string
	Err   error
}

func (e *PlaceholderResolutionError) Error() string {
	return fmt.Sprintf("job %s: %v: %v", e.JobID, ErrPlaceholderResolution, e.Err)
}

func (e *PlaceholderResolutionError) Unwrap() []error {
	return []error{ErrPlaceholderResolution, e.Err}
}
