package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"studio/internal/compiler"
	"studio/internal/domain"
)

// parseRequest decodes a treatment file. JSON input is accepted as YAML.
// Unknown keys are rejected so typos do not silently drop settings.
func parseRequest(raw []byte) (compiler.Request, error) {
	var req compiler.Request
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("treatment file is empty")
		}
		return req, fmt.Errorf("parse treatment: %w", err)
	}
	return req, nil
}

type plannedJob struct {
	ID          string             `json:"id"`
	Type        domain.JobType     `json:"type"`
	Status      domain.JobStatus   `json:"status"`
	Priority    int                `json:"priority"`
	DependsOn   []string           `json:"depends_on"`
	RetryPolicy domain.RetryPolicy `json:"retry_policy"`
	Payload     domain.Payload     `json:"payload"`
}

type planOutput struct {
	Manifest *domain.Manifest `json:"manifest"`
	Jobs     []plannedJob     `json:"jobs"`
}

func planView(p *compiler.Plan) planOutput {
	out := planOutput{Manifest: p.Manifest, Jobs: make([]plannedJob, 0, len(p.Jobs))}
	for _, j := range p.Jobs {
		status := domain.JobStatusPending
		if len(j.DependsOn) == 0 {
			status = domain.JobStatusEligible
		}
		out.Jobs = append(out.Jobs, plannedJob{
			ID:          j.ID,
			Type:        j.Type,
			Status:      status,
			Priority:    j.Priority,
			DependsOn:   j.DependsOn,
			RetryPolicy: j.RetryPolicy,
			Payload:     j.Payload,
		})
	}
	return out
}

func printIssues(w io.Writer, err error) {
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		fmt.Fprintf(w, "compile: %v\n", err)
		return
	}
	fmt.Fprintf(w, "compile: treatment rejected with %d issue(s)\n", len(verr.Issues))
	for _, issue := range verr.Issues {
		fmt.Fprintf(w, "  %s: %s\n", issue.Field, issue.Message)
	}
}

