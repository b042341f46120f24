package api

import (
	"time"

	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/book-expert/narration-service/internal/runlog"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	UptimeS      int64          `json:"uptime_s"`
	Dependencies *doctor.Report `json:"dependencies,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	RunID string `json:"run_id,omitempty"`
	Stage string `json:"stage,omitempty"`
}

// RunResponse is one run of the history.
type RunResponse struct {
	ID              string  `json:"id"`
	State           string  `json:"state"`
	Title           string  `json:"title,omitempty"`
	Phrases         int     `json:"phrases"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
	StartedAt       string  `json:"started_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// RunsResponse is the body of GET /v1/runs.
type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// RunToResponse converts a stored run. The local video path is not exposed.
func RunToResponse(run runlog.Run) RunResponse {
	return RunResponse{
		ID:              run.ID,
		State:           string(run.State),
		Title:           run.Title,
		Phrases:         run.Phrases,
		DurationSeconds: run.Duration,
		Error:           run.Error,
		StartedAt:       run.StartedAt.Format(time.RFC3339),
		UpdatedAt:       run.UpdatedAt.Format(time.RFC3339),
	}
}
