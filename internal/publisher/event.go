// Package publisher defines the run-completion notification sent when a
// mapping run finishes.
package publisher

import (
	"context"
	"time"
)

// Run statuses.
const (
	StatusCompleted   = "completed"
	StatusAuthBlocked = "auth_blocked"
	StatusDryRun      = "dry_run"
	StatusFailed      = "failed"
)

// EventType is set as the event_type message attribute.
const EventType = "apimapper.run.finished"

// RunEvent summarizes one finished run.
type RunEvent struct {
	RunID          string            `json:"run_id"`
	Status         string            `json:"status"`
	AllowHost      string            `json:"allow_host"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	OutputDir      string            `json:"output_dir"`
	TotalEndpoints int               `json:"total_endpoints"`
	TotalRequests  int               `json:"total_requests"`
	TotalItems     int               `json:"total_items"`
	TotalErrors    int               `json:"total_errors"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Attributes returns the message attributes used for subscription filters.
func (e RunEvent) Attributes() map[string]string {
	return map[string]string{
		"event_type": EventType,
		"run_id":     e.RunID,
		"status":     e.Status,
	}
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, event RunEvent) (string, error)
}
