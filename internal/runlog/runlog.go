// Package runlog records the start and outcome of ingestion jobs: adapter
// runs and parcel region imports.
package runlog

import (
	"context"
	"time"
)

// Status values stored in the run log.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Entry is one recorded run.
type Entry struct {
	ID          int64          `json:"id"`
	Job         string         `json:"job"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Rows        int64          `json:"rows"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Result holds the outcome of a run, passed to Complete.
type Result struct {
	Rows     int64          `json:"rows"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunLog is implemented by the Postgres and SQLite logs.
type RunLog interface {
	Start(ctx context.Context, job string) (int64, error)
	Complete(ctx context.Context, id int64, result *Result) error
	Fail(ctx context.Context, id int64, errMsg string) error
	// LastSuccess returns the start time of the most recent completed run of
	// job, or nil if it never completed.
	LastSuccess(ctx context.Context, job string) (*time.Time, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// SourceJob is the run log job name for an adapter run.
func SourceJob(shortName string) string { return "source:" + shortName }

// ParcelJob is the run log job name for a parcel region import.
func ParcelJob(region string) string { return "parcels:" + region }
