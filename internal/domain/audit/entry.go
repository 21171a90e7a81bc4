package audit

import (
	"context"
	"time"
)

// Entry is one append-only audit record. Entries are never mutated or
// deleted; every job state transition and every knowledge-base mutation
// produces one.
type Entry struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id,omitempty"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// SystemActor identifies entries not attributable to a pipeline step.
const SystemActor = "system"

// Recorder port untuk audit log
type Recorder interface {
	Append(ctx context.Context, e Entry) error
	ListByJob(ctx context.Context, jobID string) ([]Entry, error)
}
