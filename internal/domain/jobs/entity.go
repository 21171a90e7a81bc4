package jobs

import (
	"time"
)

// ID tipe untuk Job
type JobID string

// ReportType enum
type ReportType string

const (
	ReportSAR          ReportType = "SAR"
	ReportCTR          ReportType = "CTR"
	ReportSanctions    ReportType = "Sanctions"
	ReportUnclassified ReportType = "Unclassified"
)

// StepOutcome enum untuk step_history
type StepOutcome string

const (
	OutcomeSuccess   StepOutcome = "success"
	OutcomeRejected  StepOutcome = "rejected"
	OutcomeWarning   StepOutcome = "warning"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeDiscarded StepOutcome = "discarded"
)

// StepRecord is one append-only entry in a job's step history.
type StepRecord struct {
	Step       string         `json:"step"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    StepOutcome    `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Error kinds surfaced on failed jobs.
const (
	ErrKindValidation  = "ValidationError"
	ErrKindTransient   = "TransientCapabilityError"
	ErrKindUnavailable = "UnavailableTierError"
	ErrKindRejected    = "RejectedByValidator"
	ErrKindArtifact    = "ArtifactProductionError"
)

// JobError is the structured error stored on a FAILED job.
// Raw stack traces never reach the Job record.
type JobError struct {
	Kind    string `json:"kind"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	if e.Step != "" {
		return e.Kind + " in " + e.Step + ": " + e.Message
	}
	return e.Kind + ": " + e.Message
}

// ArtifactRef points at the filed report document.
type ArtifactRef struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Aggregate Root: Job
//
// Mutated exclusively by the orchestrator; steps return results that the
// orchestrator applies. Never deleted (retained for audit). Version is the
// optimistic-concurrency counter checked on every update.
type Job struct {
	ID                JobID          `json:"id"`
	Input             map[string]any `json:"input"`
	ReportType        ReportType     `json:"report_type"`
	State             State          `json:"state"`
	Steps             []StepRecord   `json:"step_history"`
	NarrationAttempts int            `json:"narration_attempts"`
	Result            *ArtifactRef   `json:"result,omitempty"`
	Error             *JobError      `json:"error,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RecordStep appends to step_history. History is append-only; nothing ever
// rewrites an existing entry.
func (j *Job) RecordStep(rec StepRecord) {
	j.Steps = append(j.Steps, rec)
}
