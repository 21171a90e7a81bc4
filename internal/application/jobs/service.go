package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bryanwahyu/automaton-comply/internal/application"
	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	domain "github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
)

// ErrEmptyPayload: submission carries no identifying transaction data.
var ErrEmptyPayload = errors.New("transaction payload is empty")

// ErrNotReady: artifact requested before the job reached COMPLETED.
var ErrNotReady = errors.New("report not ready")

// Pipeline is the orchestrator surface the service needs.
type Pipeline interface {
	Enqueue(id domain.JobID) error
	Cancel(ctx context.Context, id domain.JobID) error
}

// Service implements use-cases untuk report jobs.
// Service is designed to be used concurrently and is thread-safe.
type Service struct {
	Repo      domain.Repository
	Audit     audit.Recorder
	Pipeline  Pipeline
	Artifacts domain.ArtifactStore
	Clock     application.Clock
}

// StatusView is what the status endpoint returns: current state, a step
// history summary, and exactly one of result/error once terminal.
type StatusView struct {
	JobID      string              `json:"job_id"`
	State      domain.State        `json:"state"`
	ReportType domain.ReportType   `json:"report_type"`
	Steps      []domain.StepRecord `json:"step_history"`
	Result     *domain.ArtifactRef `json:"result,omitempty"`
	Error      *domain.JobError    `json:"error,omitempty"`
	CreatedAt  string              `json:"created_at"`
	UpdatedAt  string              `json:"updated_at"`
}

// Submit creates a PENDING job and hands it to the orchestrator. The
// pipeline runs asynchronously; callers poll status with the returned id.
func (s *Service) Submit(ctx context.Context, payload map[string]any) (domain.JobID, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	now := s.Clock.Now()
	job := &domain.Job{
		ID:         domain.JobID(uuid.New().String()),
		Input:      payload,
		ReportType: domain.ReportUnclassified,
		State:      domain.StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Repo.Create(ctx, job); err != nil {
		return "", err
	}
	if err := s.Audit.Append(ctx, audit.Entry{
		ID:        uuid.New().String(),
		JobID:     string(job.ID),
		Actor:     audit.SystemActor,
		Action:    "job.submitted",
		Timestamp: now,
	}); err != nil {
		return "", err
	}
	if err := s.Pipeline.Enqueue(job.ID); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Status returns the job's current state and step history. Partial progress
// stays visible after failure for diagnosis.
func (s *Service) Status(ctx context.Context, id domain.JobID) (*StatusView, error) {
	job, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		JobID:      string(job.ID),
		State:      job.State,
		ReportType: job.ReportType,
		Steps:      job.Steps,
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:  job.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}, nil
}

// Artifact streams the filed report document. Requesting it before the job
// is COMPLETED is an error, never a silent empty response.
func (s *Service) Artifact(ctx context.Context, id domain.JobID) ([]byte, string, error) {
	job, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.State != domain.StateCompleted || job.Result == nil {
		return nil, "", ErrNotReady
	}
	body, err := s.Artifacts.Fetch(ctx, job.Result.Key)
	if err != nil {
		return nil, "", err
	}
	return body, job.Result.ContentType, nil
}

// Cancel requests cancellation; advisory per the orchestrator's contract.
func (s *Service) Cancel(ctx context.Context, id domain.JobID) error {
	return s.Pipeline.Cancel(ctx, id)
}

// AuditTrail exposes the per-job audit log.
func (s *Service) AuditTrail(ctx context.Context, id domain.JobID) ([]audit.Entry, error) {
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Audit.ListByJob(ctx, string(id))
}
