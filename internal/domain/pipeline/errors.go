package pipeline

import "fmt"

// ValidationError: malformed or insufficient input to a step. Fails the job
// immediately, no retry.
type ValidationError struct {
	Step    StepName
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid input: %s", e.Step, e.Message)
}

// TransientError: external dependency timeout or rate limit. Retried by the
// orchestrator's retry policy before the job is failed.
type TransientError struct {
	Step StepName
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Step, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ArtifactError: final document production failed.
type ArtifactError struct {
	Err error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact production failed: %v", e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }
