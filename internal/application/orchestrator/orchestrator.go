package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/application"
	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Config untuk Orchestrator
type Config struct {
	Workers int
	// MaxValidatorRetries is how many re-narrations a rejection may trigger.
	// With the default of 2, a job gets 3 narration attempts in total.
	MaxValidatorRetries int
	Retry               RetryPolicy
}

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("orchestrator queue closed")

// ErrQueueFull is returned when the dispatch queue cannot accept more jobs.
var ErrQueueFull = errors.New("orchestrator queue full")

// Orchestrator drives jobs through the pipeline state machine. Jobs run
// concurrently on a worker pool; steps within one job run strictly
// sequentially. All job mutations go through SaveTransition, which commits
// state, step history and audit entry atomically under a version check.
type Orchestrator struct {
	repo  jobs.Repository
	steps map[pipeline.StepName]pipeline.Step
	clock application.Clock
	log   *zap.Logger
	cfg   Config

	queue  chan jobs.JobID
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New builds the step lookup table once; there is no dynamic dispatch at
// run time beyond this map.
func New(repo jobs.Repository, steps []pipeline.Step, clock application.Clock, log *zap.Logger, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxValidatorRetries < 0 {
		cfg.MaxValidatorRetries = 0
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	table := make(map[pipeline.StepName]pipeline.Step, len(steps))
	for _, s := range steps {
		table[s.Name()] = s
	}
	return &Orchestrator{
		repo:  repo,
		steps: table,
		clock: clock,
		log:   log,
		cfg:   cfg,
		queue: make(chan jobs.JobID, 1024),
	}
}

// Start launches the worker pool and re-enqueues every unfinished job, so a
// restart resumes each one from its persisted state (re-running at most the
// step whose commit was lost).
func (o *Orchestrator) Start(ctx context.Context) error {
	pending, err := o.repo.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	for _, id := range pending {
		if err := o.Enqueue(id); err != nil {
			o.log.Error("resume enqueue failed", zap.String("job_id", string(id)), zap.Error(err))
		}
	}
	return nil
}

// Shutdown stops accepting jobs and waits for in-flight ones to settle.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Enqueue hands a job to the worker pool. Submission returns immediately;
// the pipeline runs asynchronously.
func (o *Orchestrator) Enqueue(id jobs.JobID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrQueueClosed
	}
	select {
	case o.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel marks a job CANCELLED. Advisory: an in-flight step finishes, and
// its late result is recorded in step history without advancing state.
func (o *Orchestrator) Cancel(ctx context.Context, id jobs.JobID) error {
	for {
		job, err := o.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State == jobs.StateCancelled {
			return nil
		}
		if job.State.Terminal() {
			return fmt.Errorf("job %s already %s", id, job.State)
		}
		prev := job.State
		job.State = jobs.StateCancelled
		err = o.repo.SaveTransition(ctx, job, o.auditEntry(job.ID, audit.SystemActor, "job.cancelled", map[string]any{
			"from": string(prev),
		}))
		if errors.Is(err, jobs.ErrVersionConflict) {
			continue
		}
		return err
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-o.queue:
			if !ok {
				return
			}
			o.runJob(ctx, id)
		}
	}
}

// errHalt stops the per-job loop without failing the job (cancellation or
// version conflict resolved against us).
var errHalt = errors.New("job halted")

func (o *Orchestrator) runJob(ctx context.Context, id jobs.JobID) {
	job, err := o.repo.Get(ctx, id)
	if err != nil {
		o.log.Error("job load failed", zap.String("job_id", string(id)), zap.Error(err))
		return
	}
	sc := rebuildContext(job)

	for !job.State.Terminal() {
		if ctx.Err() != nil {
			return
		}
		if err := o.advance(ctx, job, sc); err != nil {
			if !errors.Is(err, errHalt) {
				o.log.Error("job advance failed", zap.String("job_id", string(id)), zap.Error(err))
			}
			return
		}
	}
}

// advance executes exactly one state of the machine and commits the result.
func (o *Orchestrator) advance(ctx context.Context, job *jobs.Job, sc *pipeline.Context) error {
	switch job.State {
	case jobs.StatePending:
		return o.commit(ctx, job, jobs.StateClassifying, nil, audit.SystemActor, "job.picked_up", nil)

	case jobs.StateClassifying:
		res, rec, err := o.executeStep(ctx, job, sc, pipeline.StepRouter)
		if err != nil {
			return o.failJob(ctx, job, rec, pipeline.StepRouter, err)
		}
		cls := res.Classification
		job.ReportType = cls.ReportType
		sc.ReportType = cls.ReportType
		sc.CaseNarrative = cls.Narrative
		next := jobs.StateAggregating
		if cls.MissingContext {
			next = jobs.StateResearching
		}
		return o.commit(ctx, job, next, &rec, string(pipeline.StepRouter), "job.classified", rec.Detail)

	case jobs.StateResearching:
		_, rec, err := o.executeStep(ctx, job, sc, pipeline.StepResearcher)
		if errors.Is(err, errHalt) {
			return err
		}
		if err != nil {
			// Research failures are non-fatal: proceed with whatever
			// context exists and leave a warning in the audit trail.
			rec.Outcome = jobs.OutcomeWarning
			rec.Detail = map[string]any{"warning": err.Error()}
			return o.commit(ctx, job, jobs.StateAggregating, &rec, string(pipeline.StepResearcher), "step.warning", rec.Detail)
		}
		return o.commit(ctx, job, jobs.StateAggregating, &rec, string(pipeline.StepResearcher), "job.researched", rec.Detail)

	case jobs.StateAggregating:
		res, rec, err := o.executeStep(ctx, job, sc, pipeline.StepAggregator)
		if err != nil {
			return o.failJob(ctx, job, rec, pipeline.StepAggregator, err)
		}
		sc.Fields = res.Aggregation.Fields
		return o.commit(ctx, job, jobs.StateNarrating, &rec, string(pipeline.StepAggregator), "job.aggregated", rec.Detail)

	case jobs.StateNarrating:
		sc.Attempt = job.NarrationAttempts + 1
		res, rec, err := o.executeStep(ctx, job, sc, pipeline.StepNarrative)
		if err != nil {
			return o.failJob(ctx, job, rec, pipeline.StepNarrative, err)
		}
		job.NarrationAttempts++
		sc.Narrative = res.Narrative
		return o.commit(ctx, job, jobs.StateValidating, &rec, string(pipeline.StepNarrative), "job.narrated", rec.Detail)

	case jobs.StateValidating:
		res, rec, err := o.executeStep(ctx, job, sc, pipeline.StepValidator)
		if err != nil {
			return o.failJob(ctx, job, rec, pipeline.StepValidator, err)
		}
		verdict := res.Verdict
		sc.Verdict = verdict
		if verdict.Approved {
			return o.commit(ctx, job, jobs.StateFiling, &rec, string(pipeline.StepValidator), "job.approved", rec.Detail)
		}
		if job.NarrationAttempts <= o.cfg.MaxValidatorRetries {
			sc.Feedback = append(append([]string(nil), verdict.Issues...), verdict.Recommendations...)
			rec.Outcome = jobs.OutcomeRejected
			return o.commit(ctx, job, jobs.StateNarrating, &rec, string(pipeline.StepValidator), "job.rejected", rec.Detail)
		}
		rec.Outcome = jobs.OutcomeRejected
		job.Error = &jobs.JobError{
			Kind:    jobs.ErrKindRejected,
			Step:    string(pipeline.StepValidator),
			Message: fmt.Sprintf("rejected after %d narration attempts", job.NarrationAttempts),
		}
		return o.commit(ctx, job, jobs.StateFailed, &rec, string(pipeline.StepValidator), "job.failed", rec.Detail)

	case jobs.StateFiling:
		res, rec, err := o.executeStep(ctx, job, sc, pipeline.StepFiler)
		if err != nil {
			return o.failJob(ctx, job, rec, pipeline.StepFiler, err)
		}
		job.Result = res.Artifact
		return o.commit(ctx, job, jobs.StateCompleted, &rec, string(pipeline.StepFiler), "job.completed", rec.Detail)

	default:
		return fmt.Errorf("job %s in unexpected state %s", job.ID, job.State)
	}
}

// executeStep runs one capability with the retry policy applied to
// transient failures only. The returned record carries outcome and timing.
func (o *Orchestrator) executeStep(ctx context.Context, job *jobs.Job, sc *pipeline.Context, name pipeline.StepName) (*pipeline.Result, jobs.StepRecord, error) {
	step, ok := o.steps[name]
	if !ok {
		return nil, jobs.StepRecord{}, fmt.Errorf("no step registered for %q", name)
	}
	started := o.clock.Now()

	var res *pipeline.Result
	var err error
	for attempt := 1; ; attempt++ {
		res, err = step.Run(ctx, sc)
		if err == nil {
			break
		}
		var te *pipeline.TransientError
		if !errors.As(err, &te) || attempt >= o.cfg.Retry.MaxAttempts {
			break
		}
		o.log.Warn("transient step failure, retrying",
			zap.String("job_id", string(job.ID)),
			zap.String("step", string(name)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := sleep(ctx, o.cfg.Retry.Delay(attempt)); serr != nil {
			// Shutdown or cancellation in the retry window. The job stays in
			// its last committed state and is picked up again on restart.
			return nil, jobs.StepRecord{}, errHalt
		}
	}

	rec := jobs.StepRecord{
		Step:       string(name),
		StartedAt:  started,
		FinishedAt: o.clock.Now(),
		Outcome:    jobs.OutcomeSuccess,
	}
	if err != nil {
		rec.Outcome = jobs.OutcomeFailed
		rec.Detail = map[string]any{"error": err.Error()}
		return nil, rec, err
	}
	if res != nil {
		rec.Detail = res.Detail
	}
	return res, rec, nil
}

// commit persists a transition. A version conflict means someone else moved
// the job (cancellation being the expected case); the in-flight result is
// then recorded for audit without advancing state.
func (o *Orchestrator) commit(ctx context.Context, job *jobs.Job, next jobs.State, rec *jobs.StepRecord, actor, action string, detail map[string]any) error {
	prev := job.State
	if !jobs.CanTransition(prev, next) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", prev, next, job.ID)
	}
	job.State = next
	if rec != nil {
		job.RecordStep(*rec)
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["from"] = string(prev)
	detail["to"] = string(next)

	err := o.repo.SaveTransition(ctx, job, o.auditEntry(job.ID, actor, action, detail))
	if errors.Is(err, jobs.ErrVersionConflict) {
		return o.resolveConflict(ctx, job, rec, actor)
	}
	return err
}

func (o *Orchestrator) resolveConflict(ctx context.Context, stale *jobs.Job, rec *jobs.StepRecord, actor string) error {
	fresh, err := o.repo.Get(ctx, stale.ID)
	if err != nil {
		return err
	}
	*stale = *fresh
	if fresh.State == jobs.StateCancelled && rec != nil {
		// Late result of an in-flight step: keep it in history for audit,
		// the job stays CANCELLED.
		discarded := *rec
		discarded.Outcome = jobs.OutcomeDiscarded
		fresh.RecordStep(discarded)
		if err := o.repo.SaveTransition(ctx, fresh, o.auditEntry(fresh.ID, actor, "step.discarded", map[string]any{
			"step": rec.Step,
		})); err != nil && !errors.Is(err, jobs.ErrVersionConflict) {
			return err
		}
		*stale = *fresh
	}
	if fresh.State.Terminal() {
		return errHalt
	}
	return nil
}

// failJob records the failed step and marks the job FAILED with a
// structured error, never a raw trace.
func (o *Orchestrator) failJob(ctx context.Context, job *jobs.Job, rec jobs.StepRecord, step pipeline.StepName, cause error) error {
	if errors.Is(cause, errHalt) {
		return cause
	}
	job.Error = &jobs.JobError{
		Kind:    errorKind(cause),
		Step:    string(step),
		Message: cause.Error(),
	}
	prev := job.State
	job.State = jobs.StateFailed
	job.RecordStep(rec)
	err := o.repo.SaveTransition(ctx, job, o.auditEntry(job.ID, string(step), "job.failed", map[string]any{
		"from":  string(prev),
		"to":    string(jobs.StateFailed),
		"kind":  job.Error.Kind,
		"error": job.Error.Message,
	}))
	if errors.Is(err, jobs.ErrVersionConflict) {
		return o.resolveConflict(ctx, job, &rec, string(step))
	}
	return err
}

func errorKind(err error) string {
	var ve *pipeline.ValidationError
	var te *pipeline.TransientError
	var ue *knowledge.TierUnavailableError
	var ae *pipeline.ArtifactError
	switch {
	case errors.As(err, &ve):
		return jobs.ErrKindValidation
	case errors.As(err, &ue):
		return jobs.ErrKindUnavailable
	case errors.As(err, &ae):
		return jobs.ErrKindArtifact
	case errors.As(err, &te):
		return jobs.ErrKindTransient
	default:
		return jobs.ErrKindTransient
	}
}

func (o *Orchestrator) auditEntry(id jobs.JobID, actor, action string, detail map[string]any) audit.Entry {
	return audit.Entry{
		ID:        uuid.New().String(),
		JobID:     string(id),
		Actor:     actor,
		Action:    action,
		Timestamp: o.clock.Now(),
		Detail:    detail,
	}
}

// rebuildContext reconstructs the pipeline context from persisted step
// history so a resumed job does not re-run steps that already committed.
func rebuildContext(job *jobs.Job) *pipeline.Context {
	sc := &pipeline.Context{
		JobID:      job.ID,
		Case:       job.Input,
		ReportType: job.ReportType,
		Attempt:    job.NarrationAttempts,
	}
	for _, rec := range job.Steps {
		if rec.Outcome == jobs.OutcomeFailed || rec.Outcome == jobs.OutcomeDiscarded || rec.Detail == nil {
			continue
		}
		switch pipeline.StepName(rec.Step) {
		case pipeline.StepRouter:
			if v, ok := rec.Detail["case_narrative"].(string); ok {
				sc.CaseNarrative = v
			}
		case pipeline.StepAggregator:
			if v, ok := rec.Detail["fields"].(map[string]any); ok {
				sc.Fields = v
			}
		case pipeline.StepNarrative:
			if v, ok := rec.Detail["narrative"].(string); ok {
				sc.Narrative = v
			}
		case pipeline.StepValidator:
			if v, ok := rec.Detail["issues"].([]any); ok {
				sc.Feedback = sc.Feedback[:0]
				for _, item := range v {
					if s, ok := item.(string); ok {
						sc.Feedback = append(sc.Feedback, s)
					}
				}
			}
		}
	}
	return sc
}
