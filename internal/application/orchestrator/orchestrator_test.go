package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memRepo is an in-memory Repository with the same optimistic version
// semantics as the SQL implementations.
type memRepo struct {
	mu      sync.Mutex
	jobs    map[jobs.JobID]*jobs.Job
	entries []audit.Entry
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[jobs.JobID]*jobs.Job)}
}

func cloneJob(j *jobs.Job) *jobs.Job {
	raw, _ := json.Marshal(j)
	var out jobs.Job
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (r *memRepo) Create(_ context.Context, j *jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.Version == 0 {
		j.Version = 1
	}
	r.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *memRepo) Get(_ context.Context, id jobs.JobID) (*jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *memRepo) SaveTransition(_ context.Context, j *jobs.Job, entry audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[j.ID]
	if !ok {
		return jobs.ErrNotFound
	}
	if stored.Version != j.Version {
		return jobs.ErrVersionConflict
	}
	j.Version++
	r.jobs[j.ID] = cloneJob(j)
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memRepo) ListUnfinished(_ context.Context) ([]jobs.JobID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobs.JobID
	for id, j := range r.jobs {
		if !j.State.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeStep struct {
	name pipeline.StepName
	run  func(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error)
}

func (s *fakeStep) Name() pipeline.StepName { return s.name }
func (s *fakeStep) Run(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
	return s.run(ctx, sc)
}

func routerStep(rt jobs.ReportType, missing bool) pipeline.Step {
	return &fakeStep{name: pipeline.StepRouter, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		return &pipeline.Result{
			Classification: &pipeline.Classification{
				ReportType:     rt,
				Confidence:     0.9,
				MissingContext: missing,
				Narrative:      "case summary",
			},
			Detail: map[string]any{"case_narrative": "case summary"},
		}, nil
	}}
}

func researcherStep() pipeline.Step {
	return &fakeStep{name: pipeline.StepResearcher, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		return &pipeline.Result{
			Research: &pipeline.Research{DocumentsAdded: 2},
			Detail:   map[string]any{"documents_added": 2},
		}, nil
	}}
}

func aggregatorStep() pipeline.Step {
	return &fakeStep{name: pipeline.StepAggregator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		fields := map[string]any{"conductor_name": "Pat Doe", "total_cash_in": 12000.0}
		return &pipeline.Result{
			Aggregation: &pipeline.Aggregation{Fields: fields},
			Detail:      map[string]any{"fields": fields},
		}, nil
	}}
}

func narrativeStep() pipeline.Step {
	return &fakeStep{name: pipeline.StepNarrative, run: func(_ context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
		text := "draft narrative"
		if len(sc.Feedback) > 0 {
			text = "revised narrative"
		}
		return &pipeline.Result{Narrative: text, Detail: map[string]any{"narrative": text}}, nil
	}}
}

func approvingValidator() pipeline.Step {
	return &fakeStep{name: pipeline.StepValidator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		v := &pipeline.Verdict{Status: pipeline.VerdictApproved, Approved: true, CompletenessScore: 1}
		return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": []string{}}}, nil
	}}
}

func rejectingValidator(issues ...string) pipeline.Step {
	return &fakeStep{name: pipeline.StepValidator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		v := &pipeline.Verdict{Status: pipeline.VerdictRejected, Issues: issues}
		return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": issues}}, nil
	}}
}

func filerStep() pipeline.Step {
	return &fakeStep{name: pipeline.StepFiler, run: func(_ context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
		ref := &jobs.ArtifactRef{Key: "ctr/" + string(sc.JobID) + "/report.json", URL: "http://minio/report", ContentType: "application/json"}
		return &pipeline.Result{Artifact: ref, Detail: map[string]any{"artifact_key": ref.Key}}, nil
	}}
}

func happySteps() []pipeline.Step {
	return []pipeline.Step{
		routerStep(jobs.ReportCTR, false),
		researcherStep(),
		aggregatorStep(),
		narrativeStep(),
		approvingValidator(),
		filerStep(),
	}
}

func newOrchestrator(repo jobs.Repository, steps []pipeline.Step, cfg Config) *Orchestrator {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	}
	return New(repo, steps, &fakeClock{t: time.Unix(1700000000, 0)}, zap.NewNop(), cfg)
}

func seedJob(t *testing.T, repo *memRepo, id jobs.JobID) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &jobs.Job{
		ID:         id,
		Input:      map[string]any{"subject": map[string]any{"name": "Pat Doe"}},
		ReportType: jobs.ReportUnclassified,
		State:      jobs.StatePending,
	}))
}

func TestHappyPathCompletes(t *testing.T) {
	repo := newMemRepo()
	o := newOrchestrator(repo, happySteps(), Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-1")

	o.runJob(context.Background(), "job-1")

	job, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, jobs.ReportCTR, job.ReportType)

	// exactly one of result/error on a terminal job
	require.NotNil(t, job.Result)
	assert.Nil(t, job.Error)
	assert.Equal(t, "ctr/job-1/report.json", job.Result.Key)

	// research was skipped, every other step committed once
	var steps []string
	for _, rec := range job.Steps {
		steps = append(steps, rec.Step)
		assert.Equal(t, jobs.OutcomeSuccess, rec.Outcome)
	}
	assert.Equal(t, []string{"router", "aggregator", "narrative", "validator", "filer"}, steps)

	assert.Contains(t, repo.actions(), "job.picked_up")
	assert.Contains(t, repo.actions(), "job.completed")
}

func TestMissingContextTakesResearchDetour(t *testing.T) {
	repo := newMemRepo()
	steps := happySteps()
	steps[0] = routerStep(jobs.ReportSAR, true)
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-2")

	o.runJob(context.Background(), "job-2")

	job, err := repo.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	var names []string
	for _, rec := range job.Steps {
		names = append(names, rec.Step)
	}
	assert.Equal(t, []string{"router", "researcher", "aggregator", "narrative", "validator", "filer"}, names)
	assert.Contains(t, repo.actions(), "job.researched")
}

func TestResearchFailureIsNonFatal(t *testing.T) {
	repo := newMemRepo()
	steps := happySteps()
	steps[0] = routerStep(jobs.ReportSAR, true)
	steps[1] = &fakeStep{name: pipeline.StepResearcher, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		return nil, knowledge.Unavailable(knowledge.TierSemantic, errors.New("vector index down"))
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-3")

	o.runJob(context.Background(), "job-3")

	job, err := repo.Get(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)

	var researched *jobs.StepRecord
	for i := range job.Steps {
		if job.Steps[i].Step == "researcher" {
			researched = &job.Steps[i]
		}
	}
	require.NotNil(t, researched)
	assert.Equal(t, jobs.OutcomeWarning, researched.Outcome)
	assert.Contains(t, repo.actions(), "step.warning")
}

func TestRejectionTriggersOneRenarration(t *testing.T) {
	repo := newMemRepo()
	var calls int
	validator := &fakeStep{name: pipeline.StepValidator, run: func(_ context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
		calls++
		if calls == 1 {
			v := &pipeline.Verdict{Status: pipeline.VerdictRejected, Issues: []string{"narrative too short"}}
			return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": v.Issues}}, nil
		}
		assert.Equal(t, []string{"narrative too short"}, sc.Feedback)
		v := &pipeline.Verdict{Status: pipeline.VerdictApproved, Approved: true}
		return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": []string{}}}, nil
	}}
	steps := happySteps()
	steps[4] = validator
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-4")

	o.runJob(context.Background(), "job-4")

	job, err := repo.Get(context.Background(), "job-4")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, 2, job.NarrationAttempts)
	assert.Contains(t, repo.actions(), "job.rejected")

	var rejected int
	for _, rec := range job.Steps {
		if rec.Step == "validator" && rec.Outcome == jobs.OutcomeRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestApprovalOnThirdNarrationCompletes(t *testing.T) {
	repo := newMemRepo()
	var calls int
	validator := &fakeStep{name: pipeline.StepValidator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		calls++
		if calls <= 2 {
			v := &pipeline.Verdict{Status: pipeline.VerdictRejected, Issues: []string{"insufficient detail"}}
			return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": v.Issues}}, nil
		}
		v := &pipeline.Verdict{Status: pipeline.VerdictApproved, Approved: true}
		return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": []string{}}}, nil
	}}
	steps := happySteps()
	steps[4] = validator
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-4b")

	o.runJob(context.Background(), "job-4b")

	job, err := repo.Get(context.Background(), "job-4b")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, 3, job.NarrationAttempts)

	var drafts int
	for _, rec := range job.Steps {
		if rec.Step == "narrative" {
			drafts++
		}
	}
	assert.Equal(t, 3, drafts)
}

func TestPersistentRejectionFailsAfterRetryBudget(t *testing.T) {
	repo := newMemRepo()
	steps := happySteps()
	steps[4] = rejectingValidator("missing the five essential elements")
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-5")

	o.runJob(context.Background(), "job-5")

	job, err := repo.Get(context.Background(), "job-5")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	// 2 re-narrations allowed on top of the first draft
	assert.Equal(t, 3, job.NarrationAttempts)
	require.NotNil(t, job.Error)
	assert.Nil(t, job.Result)
	assert.Equal(t, jobs.ErrKindRejected, job.Error.Kind)
	assert.Equal(t, string(pipeline.StepValidator), job.Error.Step)
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	repo := newMemRepo()
	var attempts int
	steps := happySteps()
	steps[2] = &fakeStep{name: pipeline.StepAggregator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		attempts++
		if attempts < 3 {
			return nil, &pipeline.TransientError{Step: pipeline.StepAggregator, Err: errors.New("db timeout")}
		}
		fields := map[string]any{"total_cash_in": 12000.0}
		return &pipeline.Result{Aggregation: &pipeline.Aggregation{Fields: fields}, Detail: map[string]any{"fields": fields}}, nil
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-6")

	o.runJob(context.Background(), "job-6")

	job, err := repo.Get(context.Background(), "job-6")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, 3, attempts)
}

func TestTransientFailureExhaustsRetriesAndFails(t *testing.T) {
	repo := newMemRepo()
	var attempts int
	steps := happySteps()
	steps[2] = &fakeStep{name: pipeline.StepAggregator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		attempts++
		return nil, &pipeline.TransientError{Step: pipeline.StepAggregator, Err: errors.New("db timeout")}
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-7")

	o.runJob(context.Background(), "job-7")

	job, err := repo.Get(context.Background(), "job-7")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, 4, attempts, "first execution plus three retries")
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.ErrKindTransient, job.Error.Kind)
}

func TestShutdownDuringBackoffLeavesJobResumable(t *testing.T) {
	repo := newMemRepo()
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	steps := happySteps()
	steps[2] = &fakeStep{name: pipeline.StepAggregator, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		attempts++
		cancel()
		return nil, &pipeline.TransientError{Step: pipeline.StepAggregator, Err: errors.New("db timeout")}
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-7b")

	o.runJob(ctx, "job-7b")

	// the interrupted retry window must not count as a failure
	job, err := repo.Get(context.Background(), "job-7b")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateAggregating, job.State)
	assert.Nil(t, job.Error)
	assert.Equal(t, 1, attempts)
}

func TestValidationErrorFailsWithoutRetry(t *testing.T) {
	repo := newMemRepo()
	var attempts int
	steps := happySteps()
	steps[0] = &fakeStep{name: pipeline.StepRouter, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		attempts++
		return nil, &pipeline.ValidationError{Step: pipeline.StepRouter, Message: "case payload is empty"}
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-8")

	o.runJob(context.Background(), "job-8")

	job, err := repo.Get(context.Background(), "job-8")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.ErrKindValidation, job.Error.Kind)
}

func TestFilingFailurePreservesStepHistory(t *testing.T) {
	repo := newMemRepo()
	steps := happySteps()
	steps[5] = &fakeStep{name: pipeline.StepFiler, run: func(_ context.Context, _ *pipeline.Context) (*pipeline.Result, error) {
		return nil, &pipeline.ArtifactError{Err: errors.New("bucket unreachable")}
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-8b")

	o.runJob(context.Background(), "job-8b")

	job, err := repo.Get(context.Background(), "job-8b")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Nil(t, job.Result)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.ErrKindArtifact, job.Error.Kind)

	// progress up to the failure stays visible, with the failed step on record
	var names []string
	for _, rec := range job.Steps {
		names = append(names, rec.Step)
	}
	assert.Equal(t, []string{"router", "aggregator", "narrative", "validator", "filer"}, names)
	assert.Equal(t, jobs.OutcomeFailed, job.Steps[len(job.Steps)-1].Outcome)
}

func TestCancellationDiscardsInFlightResult(t *testing.T) {
	repo := newMemRepo()
	o := newOrchestrator(repo, nil, Config{MaxValidatorRetries: 2})
	// the narrative step cancels its own job mid-flight, standing in for a
	// concurrent operator cancel
	steps := happySteps()
	steps[3] = &fakeStep{name: pipeline.StepNarrative, run: func(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
		require.NoError(t, o.Cancel(ctx, sc.JobID))
		return &pipeline.Result{Narrative: "late draft", Detail: map[string]any{"narrative": "late draft"}}, nil
	}}
	o.steps = map[pipeline.StepName]pipeline.Step{}
	for _, s := range steps {
		o.steps[s.Name()] = s
	}
	seedJob(t, repo, "job-9")

	o.runJob(context.Background(), "job-9")

	job, err := repo.Get(context.Background(), "job-9")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, job.State)
	assert.Nil(t, job.Result)

	last := job.Steps[len(job.Steps)-1]
	assert.Equal(t, "narrative", last.Step)
	assert.Equal(t, jobs.OutcomeDiscarded, last.Outcome)
	assert.Contains(t, repo.actions(), "job.cancelled")
	assert.Contains(t, repo.actions(), "step.discarded")
}

func TestCancelTerminalJob(t *testing.T) {
	repo := newMemRepo()
	o := newOrchestrator(repo, happySteps(), Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-10")
	o.runJob(context.Background(), "job-10")

	err := o.Cancel(context.Background(), "job-10")
	assert.Error(t, err)

	// cancelling a cancelled job is a no-op
	seedJob(t, repo, "job-11")
	require.NoError(t, o.Cancel(context.Background(), "job-11"))
	require.NoError(t, o.Cancel(context.Background(), "job-11"))
}

func TestResumeRebuildsContextFromHistory(t *testing.T) {
	repo := newMemRepo()
	var sawNarrative string
	steps := happySteps()
	steps[4] = &fakeStep{name: pipeline.StepValidator, run: func(_ context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
		sawNarrative = sc.Narrative
		v := &pipeline.Verdict{Status: pipeline.VerdictApproved, Approved: true}
		return &pipeline.Result{Verdict: v, Detail: map[string]any{"issues": []string{}}}, nil
	}}
	o := newOrchestrator(repo, steps, Config{MaxValidatorRetries: 2})

	// a job persisted mid-pipeline, as left by a crashed worker
	require.NoError(t, repo.Create(context.Background(), &jobs.Job{
		ID:                "job-12",
		Input:             map[string]any{"subject": map[string]any{"name": "Pat Doe"}},
		ReportType:        jobs.ReportCTR,
		State:             jobs.StateValidating,
		NarrationAttempts: 1,
		Steps: []jobs.StepRecord{
			{Step: "router", Outcome: jobs.OutcomeSuccess, Detail: map[string]any{"case_narrative": "persisted summary"}},
			{Step: "aggregator", Outcome: jobs.OutcomeSuccess, Detail: map[string]any{"fields": map[string]any{"total_cash_in": 12000.0}}},
			{Step: "narrative", Outcome: jobs.OutcomeSuccess, Detail: map[string]any{"narrative": "persisted draft"}},
		},
	}))

	o.runJob(context.Background(), "job-12")

	job, err := repo.Get(context.Background(), "job-12")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Equal(t, "persisted draft", sawNarrative)
}

func TestStartResumesUnfinishedAndShutdownDrains(t *testing.T) {
	repo := newMemRepo()
	o := newOrchestrator(repo, happySteps(), Config{Workers: 2, MaxValidatorRetries: 2})
	seedJob(t, repo, "job-13")

	require.NoError(t, o.Start(context.Background()))
	assert.Eventually(t, func() bool {
		job, err := repo.Get(context.Background(), "job-13")
		return err == nil && job.State == jobs.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	o.Shutdown()
	assert.ErrorIs(t, o.Enqueue("job-13"), ErrQueueClosed)
}

func TestVersionConflictNeverDoubleAdvances(t *testing.T) {
	repo := newMemRepo()
	o := newOrchestrator(repo, happySteps(), Config{MaxValidatorRetries: 2})
	seedJob(t, repo, "job-14")

	// another writer bumps the version between read and commit
	stale, err := repo.Get(context.Background(), "job-14")
	require.NoError(t, err)
	fresh, err := repo.Get(context.Background(), "job-14")
	require.NoError(t, err)
	fresh.State = jobs.StateClassifying
	require.NoError(t, repo.SaveTransition(context.Background(), fresh, audit.Entry{ID: "x", Action: "job.picked_up"}))

	err = o.commit(context.Background(), stale, jobs.StateClassifying, nil, audit.SystemActor, "job.picked_up", nil)
	require.NoError(t, err)
	// the stale copy was refreshed instead of overwriting
	assert.Equal(t, fresh.Version, stale.Version)
	assert.Equal(t, jobs.StateClassifying, stale.State)
}
