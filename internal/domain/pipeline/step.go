package pipeline

import (
	"context"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

// StepName identifies a pipeline capability.
type StepName string

const (
	StepRouter     StepName = "router"
	StepResearcher StepName = "researcher"
	StepAggregator StepName = "aggregator"
	StepNarrative  StepName = "narrative"
	StepValidator  StepName = "validator"
	StepFiler      StepName = "filer"
)

// Step is one pluggable unit of reasoning/transformation. Steps never write
// job state directly; they return a Result the orchestrator applies. Every
// step must be safe to re-run with the same input, because a crash between
// step completion and commit is recovered by re-executing the step.
type Step interface {
	Name() StepName
	Run(ctx context.Context, sc *Context) (*Result, error)
}

// Knowledge is the knowledge-base surface steps consume. The coordinator
// in application/kb satisfies it.
type Knowledge interface {
	Get(ctx context.Context, c knowledge.Collection, key string) (*knowledge.Record, error)
	Put(ctx context.Context, c knowledge.Collection, key string, value []byte) error
	AddDocument(ctx context.Context, doc *knowledge.Document) error
	SemanticSearch(ctx context.Context, c knowledge.SemanticCollection, query string, topK int) ([]knowledge.ScoredDocument, error)
	HasSufficientContext(ctx context.Context, rt jobs.ReportType) (bool, error)
}

// Context is the typed input a step consumes. The orchestrator builds it
// from the job record and the results of prior steps.
type Context struct {
	JobID      jobs.JobID
	Case       map[string]any
	ReportType jobs.ReportType

	// CaseNarrative is the structured-to-narrative rendering of the case,
	// produced by the router and reused downstream.
	CaseNarrative string

	// Fields is the aggregator's resolved field map.
	Fields map[string]any

	// Narrative is the current draft report narrative.
	Narrative string

	// Feedback carries validator remediation notes into re-narration.
	Feedback []string

	// Attempt is the 1-based narration attempt counter.
	Attempt int

	Verdict *Verdict
}
