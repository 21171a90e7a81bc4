package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Router triages an intake case: normalize, determine the report type, and
// decide whether the knowledge base already holds enough context to proceed
// straight to aggregation.
type Router struct {
	KB  Scope
	Gen Generator
	Log *zap.Logger
}

func (r *Router) Name() pipeline.StepName { return pipeline.StepRouter }

func (r *Router) Run(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
	if len(sc.Case) == 0 {
		return nil, &pipeline.ValidationError{Step: pipeline.StepRouter, Message: "case payload is empty"}
	}
	c := NormalizeCase(sc.Case)
	sc.Case = c

	kb := r.KB(sc.JobID, string(pipeline.StepRouter))
	ind := LoadIndicators(ctx, kb)
	rt, confidence, reasoning := DetermineReportType(c, ind)

	sufficient, err := kb.HasSufficientContext(ctx, rt)
	if err != nil {
		sufficient = false
	}

	summary := templateNarrative(c, ind)
	if summary == "" && r.Gen != nil {
		raw, gerr := r.Gen.Generate(ctx, summarySystemPrompt(), summaryUserPrompt(c))
		if gerr != nil {
			r.Log.Warn("case summary generation failed, using template",
				zap.String("job_id", string(sc.JobID)), zap.Error(gerr))
		} else if s, ok := parseJSONField(raw, "summary"); ok {
			summary = s
		}
	}
	if summary == "" {
		summary = genericSummary(c)
	}

	cls := &pipeline.Classification{
		ReportType:     rt,
		Confidence:     confidence,
		Reasoning:      reasoning,
		MissingContext: !sufficient,
		Narrative:      summary,
	}
	return &pipeline.Result{
		Classification: cls,
		Detail: map[string]any{
			"report_type":     string(rt),
			"confidence":      confidence,
			"reasoning":       reasoning,
			"missing_context": !sufficient,
			"case_narrative":  summary,
		},
	}, nil
}
