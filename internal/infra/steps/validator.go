package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Validator reviews a drafted report against the rule records for its type.
// A rejection is a verdict, not an error; the orchestrator decides whether
// to re-narrate.
type Validator struct {
	KB  Scope
	Log *zap.Logger
}

type ruleDoc struct {
	Rules []struct {
		RuleID   string `json:"rule_id"`
		Severity string `json:"severity"`
		Field    string `json:"field"`
		Check    string `json:"check"`
		Message  string `json:"message"`
	} `json:"rules"`
}

func (v *Validator) Name() pipeline.StepName { return pipeline.StepValidator }

func (v *Validator) Run(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
	if sc.ReportType == jobs.ReportUnclassified {
		verdict := &pipeline.Verdict{
			Status:            pipeline.VerdictApproved,
			Approved:          true,
			CompletenessScore: 1,
			Checks:            map[string]string{"filing_requirement": "none"},
		}
		return verdictResult(verdict), nil
	}

	kb := v.KB(sc.JobID, string(pipeline.StepValidator))

	rec, err := kb.Get(ctx, knowledge.CollectionRule, string(sc.ReportType))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			// Nothing to validate against; flag for a human reviewer.
			verdict := &pipeline.Verdict{
				Status:            pipeline.VerdictNeedsReview,
				Approved:          true,
				CompletenessScore: 1,
				Recommendations:   []string{fmt.Sprintf("no validation rules configured for %s", sc.ReportType)},
			}
			return verdictResult(verdict), nil
		}
		return nil, err
	}
	var rules ruleDoc
	if err := json.Unmarshal(rec.Value, &rules); err != nil {
		return nil, &pipeline.ValidationError{
			Step:    pipeline.StepValidator,
			Message: fmt.Sprintf("rule record for %s is unreadable: %v", sc.ReportType, err),
		}
	}

	verdict := &pipeline.Verdict{Checks: map[string]string{}}
	var passed int
	for _, rule := range rules.Rules {
		value := fieldValue(sc, rule.Field)
		if evaluateCheck(rule.Check, value) {
			verdict.Checks[rule.RuleID] = "pass"
			passed++
			continue
		}
		verdict.Checks[rule.RuleID] = "fail"
		if rule.Severity == "critical" {
			verdict.Issues = append(verdict.Issues, rule.Message)
		} else {
			verdict.Recommendations = append(verdict.Recommendations, rule.Message)
		}
	}
	if len(rules.Rules) > 0 {
		verdict.CompletenessScore = float64(passed) / float64(len(rules.Rules))
	} else {
		verdict.CompletenessScore = 1
	}

	switch {
	case len(verdict.Issues) > 0:
		verdict.Status = pipeline.VerdictRejected
	case len(verdict.Recommendations) > 0:
		verdict.Status = pipeline.VerdictNeedsReview
		verdict.Approved = true
	default:
		verdict.Status = pipeline.VerdictApproved
		verdict.Approved = true
	}

	if verdict.Approved && sc.Narrative != "" {
		// Approved narratives feed the comparable-case corpus for future
		// drafts. Best effort, a missing index never blocks approval.
		doc := &knowledge.Document{
			Collection: knowledge.Narratives,
			ID:         "narrative-" + string(sc.JobID),
			Text:       sc.Narrative,
			Metadata:   map[string]any{"report_type": string(sc.ReportType), "job_id": string(sc.JobID)},
		}
		if err := kb.AddDocument(ctx, doc); err != nil {
			v.Log.Warn("approved narrative indexing failed",
				zap.String("job_id", string(sc.JobID)), zap.Error(err))
		}
	}

	return verdictResult(verdict), nil
}

func verdictResult(verdict *pipeline.Verdict) *pipeline.Result {
	return &pipeline.Result{
		Verdict: verdict,
		Detail: map[string]any{
			"status":          verdict.Status,
			"approved":        verdict.Approved,
			"score":           verdict.CompletenessScore,
			"issues":          verdict.Issues,
			"recommendations": verdict.Recommendations,
		},
	}
}

// fieldValue looks a rule field up in the aggregated fields; the narrative
// is validated from the current draft, not the field map.
func fieldValue(sc *pipeline.Context, field string) any {
	if field == "narrative" {
		return sc.Narrative
	}
	return sc.Fields[field]
}

// evaluateCheck runs one declarative check against a value. Unknown checks
// fail closed.
func evaluateCheck(check string, value any) bool {
	name, arg, _ := strings.Cut(check, ":")
	switch name {
	case "present":
		if value == nil {
			return false
		}
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return true
	case "min_words":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false
		}
		s, _ := value.(string)
		return len(strings.Fields(s)) >= n
	case "positive":
		f, ok := asFloat(value)
		return ok && f > 0
	case "min_amount":
		min, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return false
		}
		f, ok := asFloat(value)
		return ok && f >= min
	case "mentions_amount":
		s, _ := value.(string)
		return strings.Contains(s, "$")
	default:
		return false
	}
}
