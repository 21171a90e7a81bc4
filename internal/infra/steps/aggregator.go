package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Aggregator resolves the case record into the report field map dictated by
// the schema and mapping records for the classified report type.
type Aggregator struct {
	KB  Scope
	Log *zap.Logger
}

type schemaDoc struct {
	Version    string `json:"version"`
	FormNumber string `json:"form_number"`
	Fields     []struct {
		FieldID  string `json:"field_id"`
		Required bool   `json:"required"`
	} `json:"fields"`
}

type mappingDoc struct {
	Mappings []struct {
		Source string `json:"source"`
		Target string `json:"target"`
	} `json:"mappings"`
}

func (a *Aggregator) Name() pipeline.StepName { return pipeline.StepAggregator }

func (a *Aggregator) Run(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
	if sc.ReportType == jobs.ReportUnclassified {
		// No filing requirement, so no schema to resolve against.
		agg := &pipeline.Aggregation{
			Fields: map[string]any{
				"determination": "no filing requirement identified",
				"summary":       sc.CaseNarrative,
			},
		}
		return &pipeline.Result{
			Aggregation: agg,
			Detail:      map[string]any{"fields": agg.Fields},
		}, nil
	}

	kb := a.KB(sc.JobID, string(pipeline.StepAggregator))

	schemaRec, err := kb.Get(ctx, knowledge.CollectionSchema, string(sc.ReportType))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return nil, &pipeline.ValidationError{
				Step:    pipeline.StepAggregator,
				Message: fmt.Sprintf("no schema registered for report type %s", sc.ReportType),
			}
		}
		return nil, err
	}
	var schema schemaDoc
	if err := json.Unmarshal(schemaRec.Value, &schema); err != nil {
		return nil, &pipeline.ValidationError{
			Step:    pipeline.StepAggregator,
			Message: fmt.Sprintf("schema record for %s is unreadable: %v", sc.ReportType, err),
		}
	}

	mappingRec, err := kb.Get(ctx, knowledge.CollectionMapping, string(sc.ReportType))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return nil, &pipeline.ValidationError{
				Step:    pipeline.StepAggregator,
				Message: fmt.Sprintf("no field mapping registered for report type %s", sc.ReportType),
			}
		}
		return nil, err
	}
	var mapping mappingDoc
	if err := json.Unmarshal(mappingRec.Value, &mapping); err != nil {
		return nil, &pipeline.ValidationError{
			Step:    pipeline.StepAggregator,
			Message: fmt.Sprintf("mapping record for %s is unreadable: %v", sc.ReportType, err),
		}
	}

	fields := map[string]any{}
	for _, m := range mapping.Mappings {
		if v := resolveSource(sc.Case, m.Source); v != nil {
			fields[m.Target] = v
		}
	}
	if len(fields) == 0 {
		return nil, &pipeline.ValidationError{
			Step:    pipeline.StepAggregator,
			Message: "no case fields could be resolved against the report mapping",
		}
	}

	agg := &pipeline.Aggregation{
		SchemaVersion: schema.Version,
		Fields:        fields,
		TotalCashUSD:  TotalCashAmount(sc.Case),
	}
	return &pipeline.Result{
		Aggregation: agg,
		Detail: map[string]any{
			"fields":         fields,
			"schema_version": schema.Version,
			"form_number":    schema.FormNumber,
		},
	}, nil
}

// resolveSource evaluates a dotted source path against the case. Paths under
// transactions. are computed aggregates over the transaction list; everything
// else is a plain map descent.
func resolveSource(c map[string]any, source string) any {
	if rest, ok := strings.CutPrefix(source, "transactions."); ok {
		return resolveTransactionAggregate(c, rest)
	}
	cur := any(c)
	for _, key := range strings.Split(source, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	if s, ok := cur.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	return cur
}

func resolveTransactionAggregate(c map[string]any, name string) any {
	switch name {
	case "total_usd":
		if total := TotalAmount(c); total > 0 {
			return total
		}
	case "total_cash_usd":
		if total := TotalCashAmount(c); total > 0 {
			return total
		}
	case "first_date":
		var first string
		for _, tx := range Transactions(c) {
			if d, _ := tx["date"].(string); d != "" && (first == "" || d < first) {
				first = d
			}
		}
		if first != "" {
			return first
		}
	case "destination_countries":
		if countries := DestinationCountries(c); len(countries) > 0 {
			return strings.Join(countries, ", ")
		}
	case "count":
		if n := len(Transactions(c)); n > 0 {
			return n
		}
	}
	return nil
}
