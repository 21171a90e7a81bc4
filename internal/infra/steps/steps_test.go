package steps

import (
	"context"
	"encoding/json"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// kbFake satisfies pipeline.Knowledge for step tests.
type kbFake struct {
	records    map[string]*knowledge.Record
	docs       []*knowledge.Document
	sufficient bool
	getErr     error
	addErr     error
	searchHits []knowledge.ScoredDocument
}

func newKBFake() *kbFake {
	return &kbFake{records: map[string]*knowledge.Record{}, sufficient: true}
}

func (f *kbFake) scope() Scope {
	return func(jobs.JobID, string) pipeline.Knowledge { return f }
}

func (f *kbFake) putRecord(c knowledge.Collection, key string, value map[string]any) {
	raw, _ := json.Marshal(value)
	f.records[string(c)+"/"+key] = &knowledge.Record{Collection: c, Key: key, Value: raw, Version: 1}
}

func (f *kbFake) Get(_ context.Context, c knowledge.Collection, key string) (*knowledge.Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[string(c)+"/"+key]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	return rec, nil
}

func (f *kbFake) Put(_ context.Context, c knowledge.Collection, key string, value []byte) error {
	f.records[string(c)+"/"+key] = &knowledge.Record{Collection: c, Key: key, Value: value}
	return nil
}

func (f *kbFake) AddDocument(_ context.Context, doc *knowledge.Document) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.docs = append(f.docs, doc)
	return nil
}

func (f *kbFake) SemanticSearch(_ context.Context, _ knowledge.SemanticCollection, _ string, _ int) ([]knowledge.ScoredDocument, error) {
	return f.searchHits, nil
}

func (f *kbFake) HasSufficientContext(_ context.Context, _ jobs.ReportType) (bool, error) {
	return f.sufficient, nil
}

// structuringCase is the canonical structuring fixture: four sub-threshold
// cash deposits aggregating above the CTR threshold.
func structuringCase() map[string]any {
	return map[string]any{
		"subject":     map[string]any{"name": "Pat Doe"},
		"institution": map[string]any{"name": "First Example Bank"},
		"transactions": []any{
			map[string]any{"instrument_type": "cash", "amount_usd": 9500.0, "date": "2026-07-01"},
			map[string]any{"instrument_type": "cash", "amount_usd": 9200.0, "date": "2026-07-02"},
			map[string]any{"instrument_type": "cash", "amount_usd": 9800.0, "date": "2026-07-03"},
			map[string]any{"instrument_type": "cash", "amount_usd": 9100.0, "date": "2026-07-05"},
		},
	}
}

func ctrCase() map[string]any {
	return map[string]any{
		"subject":     map[string]any{"name": "Lee Smith"},
		"institution": map[string]any{"name": "First Example Bank"},
		"transactions": []any{
			map[string]any{"instrument_type": "cash", "amount_usd": 14000.0, "date": "2026-07-10"},
		},
	}
}

func sanctionsCase() map[string]any {
	return map[string]any{
		"subject": map[string]any{"name": "Acme Trading Ltd"},
		"transactions": []any{
			map[string]any{"type": "wire", "amount_usd": 50000.0, "date": "2026-07-11", "destination_country": "Iran"},
		},
	}
}

func benignCase() map[string]any {
	return map[string]any{
		"subject": map[string]any{"name": "Sam Green"},
		"transactions": []any{
			map[string]any{"instrument_type": "check", "amount_usd": 1200.0, "date": "2026-07-12"},
		},
	}
}
