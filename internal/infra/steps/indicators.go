package steps

import (
	"context"
	"encoding/json"

	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Indicators are the tunable detection parameters behind case triage. The
// values live in the indicator collection of the knowledge base so compliance
// can adjust thresholds and jurisdiction lists without a release; the
// builtins apply when a record is missing or unreadable.
type Indicators struct {
	CTRThresholdUSD         float64
	StructuringMinDeposits  int
	StructuringThresholdUSD float64
	SanctionedJurisdictions []string
}

func defaultIndicators() Indicators {
	return Indicators{
		CTRThresholdUSD:         ctrThresholdUSD,
		StructuringMinDeposits:  3,
		StructuringThresholdUSD: ctrThresholdUSD,
		SanctionedJurisdictions: sanctionedJurisdictions,
	}
}

type indicatorDoc struct {
	Detection struct {
		MinDeposits   int      `json:"min_deposits"`
		ThresholdUSD  float64  `json:"threshold_usd"`
		MinCashUSD    float64  `json:"min_cash_usd"`
		Jurisdictions []string `json:"jurisdictions"`
	} `json:"detection"`
}

// LoadIndicators resolves the triage parameters from the indicator records,
// one record per detection pattern. Lookups go through the coordinator, so
// the records are cached like any other structured read.
func LoadIndicators(ctx context.Context, kb pipeline.Knowledge) Indicators {
	ind := defaultIndicators()

	if doc, ok := indicatorRecord(ctx, kb, "ctr-threshold"); ok && doc.Detection.MinCashUSD > 0 {
		ind.CTRThresholdUSD = doc.Detection.MinCashUSD
	}
	if doc, ok := indicatorRecord(ctx, kb, "structuring"); ok {
		if doc.Detection.MinDeposits > 0 {
			ind.StructuringMinDeposits = doc.Detection.MinDeposits
		}
		if doc.Detection.ThresholdUSD > 0 {
			ind.StructuringThresholdUSD = doc.Detection.ThresholdUSD
		}
	}
	if doc, ok := indicatorRecord(ctx, kb, "sanctioned-jurisdictions"); ok && len(doc.Detection.Jurisdictions) > 0 {
		ind.SanctionedJurisdictions = doc.Detection.Jurisdictions
	}
	return ind
}

func indicatorRecord(ctx context.Context, kb pipeline.Knowledge, key string) (*indicatorDoc, bool) {
	rec, err := kb.Get(ctx, knowledge.CollectionIndicator, key)
	if err != nil {
		return nil, false
	}
	var doc indicatorDoc
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		return nil, false
	}
	return &doc, true
}
