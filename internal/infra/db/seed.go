package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

// Seed installs the baseline report schemas, validation rules, field
// mappings and risk indicators when the schema collection is empty.
// Idempotent: a seeded database is left untouched. Driver-neutral, works
// against any StructuredStore.
func Seed(ctx context.Context, store knowledge.StructuredStore) error {
	existing, err := store.List(ctx, knowledge.CollectionSchema)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for key, value := range seedSchemas {
		if err := put(ctx, store, knowledge.CollectionSchema, key, value); err != nil {
			return err
		}
	}
	for key, value := range seedRules {
		if err := put(ctx, store, knowledge.CollectionRule, key, value); err != nil {
			return err
		}
	}
	for key, value := range seedMappings {
		if err := put(ctx, store, knowledge.CollectionMapping, key, value); err != nil {
			return err
		}
	}
	for key, value := range seedIndicators {
		if err := put(ctx, store, knowledge.CollectionIndicator, key, value); err != nil {
			return err
		}
	}
	return nil
}

func put(ctx context.Context, store knowledge.StructuredStore, c knowledge.Collection, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("seed %s/%s: %w", c, key, err)
	}
	return store.Put(ctx, &knowledge.Record{Collection: c, Key: key, Value: raw})
}

var seedSchemas = map[string]map[string]any{
	"SAR": {
		"report_type": "SAR",
		"version":     "2.0",
		"form_number": "FinCEN Form 111",
		"fields": []map[string]any{
			{"field_id": "subject_name", "required": true, "max_length": 150},
			{"field_id": "institution_name", "required": true, "max_length": 150},
			{"field_id": "activity_type", "required": true},
			{"field_id": "total_amount", "required": true},
			{"field_id": "activity_date", "required": false},
			{"field_id": "narrative", "required": true},
		},
	},
	"CTR": {
		"report_type": "CTR",
		"version":     "1.2",
		"form_number": "FinCEN Form 112",
		"fields": []map[string]any{
			{"field_id": "conductor_name", "required": true, "max_length": 150},
			{"field_id": "institution_name", "required": true, "max_length": 150},
			{"field_id": "total_cash_in", "required": true},
			{"field_id": "transaction_date", "required": false},
			{"field_id": "narrative", "required": true},
		},
	},
	"Sanctions": {
		"report_type": "Sanctions",
		"version":     "1.0",
		"form_number": "OFAC Blocking Report",
		"fields": []map[string]any{
			{"field_id": "subject_name", "required": true, "max_length": 150},
			{"field_id": "sanctioned_jurisdiction", "required": true},
			{"field_id": "total_amount", "required": true},
			{"field_id": "narrative", "required": true},
		},
	},
}

var seedRules = map[string]map[string]any{
	"SAR": {
		"report_type": "SAR",
		"rules": []map[string]any{
			{"rule_id": "SAR-C001", "severity": "critical", "field": "subject_name", "check": "present", "message": "Subject must be identified"},
			{"rule_id": "SAR-C002", "severity": "critical", "field": "narrative", "check": "min_words:40", "message": "Narrative must describe who, what, when, where and why in at least 40 words"},
			{"rule_id": "SAR-C003", "severity": "critical", "field": "total_amount", "check": "positive", "message": "Total amount must be positive"},
			{"rule_id": "SAR-Q001", "severity": "quality", "field": "narrative", "check": "mentions_amount", "message": "Narrative should state the dollar amount involved"},
		},
	},
	"CTR": {
		"report_type": "CTR",
		"rules": []map[string]any{
			{"rule_id": "CTR-C001", "severity": "critical", "field": "conductor_name", "check": "present", "message": "Conductor must be identified"},
			{"rule_id": "CTR-C002", "severity": "critical", "field": "total_cash_in", "check": "min_amount:10000", "message": "CTR requires aggregate cash of $10,000 or more"},
			{"rule_id": "CTR-C003", "severity": "critical", "field": "narrative", "check": "min_words:15", "message": "Narrative must summarize the currency transaction"},
		},
	},
	"Sanctions": {
		"report_type": "Sanctions",
		"rules": []map[string]any{
			{"rule_id": "SNC-C001", "severity": "critical", "field": "subject_name", "check": "present", "message": "Blocked party must be identified"},
			{"rule_id": "SNC-C002", "severity": "critical", "field": "sanctioned_jurisdiction", "check": "present", "message": "Sanctioned jurisdiction must be named"},
			{"rule_id": "SNC-C003", "severity": "critical", "field": "narrative", "check": "min_words:25", "message": "Narrative must describe the sanctions nexus"},
		},
	},
}

var seedMappings = map[string]map[string]any{
	"SAR": {
		"report_type": "SAR",
		"mappings": []map[string]any{
			{"source": "subject.name", "target": "subject_name"},
			{"source": "institution.name", "target": "institution_name"},
			{"source": "alert.activity_type", "target": "activity_type"},
			{"source": "transactions.total_usd", "target": "total_amount"},
			{"source": "alert.detected_at", "target": "activity_date"},
		},
	},
	"CTR": {
		"report_type": "CTR",
		"mappings": []map[string]any{
			{"source": "subject.name", "target": "conductor_name"},
			{"source": "institution.name", "target": "institution_name"},
			{"source": "transactions.total_cash_usd", "target": "total_cash_in"},
			{"source": "transactions.first_date", "target": "transaction_date"},
		},
	},
	"Sanctions": {
		"report_type": "Sanctions",
		"mappings": []map[string]any{
			{"source": "subject.name", "target": "subject_name"},
			{"source": "transactions.destination_countries", "target": "sanctioned_jurisdiction"},
			{"source": "transactions.total_usd", "target": "total_amount"},
		},
	},
}

var seedIndicators = map[string]map[string]any{
	"structuring": {
		"indicator_id": "RI-001",
		"name":         "Structuring",
		"category":     "SAR",
		"risk_level":   "high",
		"detection":    map[string]any{"min_deposits": 3, "threshold_usd": 10000},
		"reference":    "31 CFR 1010.314",
	},
	"ctr-threshold": {
		"indicator_id": "RI-002",
		"name":         "Currency transaction threshold",
		"category":     "CTR",
		"risk_level":   "medium",
		"detection":    map[string]any{"min_cash_usd": 10000},
		"reference":    "31 CFR 1010.311",
	},
	"sanctioned-jurisdictions": {
		"indicator_id": "RI-003",
		"name":         "Sanctioned jurisdiction exposure",
		"category":     "Sanctions",
		"risk_level":   "critical",
		"detection": map[string]any{
			"jurisdictions": []string{"iran", "north korea", "cuba", "syria", "crimea"},
		},
		"reference": "OFAC SDN programs",
	},
}
