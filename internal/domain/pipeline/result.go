package pipeline

import (
	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
)

// Classification is the router step's output.
type Classification struct {
	ReportType     jobs.ReportType `json:"report_type"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	MissingContext bool            `json:"missing_context"`
	Narrative      string          `json:"narrative"`
}

// Research summarizes what the researcher ingested.
type Research struct {
	DocumentsAdded int      `json:"documents_added"`
	Sources        []string `json:"sources,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Aggregation is the resolved schema/field mapping output.
type Aggregation struct {
	SchemaVersion string         `json:"schema_version"`
	Fields        map[string]any `json:"fields"`
	TotalCashUSD  float64        `json:"total_cash_usd"`
}

// Verdict statuses, mirroring the QA review outcomes.
const (
	VerdictApproved    = "APPROVED"
	VerdictRejected    = "REJECTED"
	VerdictNeedsReview = "NEEDS_REVIEW"
)

// Verdict is the validator step's output. A rejection is normal control
// flow back to narration, not an error.
type Verdict struct {
	Status            string            `json:"status"`
	Approved          bool              `json:"approved"`
	CompletenessScore float64           `json:"completeness_score"`
	Checks            map[string]string `json:"checks,omitempty"`
	Issues            []string          `json:"issues,omitempty"`
	Recommendations   []string          `json:"recommendations,omitempty"`
}

// Result is the typed output of a step. Each step fills only the part it
// owns; Detail is copied into the step history entry.
type Result struct {
	Classification *Classification
	Research       *Research
	Aggregation    *Aggregation
	Narrative      string
	Verdict        *Verdict
	Artifact       *jobs.ArtifactRef
	Detail         map[string]any
}
