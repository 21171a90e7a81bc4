package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Scope returns a job-scoped knowledge view. Mutations made through it are
// attributed to the job and the acting step in the audit trail.
type Scope func(id jobs.JobID, actor string) pipeline.Knowledge

// Generator is the language-model surface the router and narrative steps
// use. Responses are JSON documents.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// parseJSONField pulls a single string field out of a model response,
// tolerating markdown code fences around the document.
func parseJSONField(raw, field string) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var doc map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &doc); err != nil {
		return "", false
	}
	s, ok := doc[field].(string)
	return strings.TrimSpace(s), ok && s != ""
}
