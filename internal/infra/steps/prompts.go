package steps

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

// summarySystemPrompt directs the model to condense a raw case into one
// factual paragraph. JSON only, no markdown.
func summarySystemPrompt() string {
	return `You are a financial crimes compliance analyst. You must produce one valid JSON object only (no markdown, no commentary). Do not include code fences.

Requirements:
- Output must be a single JSON object with exactly one field "summary".
- The summary is one factual paragraph describing who did what, when, where and for how much, drawn only from the provided case data.
- Never invent names, dates or amounts that are not in the case data.

Schema (example with empty values):
{
  "summary": "<string>"
}`
}

func summaryUserPrompt(c map[string]any) string {
	raw, _ := json.Marshal(c)
	return fmt.Sprintf("Summarize this case record as JSON per schema. Case: %s", raw)
}

// narrativeSystemPrompt directs the model to draft a regulatory report
// narrative suitable for filing.
func narrativeSystemPrompt(rt jobs.ReportType) string {
	return fmt.Sprintf(`You are a financial crimes compliance analyst drafting the narrative section of a %s filing. You must produce one valid JSON object only (no markdown, no commentary). Do not include code fences.

Requirements:
- Output must be a single JSON object with exactly one field "narrative".
- The narrative must state who, what, when, where and why, in plain declarative prose of at least 60 words.
- State every dollar amount explicitly with a $ sign.
- Use only the facts provided; never invent details.
- If reviewer feedback is provided, every feedback item must be addressed.

Schema (example with empty values):
{
  "narrative": "<string>"
}`, rt)
}

func narrativeUserPrompt(caseNarrative string, fields map[string]any, similar []knowledge.ScoredDocument, feedback []string) string {
	var sb strings.Builder
	sb.WriteString("Draft the filing narrative as JSON per schema.\n")
	sb.WriteString("Case summary: ")
	sb.WriteString(caseNarrative)
	sb.WriteByte('\n')
	if len(fields) > 0 {
		raw, _ := json.Marshal(fields)
		sb.WriteString("Report fields: ")
		sb.Write(raw)
		sb.WriteByte('\n')
	}
	if len(similar) > 0 {
		sb.WriteString("Reference narratives from comparable cases:\n")
		for i, hit := range similar {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, hit.Document.Text)
		}
	}
	if len(feedback) > 0 {
		sb.WriteString("Reviewer feedback on the previous draft, each item must be addressed:\n")
		for _, item := range feedback {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
