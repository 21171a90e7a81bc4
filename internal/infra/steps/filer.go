package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/application"
	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
)

// Filer renders the final report document and uploads it to the artifact
// store. For Unclassified cases it files a no-action determination instead
// of a regulatory report.
type Filer struct {
	Artifacts jobs.ArtifactStore
	Clock     application.Clock
	Log       *zap.Logger
}

func (f *Filer) Name() pipeline.StepName { return pipeline.StepFiler }

func (f *Filer) Run(ctx context.Context, sc *pipeline.Context) (*pipeline.Result, error) {
	doc := map[string]any{
		"report_type": string(sc.ReportType),
		"job_id":      string(sc.JobID),
		"narrative":   sc.Narrative,
		"filed_at":    f.Clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if sc.ReportType == jobs.ReportUnclassified {
		doc["filing_required"] = false
		doc["determination"] = "no filing requirement identified"
	} else {
		doc["filing_required"] = true
		doc["fields"] = sc.Fields
		if sc.Verdict != nil {
			doc["validation"] = sc.Verdict
		}
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, &pipeline.ArtifactError{Err: fmt.Errorf("render report: %w", err)}
	}

	key := fmt.Sprintf("%s/%s/report.json", strings.ToLower(string(sc.ReportType)), sc.JobID)
	url, err := f.Artifacts.Put(ctx, key, "application/json", body)
	if err != nil {
		return nil, &pipeline.ArtifactError{Err: err}
	}
	f.Log.Info("report filed",
		zap.String("job_id", string(sc.JobID)),
		zap.String("report_type", string(sc.ReportType)),
		zap.String("key", key),
	)

	ref := &jobs.ArtifactRef{Key: key, URL: url, ContentType: "application/json"}
	return &pipeline.Result{
		Artifact: ref,
		Detail: map[string]any{
			"artifact_key": key,
			"artifact_url": url,
			"size_bytes":   len(body),
		},
	}, nil
}
