// -----------------------------------------------------------------------
// Latency Sleuth Worker - run_probe execution against a template
// -----------------------------------------------------------------------

package latencysleuth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/scheduler"
)

type runProbePayload struct {
	TemplateID       string    `json:"template_id"`
	SampleSize       int       `json:"sample_size"`
	LatencyOverrides []float64 `json:"latency_overrides"`
}

func decodePayload(payload map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}

// handleRunProbe executes one synthetic probe run: sample, log each
// attempt, archive the summary, and report the aggregate as the job
// result. The job record is polled between samples so cancellation lands
// within one attempt.
func (b *Bundle) handleRunProbe(ctx context.Context, job *models.Job) error {
	var payload runProbePayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return err
	}
	if payload.TemplateID == "" {
		return errors.New("template_id is required")
	}

	template, err := b.templates.Get(ctx, payload.TemplateID)
	if err != nil {
		return err
	}
	if template == nil {
		return fmt.Errorf("Probe template %s not found", payload.TemplateID)
	}

	sampleSize := payload.SampleSize
	if sampleSize == 0 {
		sampleSize = scheduler.DefaultSampleSize
	}
	if sampleSize < 0 {
		return errors.New("sample_size must be positive")
	}

	if err := b.jobs.AppendLog(ctx, job, fmt.Sprintf("Running latency probe '%s' (%d samples)", template.Name, sampleSize)); err != nil {
		return err
	}

	summary, err := ExecuteProbe(template, sampleSize, payload.LatencyOverrides)
	if err != nil {
		return err
	}

	total := len(summary.Samples)
	for idx, sample := range summary.Samples {
		if b.beforeSample != nil {
			b.beforeSample(sample.Attempt)
		}

		current, err := b.jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if current != nil && current.Status == models.JobStatusCancelling {
			return b.jobs.MarkCancelled(ctx, job, "Probe cancellation requested; stopping remaining samples")
		}

		job.Progress = (100 * (idx + 1)) / total
		state := "OK"
		if sample.Breach {
			state = "BREACH"
		}
		if err := b.jobs.AppendLog(ctx, job, fmt.Sprintf("Attempt %d: %.2f ms — %s", sample.Attempt, sample.LatencyMs, state)); err != nil {
			return err
		}
	}

	if _, err := b.templates.RecordResult(ctx, summary); err != nil {
		return err
	}

	if len(summary.NotifiedChannels) > 0 {
		message := "Notifications dispatched to: " + strings.Join(summary.NotifiedChannels, ", ")
		if err := b.jobs.AppendLog(ctx, job, message); err != nil {
			return err
		}
	}

	job.Result = map[string]interface{}{
		"template_id": summary.TemplateID,
		"samples":     summary.Samples,
		"p95_ms":      percentile95(summary.Samples),
		"breaches":    summary.BreachCount,
		"sla_ms":      summary.SlaMs,
	}
	return nil
}
