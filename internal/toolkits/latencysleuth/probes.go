// -----------------------------------------------------------------------
// Probe Execution - Deterministic synthetic latency sampling
// -----------------------------------------------------------------------

package latencysleuth

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/ternarybob/toolbox/internal/models"
)

// deterministicLatency derives a reproducible latency from the template
// identity and attempt number so repeated runs, previews, and tests agree.
func deterministicLatency(template *models.ProbeTemplate, attempt int) float64 {
	seed := fmt.Sprintf("%s:%d:%d:%d", template.ID, attempt, template.SlaMs, template.IntervalSeconds)
	hasher := fnv.New64a()
	hasher.Write([]byte(seed))
	rng := rand.New(rand.NewSource(int64(hasher.Sum64())))

	ceiling := float64(template.SlaMs) * 1.5
	if template.SlaMs <= 0 {
		ceiling = 500.0
	}
	base := 20.0 + rng.Float64()*(ceiling-20.0)
	jitter := (rng.Float64()*0.2 - 0.1) * base
	latency := base + jitter
	if latency < 1.0 {
		latency = 1.0
	}
	return math.Round(latency*100) / 100
}

// chooseLatency prefers a caller-supplied override for the attempt.
func chooseLatency(template *models.ProbeTemplate, attempt int, overrides []float64) float64 {
	if idx := attempt - 1; idx < len(overrides) {
		return overrides[idx]
	}
	return deterministicLatency(template, attempt)
}

func sampleMessage(latency float64, slaMs int) string {
	difference := latency - float64(slaMs)
	if difference <= 0 {
		return fmt.Sprintf("%.2f ms (within SLA)", latency)
	}
	return fmt.Sprintf("%.2f ms (breach by %.2f ms)", latency, difference)
}

// shouldNotify evaluates a rule threshold against the run's breach count.
// An unset threshold behaves like "breach".
func shouldNotify(rule models.NotificationRule, breachCount int) bool {
	switch rule.Threshold {
	case models.NotifyAlways:
		return true
	case models.NotifyRecovery:
		return breachCount == 0
	case models.NotifyBreach, "":
		return breachCount > 0
	default:
		return false
	}
}

// selectChannels returns the channels whose rules fire for this run,
// preserving rule order and repeats.
func selectChannels(rules []models.NotificationRule, samples []models.ProbeSample) []string {
	breaches := 0
	for _, sample := range samples {
		if sample.Breach {
			breaches++
		}
	}

	channels := []string{}
	for _, rule := range rules {
		if shouldNotify(rule, breaches) {
			channels = append(channels, rule.Channel)
		}
	}
	return channels
}

// ExecuteProbe samples the template's synthetic latency and aggregates the
// run. overrides replaces the generated latency for the leading attempts,
// which keeps breach scenarios scriptable.
func ExecuteProbe(template *models.ProbeTemplate, sampleSize int, overrides []float64) (models.ProbeRunSummary, error) {
	if sampleSize <= 0 {
		return models.ProbeRunSummary{}, fmt.Errorf("sample_size must be positive")
	}

	samples := make([]models.ProbeSample, 0, sampleSize)
	for attempt := 1; attempt <= sampleSize; attempt++ {
		latency := chooseLatency(template, attempt, overrides)
		samples = append(samples, models.ProbeSample{
			Attempt:   attempt,
			Timestamp: time.Now().UTC(),
			LatencyMs: latency,
			Breach:    latency > float64(template.SlaMs),
			Message:   sampleMessage(latency, template.SlaMs),
		})
	}

	summary := models.NewProbeRunSummary(
		template.ID,
		template.Name,
		template.SlaMs,
		samples,
		selectChannels(template.Rules, samples),
	)
	return summary, nil
}

// percentile95 is the p95 latency across the samples, rounded to two
// decimal places. Uses the nearest-rank method.
func percentile95(samples []models.ProbeSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	latencies := make([]float64, 0, len(samples))
	for _, sample := range samples {
		latencies = append(latencies, sample.LatencyMs)
	}
	sort.Float64s(latencies)

	rank := int(math.Ceil(0.95*float64(len(latencies)))) - 1
	if rank < 0 {
		rank = 0
	}
	return math.Round(latencies[rank]*100) / 100
}
