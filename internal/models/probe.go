// -----------------------------------------------------------------------
// Probe Template - Latency Sleuth synthetic probe definitions
// -----------------------------------------------------------------------

package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Notification channels a probe template can alert through.
const (
	NotifySlack     = "slack"
	NotifyPagerDuty = "pagerduty"
	NotifyEmail     = "email"
	NotifyWebhook   = "webhook"
)

// Notification thresholds controlling when a rule fires.
const (
	NotifyAlways   = "always"
	NotifyBreach   = "breach"
	NotifyRecovery = "recovery"
)

// NotificationRule describes how probe breaches alert external systems.
type NotificationRule struct {
	Channel   string `json:"channel" validate:"required,oneof=slack pagerduty email webhook"`
	Target    string `json:"target" validate:"required,min=1"`
	Threshold string `json:"threshold" validate:"omitempty,oneof=always breach recovery"`
}

// ProbeTemplate is a reusable synthetic latency probe. Templates live in a
// Redis hash keyed by id; next_run_at drives the scheduler and only ever
// moves forward.
type ProbeTemplate struct {
	ID              string             `json:"id"`
	Name            string             `json:"name" validate:"required,min=1,max=120"`
	Description     string             `json:"description,omitempty" validate:"max=500"`
	URL             string             `json:"url" validate:"required,url"`
	Method          string             `json:"method" validate:"omitempty,oneof=GET HEAD POST"`
	SlaMs           int                `json:"sla_ms" validate:"required,gt=0,lte=60000"`
	IntervalSeconds int                `json:"interval_seconds" validate:"omitempty,gte=30,lte=3600"`
	Rules           []NotificationRule `json:"notification_rules"`
	Tags            []string           `json:"tags"`
	NextRunAt       *time.Time         `json:"next_run_at"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ProbeTemplateCreate is the creation payload for a probe template.
type ProbeTemplateCreate struct {
	Name            string             `json:"name" validate:"required,min=1,max=120"`
	Description     string             `json:"description" validate:"max=500"`
	URL             string             `json:"url" validate:"required,url"`
	Method          string             `json:"method" validate:"omitempty,oneof=GET HEAD POST"`
	SlaMs           int                `json:"sla_ms" validate:"required,gt=0,lte=60000"`
	IntervalSeconds int                `json:"interval_seconds" validate:"omitempty,gte=30,lte=3600"`
	Rules           []NotificationRule `json:"notification_rules" validate:"dive"`
	Tags            []string           `json:"tags"`
}

// ProbeTemplateUpdate carries partial changes; nil fields stay untouched.
type ProbeTemplateUpdate struct {
	Name            *string             `json:"name" validate:"omitempty,min=1,max=120"`
	Description     *string             `json:"description" validate:"omitempty,max=500"`
	URL             *string             `json:"url" validate:"omitempty,url"`
	Method          *string             `json:"method" validate:"omitempty,oneof=GET HEAD POST"`
	SlaMs           *int                `json:"sla_ms" validate:"omitempty,gt=0,lte=60000"`
	IntervalSeconds *int                `json:"interval_seconds" validate:"omitempty,gte=30,lte=3600"`
	Rules           *[]NotificationRule `json:"notification_rules" validate:"omitempty,dive"`
	Tags            *[]string           `json:"tags"`
}

// NewProbeTemplate builds a template from a validated creation payload,
// applying the method and interval defaults.
func NewProbeTemplate(payload ProbeTemplateCreate) *ProbeTemplate {
	now := time.Now().UTC()
	method := payload.Method
	if method == "" {
		method = "GET"
	}
	interval := payload.IntervalSeconds
	if interval == 0 {
		interval = 300
	}
	return &ProbeTemplate{
		ID:              uuid.New().String(),
		Name:            payload.Name,
		Description:     payload.Description,
		URL:             payload.URL,
		Method:          method,
		SlaMs:           payload.SlaMs,
		IntervalSeconds: interval,
		Rules:           payload.Rules,
		Tags:            DedupeTags(payload.Tags),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// DedupeTags removes empty and repeated tags while preserving order.
func DedupeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// ProbeSample is a single latency measurement within a probe run.
type ProbeSample struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs float64   `json:"latency_ms"`
	Breach    bool      `json:"breach"`
	Message   string    `json:"message,omitempty"`
}

// ProbeRunSummary aggregates the samples of one probe run.
type ProbeRunSummary struct {
	TemplateID       string        `json:"template_id"`
	TemplateName     string        `json:"template_name"`
	SlaMs            int           `json:"sla_ms"`
	Samples          []ProbeSample `json:"samples"`
	AverageLatencyMs float64       `json:"average_latency_ms"`
	BreachCount      int           `json:"breach_count"`
	MetSLA           bool          `json:"met_sla"`
	NotifiedChannels []string      `json:"notified_channels"`
}

// NewProbeRunSummary derives the aggregate fields from the samples.
func NewProbeRunSummary(templateID, templateName string, slaMs int, samples []ProbeSample, notified []string) ProbeRunSummary {
	breaches := 0
	total := 0.0
	for _, sample := range samples {
		if sample.Breach {
			breaches++
		}
		total += sample.LatencyMs
	}
	average := 0.0
	if len(samples) > 0 {
		average = math.Round(total/float64(len(samples))*100) / 100
	}
	if notified == nil {
		notified = []string{}
	}
	return ProbeRunSummary{
		TemplateID:       templateID,
		TemplateName:     templateName,
		SlaMs:            slaMs,
		Samples:          samples,
		AverageLatencyMs: average,
		BreachCount:      breaches,
		MetSLA:           breaches == 0,
		NotifiedChannels: notified,
	}
}

// ProbeHistoryEntry is one archived run in a template's history list.
type ProbeHistoryEntry struct {
	TemplateID string          `json:"template_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Summary    ProbeRunSummary `json:"summary"`
}

// HeatmapCell is one rendered cell of the latency heatmap.
type HeatmapCell struct {
	Timestamp time.Time `json:"timestamp"`
	LatencyMs float64   `json:"latency_ms"`
	Breach    bool      `json:"breach"`
}

// LatencyHeatmap is the column-major heatmap view of recent probe samples.
type LatencyHeatmap struct {
	TemplateID string          `json:"template_id"`
	Columns    int             `json:"columns"`
	Rows       [][]HeatmapCell `json:"rows"`
}
