// -----------------------------------------------------------------------
// Latency Sleuth Bundle - Synthetic probe templates and run history
// -----------------------------------------------------------------------

package latencysleuth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/scheduler"
	"github.com/ternarybob/toolbox/internal/toolkits"
)

const bundleVersion = "0.9.0"

const defaultHistoryLimit = 10

// Bundle wires the Latency Sleuth toolkit: probe template CRUD, manual
// triggers, run history, the heatmap view, and the run_probe worker
// operation.
type Bundle struct {
	templates  *scheduler.TemplateStore
	dispatcher interfaces.JobDispatcher
	jobs       interfaces.JobStore
	validate   *validator.Validate
	logger     arbor.ILogger

	beforeSample func(attempt int)
}

// New creates the bundle around the scheduler's template store so the API,
// the scheduler, and the worker all see the same records.
func New(templates *scheduler.TemplateStore, dispatcher interfaces.JobDispatcher, jobs interfaces.JobStore, logger arbor.ILogger) *Bundle {
	return &Bundle{
		templates:  templates,
		dispatcher: dispatcher,
		jobs:       jobs,
		validate:   validator.New(),
		logger:     logger,
	}
}

func (b *Bundle) Slug() string { return scheduler.ProbeToolkit }

func (b *Bundle) Manifest() models.ToolkitManifest {
	return models.ToolkitManifest{
		Slug:        scheduler.ProbeToolkit,
		Name:        "Latency Sleuth",
		Description: "Synthetic latency probes with SLA tracking and breach notifications.",
		Version:     bundleVersion,
		BasePath:    "/" + scheduler.ProbeToolkit,
		Category:    "observability",
		Tags:        []string{"latency", "sla", "probes"},
		Maintainer:  "SRE Toolbox",
		Backend:     models.ManifestBackend{Module: "backend.app", RouterAttr: "router"},
		Worker:      models.ManifestWorker{Module: "worker.tasks", RegisterAttr: "register"},
		Dashboard:   models.ManifestDashboard{Module: "backend.dashboard", Callable: "build_context"},
		DashboardCards: []models.DashboardCard{
			{
				Title:    "Latency probes",
				Body:     "Schedule synthetic probes and track p95 against SLA.",
				Link:     "/" + scheduler.ProbeToolkit,
				Icon:     "activity",
				Priority: 10,
			},
		},
	}
}

func (b *Bundle) RegisterWorker(reg toolkits.HandlerRegistry) {
	reg.Register(scheduler.ProbeToolkit+"."+scheduler.OperationRunProbe, b.handleRunProbe)
}

// DashboardContext summarizes template activity: totals, 24h run volume
// with breaches, and runs due within the next 15 minutes.
func (b *Bundle) DashboardContext(ctx context.Context) map[string]interface{} {
	templates, err := b.templates.List(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to build latency sleuth dashboard context")
		return nil
	}

	now := time.Now().UTC()
	windowStart := now.Add(-24 * time.Hour)
	upcomingThreshold := now.Add(15 * time.Minute)

	runsLastDay := 0
	breachesLastDay := 0
	upcoming := 0
	for _, template := range templates {
		if template.NextRunAt != nil && !template.NextRunAt.After(upcomingThreshold) {
			upcoming++
		}
		history, err := b.templates.History(ctx, template.ID, scheduler.MaxHistoryEntries)
		if err != nil {
			b.logger.Warn().Err(err).Str("template_id", template.ID).Msg("Skipping history in dashboard context")
			continue
		}
		for _, entry := range history {
			if entry.RecordedAt.Before(windowStart) {
				continue
			}
			runsLastDay++
			breachesLastDay += entry.Summary.BreachCount
		}
	}

	templatesDescription := "Templates actively scheduling synthetic probes."
	if len(templates) == 0 {
		templatesDescription = "Author probe templates to start scheduled latency checks."
	}

	return map[string]interface{}{
		"metrics": []map[string]interface{}{
			{
				"label":       "Templates",
				"value":       len(templates),
				"description": templatesDescription,
			},
			{
				"label": "24h runs",
				"value": runsLastDay,
				"description": fmt.Sprintf("%d breach(es) in the last 24 hours. Upcoming runs (15m): %d.",
					breachesLastDay, upcoming),
			},
		},
	}
}

// Routes serves the probe template API relative to the toolkit base path.
func (b *Bundle) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/templates", b.handleTemplateCollection)
	mux.HandleFunc("/templates/", b.handleTemplateItem)
	return mux
}

func (b *Bundle) handleTemplateCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.listTemplates(w, r)
	case http.MethodPost:
		b.createTemplate(w, r)
	default:
		toolkits.MethodNotAllowed(w)
	}
}

// handleTemplateItem dispatches /templates/{id}[/action] routes.
func (b *Bundle) handleTemplateItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/templates/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	templateID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			b.showTemplate(w, r, templateID)
		case http.MethodPut:
			b.updateTemplate(w, r, templateID)
		case http.MethodDelete:
			b.deleteTemplate(w, r, templateID)
		default:
			toolkits.MethodNotAllowed(w)
		}
		return
	}

	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "trigger":
		if r.Method != http.MethodPost {
			toolkits.MethodNotAllowed(w)
			return
		}
		b.triggerTemplate(w, r, templateID)
	case "preview":
		if r.Method != http.MethodPost {
			toolkits.MethodNotAllowed(w)
			return
		}
		b.previewTemplate(w, r, templateID)
	case "history":
		if r.Method != http.MethodGet {
			toolkits.MethodNotAllowed(w)
			return
		}
		b.templateHistory(w, r, templateID)
	case "heatmap":
		if r.Method != http.MethodGet {
			toolkits.MethodNotAllowed(w)
			return
		}
		b.templateHeatmap(w, r, templateID)
	default:
		http.NotFound(w, r)
	}
}

func (b *Bundle) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := b.templates.List(r.Context())
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.Before(templates[j].CreatedAt)
	})
	toolkits.WriteJSON(w, http.StatusOK, templates)
}

func (b *Bundle) createTemplate(w http.ResponseWriter, r *http.Request) {
	var payload models.ProbeTemplateCreate
	if err := toolkits.DecodeJSON(r, &payload); err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if err := b.validate.Struct(payload); err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid probe template payload"))
		return
	}

	template, err := b.templates.Create(r.Context(), payload)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	toolkits.WriteJSON(w, http.StatusCreated, template)
}

// loadTemplate fetches the template or writes the 404 response.
func (b *Bundle) loadTemplate(w http.ResponseWriter, r *http.Request, templateID string) *models.ProbeTemplate {
	template, err := b.templates.Get(r.Context(), templateID)
	if err != nil {
		toolkits.RespondError(w, err)
		return nil
	}
	if template == nil {
		toolkits.RespondError(w, apperrors.New(apperrors.KindNotFound, "Template not found"))
		return nil
	}
	return template
}

func (b *Bundle) showTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	template := b.loadTemplate(w, r, templateID)
	if template == nil {
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, template)
}

func (b *Bundle) updateTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	var payload models.ProbeTemplateUpdate
	if err := toolkits.DecodeJSON(r, &payload); err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if err := b.validate.Struct(payload); err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid probe template payload"))
		return
	}

	template, err := b.templates.Update(r.Context(), templateID, payload)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if template == nil {
		toolkits.RespondError(w, apperrors.New(apperrors.KindNotFound, "Template not found"))
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, template)
}

func (b *Bundle) deleteTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	deleted, err := b.templates.Delete(r.Context(), templateID)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if !deleted {
		toolkits.RespondError(w, apperrors.New(apperrors.KindNotFound, "Template not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type probeRunRequest struct {
	SampleSize       int       `json:"sample_size" validate:"omitempty,gte=1,lte=20"`
	LatencyOverrides []float64 `json:"latency_overrides"`
}

func (b *Bundle) decodeRunRequest(w http.ResponseWriter, r *http.Request) (*probeRunRequest, bool) {
	payload := probeRunRequest{SampleSize: scheduler.DefaultSampleSize}
	if r.Body != nil && r.ContentLength != 0 {
		if err := toolkits.DecodeJSON(r, &payload); err != nil {
			toolkits.RespondError(w, err)
			return nil, false
		}
		if payload.SampleSize == 0 {
			payload.SampleSize = scheduler.DefaultSampleSize
		}
	}
	if err := b.validate.Struct(payload); err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid probe run payload"))
		return nil, false
	}
	return &payload, true
}

// triggerTemplate enqueues a run_probe job outside the regular schedule.
func (b *Bundle) triggerTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	template := b.loadTemplate(w, r, templateID)
	if template == nil {
		return
	}
	payload, ok := b.decodeRunRequest(w, r)
	if !ok {
		return
	}

	job, err := b.dispatcher.Enqueue(r.Context(), scheduler.ProbeToolkit, scheduler.OperationRunProbe, map[string]interface{}{
		"template_id":       template.ID,
		"sample_size":       payload.SampleSize,
		"latency_overrides": payload.LatencyOverrides,
	})
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}

	b.logger.Info().
		Str("template_id", template.ID).
		Str("job_id", job.ID).
		Msg("Manual probe run enqueued")
	toolkits.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

// previewTemplate runs the probe inline without a job record, useful for
// validating a template before scheduling it.
func (b *Bundle) previewTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	template := b.loadTemplate(w, r, templateID)
	if template == nil {
		return
	}
	payload, ok := b.decodeRunRequest(w, r)
	if !ok {
		return
	}

	summary, err := ExecuteProbe(template, payload.SampleSize, payload.LatencyOverrides)
	if err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid probe run payload"))
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, summary)
}

func (b *Bundle) templateHistory(w http.ResponseWriter, r *http.Request, templateID string) {
	template := b.loadTemplate(w, r, templateID)
	if template == nil {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			toolkits.RespondError(w, apperrors.New(apperrors.KindInvalid, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := b.templates.History(r.Context(), template.ID, limit)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	summaries := make([]models.ProbeRunSummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, entry.Summary)
	}
	toolkits.WriteJSON(w, http.StatusOK, summaries)
}

func (b *Bundle) templateHeatmap(w http.ResponseWriter, r *http.Request, templateID string) {
	template := b.loadTemplate(w, r, templateID)
	if template == nil {
		return
	}

	columns := scheduler.DefaultHeatmapColumns
	if raw := r.URL.Query().Get("columns"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			toolkits.RespondError(w, apperrors.New(apperrors.KindInvalid, "columns must be a positive integer"))
			return
		}
		columns = parsed
	}

	heatmap, err := b.templates.Heatmap(r.Context(), template.ID, columns)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, heatmap)
}
