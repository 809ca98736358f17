// -----------------------------------------------------------------------
// Toolbox Health Bundle - Core service health surface
// -----------------------------------------------------------------------

package toolboxhealth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/health"
	"github.com/ternarybob/toolbox/internal/toolkits"
)

const (
	// ToolkitSlug identifies the bundled health toolkit.
	ToolkitSlug = "toolbox-health"

	// OperationRefreshHealth re-runs the component checks off-schedule.
	OperationRefreshHealth = "refresh_health"

	bundleVersion = "1.0.0"
)

var statusLabels = map[models.HealthStatus]string{
	models.HealthHealthy:  "Healthy",
	models.HealthDegraded: "Degraded",
	models.HealthDown:     "Down",
	models.HealthUnknown:  "Unknown",
}

// Bundle exposes the health aggregator as a toolkit: cached summary and
// component endpoints plus a worker operation that refreshes the snapshot.
type Bundle struct {
	health *health.Service
	logger arbor.ILogger
}

func New(service *health.Service, logger arbor.ILogger) *Bundle {
	return &Bundle{health: service, logger: logger}
}

func (b *Bundle) Slug() string { return ToolkitSlug }

func (b *Bundle) Manifest() models.ToolkitManifest {
	return models.ToolkitManifest{
		Slug:        ToolkitSlug,
		Name:        "Toolbox Health",
		Description: "Aggregated health for the toolbox core services.",
		Version:     bundleVersion,
		BasePath:    "/" + ToolkitSlug,
		Category:    "operations",
		Tags:        []string{"health", "status"},
		Maintainer:  "SRE Toolbox",
		Backend:     models.ManifestBackend{Module: "backend.app", RouterAttr: "router"},
		Worker:      models.ManifestWorker{Module: "worker.tasks", RegisterAttr: "register"},
		Dashboard:   models.ManifestDashboard{Module: "backend.dashboard", Callable: "build_context"},
		DashboardCards: []models.DashboardCard{
			{
				Title:    "Toolbox health",
				Body:     "Frontend, backend, and worker status at a glance.",
				Link:     "/" + ToolkitSlug,
				Icon:     "heart-pulse",
				Priority: 5,
			},
		},
	}
}

func (b *Bundle) RegisterWorker(reg toolkits.HandlerRegistry) {
	reg.Register(ToolkitSlug+"."+OperationRefreshHealth, b.handleRefreshHealth)
}

// handleRefreshHealth re-runs the checks and stores the fresh snapshot as
// the job result.
func (b *Bundle) handleRefreshHealth(ctx context.Context, job *models.Job) error {
	summary, err := b.health.Refresh(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode health summary: %w", err)
	}
	result := map[string]interface{}{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode health summary: %w", err)
	}
	job.Result = result
	return nil
}

// DashboardContext renders the overall status plus one metric per
// component, echoing the latency when the check measured one.
func (b *Bundle) DashboardContext(ctx context.Context) map[string]interface{} {
	summary, err := b.health.Summary(ctx, false)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to build toolbox health dashboard context")
		return nil
	}

	metrics := []map[string]interface{}{
		{
			"label":       "Overall health",
			"value":       statusLabel(summary.Status),
			"description": summary.Notes,
		},
	}
	for _, component := range summary.Components {
		metrics = append(metrics, componentMetric(component))
	}
	return map[string]interface{}{"metrics": metrics}
}

func statusLabel(status models.HealthStatus) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return string(status)
}

func componentMetric(component models.ComponentHealth) map[string]interface{} {
	description := component.Message
	if component.LatencyMs > 0 {
		description = fmt.Sprintf("%s (latency %.0f ms)", description, component.LatencyMs)
	}
	return map[string]interface{}{
		"label":       titleCase(component.Component) + " service",
		"value":       statusLabel(component.Status),
		"description": description,
	}
}

func titleCase(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

// Routes serves the health API relative to the toolkit base path.
func (b *Bundle) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", b.handleSummary)
	mux.HandleFunc("/components", b.handleComponents)
	return mux
}

func (b *Bundle) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		toolkits.MethodNotAllowed(w)
		return
	}

	force := r.URL.Query().Get("force_refresh") == "true"
	summary, err := b.health.Summary(r.Context(), force)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, summary)
}

func (b *Bundle) handleComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		toolkits.MethodNotAllowed(w)
		return
	}

	components, err := b.health.Components(r.Context())
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, components)
}
