package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/toolkits"
	toolkitsvc "github.com/ternarybob/toolbox/internal/services/toolkits"
)

const dashboardRecentJobs = 10

// DashboardHandler aggregates the landing page payload: cards contributed
// by enabled toolkits, the most recent jobs, and the toolkit listing.
type DashboardHandler struct {
	registry *toolkitsvc.Registry
	bundles  *toolkits.Registry
	store    interfaces.JobStore
	logger   arbor.ILogger
}

func NewDashboardHandler(registry *toolkitsvc.Registry, bundles *toolkits.Registry, store interfaces.JobStore, logger arbor.ILogger) *DashboardHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &DashboardHandler{
		registry: registry,
		bundles:  bundles,
		store:    store,
		logger:   logger.WithPrefix("dashboard"),
	}
}

// OverviewHandler handles GET /dashboard/.
func (h *DashboardHandler) OverviewHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.registry.List(ctx)
	if err != nil {
		RespondError(w, err)
		return
	}

	cards := make([]models.DashboardCard, 0)
	for _, record := range records {
		if !record.Enabled {
			continue
		}
		cards = append(cards, record.DashboardCards...)
	}

	page, err := h.store.List(ctx, models.JobFilter{Limit: dashboardRecentJobs})
	if err != nil {
		RespondError(w, err)
		return
	}

	payload := &models.DashboardPayload{
		Cards:      cards,
		RecentJobs: page.Jobs,
		Toolkits:   records,
	}
	if h.bundles != nil {
		payload.Context = h.bundles.DashboardContext(ctx)
	}
	WriteJSON(w, http.StatusOK, payload)
}
