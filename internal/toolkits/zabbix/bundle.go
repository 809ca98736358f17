// -----------------------------------------------------------------------
// Zabbix Bundle - Compiled toolkit for Zabbix endpoint automation
// -----------------------------------------------------------------------

package zabbix

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/toolkits"
)

// ToolkitSlug identifies the bundle in the registry and in job types.
const ToolkitSlug = "zabbix"

const bundleVersion = "1.2.0"

// Bundle wires the Zabbix toolkit: instance management routes, the
// bulk_add_hosts worker operation, and a dashboard metric.
type Bundle struct {
	instances  *InstanceStore
	dispatcher interfaces.JobDispatcher
	jobs       interfaces.JobStore
	validate   *validator.Validate
	logger     arbor.ILogger

	rowDelay  time.Duration
	beforeRow func(seq int)
}

// New creates the bundle. dispatcher may be nil on worker-only processes;
// the HTTP surface is simply never mounted there.
func New(instances *InstanceStore, dispatcher interfaces.JobDispatcher, jobs interfaces.JobStore, logger arbor.ILogger) *Bundle {
	return &Bundle{
		instances:  instances,
		dispatcher: dispatcher,
		jobs:       jobs,
		validate:   validator.New(),
		logger:     logger,
		rowDelay:   hostCreateDelay,
	}
}

func (b *Bundle) Slug() string { return ToolkitSlug }

func (b *Bundle) Manifest() models.ToolkitManifest {
	return models.ToolkitManifest{
		Slug:        ToolkitSlug,
		Name:        "Zabbix Toolkit",
		Description: "Manage Zabbix endpoints and run bulk host onboarding workflows.",
		Version:     bundleVersion,
		BasePath:    "/" + ToolkitSlug,
		Category:    "monitoring",
		Tags:        []string{"zabbix", "automation", "hosts"},
		Maintainer:  "SRE Toolbox",
		Backend:     models.ManifestBackend{Module: "zabbix_toolkit.backend", RouterAttr: "router"},
		Worker:      models.ManifestWorker{Module: "worker.tasks", RegisterAttr: "register"},
		Dashboard:   models.ManifestDashboard{Module: "zabbix_toolkit.dashboard", Callable: "build_context"},
		DashboardCards: []models.DashboardCard{
			{
				Title:    "Zabbix automation",
				Body:     "Bulk-add hosts to a configured Zabbix instance.",
				Link:     "/" + ToolkitSlug,
				Icon:     "server",
				Priority: 20,
			},
		},
	}
}

func (b *Bundle) RegisterWorker(reg toolkits.HandlerRegistry) {
	reg.Register(ToolkitSlug+"."+OperationBulkAddHosts, b.handleBulkAddHosts)
}

// DashboardContext reports how many instances are configured, with a hint
// when none are.
func (b *Bundle) DashboardContext(ctx context.Context) map[string]interface{} {
	instances, err := b.instances.List(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to build zabbix dashboard context")
		return nil
	}

	description := "Endpoints ready for bulk host imports and scheduled automation."
	if len(instances) == 0 {
		description = "Set up a Zabbix endpoint to unlock automation workflows."
	}

	return map[string]interface{}{
		"metrics": []map[string]interface{}{
			{
				"label":       "Configured instances",
				"value":       len(instances),
				"description": description,
			},
		},
	}
}

// Routes serves the instance CRUD and bulk-add actions. Paths are relative
// to the toolkit base path; the server strips the prefix before dispatch.
func (b *Bundle) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances", b.handleInstanceCollection)
	mux.HandleFunc("/instances/", b.handleInstanceItem)
	return mux
}

func (b *Bundle) handleInstanceCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.listInstances(w, r)
	case http.MethodPost:
		b.createInstance(w, r)
	default:
		toolkits.MethodNotAllowed(w)
	}
}

// handleInstanceItem dispatches /instances/{id}[...] routes.
func (b *Bundle) handleInstanceItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/instances/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	instanceID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			b.showInstance(w, r, instanceID)
		case http.MethodPut:
			b.updateInstance(w, r, instanceID)
		case http.MethodDelete:
			b.deleteInstance(w, r, instanceID)
		default:
			toolkits.MethodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "test":
		if r.Method != http.MethodPost {
			toolkits.MethodNotAllowed(w)
			return
		}
		b.testInstance(w, r, instanceID)
	case len(parts) == 4 && parts[1] == "actions" && parts[2] == "bulk-add-hosts":
		if r.Method != http.MethodPost {
			toolkits.MethodNotAllowed(w)
			return
		}
		switch parts[3] {
		case "dry-run":
			b.bulkAddDryRun(w, r, instanceID)
		case "execute":
			b.bulkAddExecute(w, r, instanceID)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (b *Bundle) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := b.instances.List(r.Context())
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	views := make([]InstancePublic, 0, len(instances))
	for _, instance := range instances {
		views = append(views, instance.Public())
	}
	toolkits.WriteJSON(w, http.StatusOK, views)
}

func (b *Bundle) createInstance(w http.ResponseWriter, r *http.Request) {
	var payload InstanceCreate
	if err := toolkits.DecodeJSON(r, &payload); err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if err := b.validate.Struct(payload); err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid instance payload"))
		return
	}

	instance, err := b.instances.Create(r.Context(), payload)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	toolkits.WriteJSON(w, http.StatusCreated, instance.Public())
}

// loadInstance fetches the instance or writes the 404 response.
func (b *Bundle) loadInstance(w http.ResponseWriter, r *http.Request, instanceID string) *Instance {
	instance, err := b.instances.Get(r.Context(), instanceID)
	if err != nil {
		toolkits.RespondError(w, err)
		return nil
	}
	if instance == nil {
		toolkits.RespondError(w, apperrors.New(apperrors.KindNotFound, "Instance not found"))
		return nil
	}
	return instance
}

func (b *Bundle) showInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	instance := b.loadInstance(w, r, instanceID)
	if instance == nil {
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, instance.Public())
}

func (b *Bundle) updateInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	var payload InstanceUpdate
	if err := toolkits.DecodeJSON(r, &payload); err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if err := b.validate.Struct(payload); err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid instance payload"))
		return
	}

	instance, err := b.instances.Update(r.Context(), instanceID, payload)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if instance == nil {
		toolkits.RespondError(w, apperrors.New(apperrors.KindNotFound, "Instance not found"))
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, instance.Public())
}

func (b *Bundle) deleteInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	deleted, err := b.instances.Delete(r.Context(), instanceID)
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}
	if !deleted {
		toolkits.RespondError(w, apperrors.New(apperrors.KindNotFound, "Instance not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instanceTestRequest struct {
	Token string `json:"token"`
}

// testInstance calls apiinfo.version against the instance. The result is
// always 200; connectivity problems come back as {ok:false}.
func (b *Bundle) testInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	instance := b.loadInstance(w, r, instanceID)
	if instance == nil {
		return
	}

	var payload instanceTestRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := toolkits.DecodeJSON(r, &payload); err != nil {
			toolkits.RespondError(w, err)
			return
		}
	}
	token := payload.Token
	if token == "" {
		token = instance.Token
	}
	if token == "" {
		toolkits.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    false,
			"error": "Instance does not have a token configured",
		})
		return
	}

	client := NewClient(instance.BaseURL, token, instance.VerifyTLS)
	version, err := client.Call(r.Context(), "apiinfo.version", nil)
	if err != nil {
		toolkits.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	toolkits.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "version": version})
}

func (b *Bundle) decodeBulkRequest(w http.ResponseWriter, r *http.Request) (*BulkAddRequest, bool) {
	var payload BulkAddRequest
	if err := toolkits.DecodeJSON(r, &payload); err != nil {
		toolkits.RespondError(w, err)
		return nil, false
	}
	if err := b.validate.Struct(payload); err != nil {
		toolkits.RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "invalid bulk add payload"))
		return nil, false
	}
	return &payload, true
}

func (b *Bundle) bulkAddDryRun(w http.ResponseWriter, r *http.Request, instanceID string) {
	instance := b.loadInstance(w, r, instanceID)
	if instance == nil {
		return
	}
	payload, ok := b.decodeBulkRequest(w, r)
	if !ok {
		return
	}

	sample := payload.Rows
	if len(sample) > 3 {
		sample = sample[:3]
	}
	toolkits.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"summary": map[string]interface{}{
			"create_count": len(payload.Rows),
			"warnings":     []string{},
			"sample":       sample,
			"instance":     instance.Public(),
		},
	})
}

func (b *Bundle) bulkAddExecute(w http.ResponseWriter, r *http.Request, instanceID string) {
	instance := b.loadInstance(w, r, instanceID)
	if instance == nil {
		return
	}
	payload, ok := b.decodeBulkRequest(w, r)
	if !ok {
		return
	}

	job, err := b.dispatcher.Enqueue(r.Context(), ToolkitSlug, OperationBulkAddHosts, map[string]interface{}{
		"instance_id":   instance.ID,
		"instance_name": instance.Name,
		"rows":          payload.Rows,
	})
	if err != nil {
		toolkits.RespondError(w, err)
		return
	}

	b.logger.Info().
		Str("instance_id", instance.ID).
		Str("job_id", job.ID).
		Int("rows", len(payload.Rows)).
		Msg("Bulk host creation enqueued")
	toolkits.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}
