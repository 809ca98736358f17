package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
	toolkitsvc "github.com/ternarybob/toolbox/internal/services/toolkits"
	"github.com/ternarybob/toolbox/internal/toolkits"
)

// multipartMemoryLimit is the in-memory threshold for upload parsing;
// larger bundles spill to a temp file before the installer streams them.
const multipartMemoryLimit = 32 << 20

// ToolkitsHandler serves the toolkit registry API: listing, registration,
// bundle install/uninstall, the community catalog, docs, and the
// toolkit-scoped job enqueue.
type ToolkitsHandler struct {
	registry   *toolkitsvc.Registry
	installer  *toolkitsvc.Installer
	catalog    *toolkitsvc.Catalog
	bundles    *toolkits.Registry
	activator  interfaces.ToolkitActivator
	dispatcher interfaces.JobDispatcher
	audit      *auth.Audit
	logger     arbor.ILogger
}

func NewToolkitsHandler(
	registry *toolkitsvc.Registry,
	installer *toolkitsvc.Installer,
	catalog *toolkitsvc.Catalog,
	bundles *toolkits.Registry,
	activator interfaces.ToolkitActivator,
	dispatcher interfaces.JobDispatcher,
	audit *auth.Audit,
	logger arbor.ILogger,
) *ToolkitsHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &ToolkitsHandler{
		registry:   registry,
		installer:  installer,
		catalog:    catalog,
		bundles:    bundles,
		activator:  activator,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger.WithPrefix("toolkits-api"),
	}
}

// ListToolkitsHandler handles GET /toolkits/.
func (h *ToolkitsHandler) ListToolkitsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, records)
}

// CreateToolkitHandler handles POST /toolkits/, registering a toolkit
// record without a bundle behind it.
func (h *ToolkitsHandler) CreateToolkitHandler(w http.ResponseWriter, r *http.Request) {
	var create models.ToolkitCreate
	if err := DecodeJSON(r, &create); err != nil {
		RespondError(w, err)
		return
	}

	record, err := h.registry.Create(r.Context(), create, models.ToolkitOriginCustom)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, record)
}

// GetToolkitHandler handles GET /toolkits/{slug}.
func (h *ToolkitsHandler) GetToolkitHandler(w http.ResponseWriter, r *http.Request) {
	slug := PathParam(r.URL.Path, "/toolkits/")
	record, err := h.loadToolkit(w, r, slug)
	if record == nil || err != nil {
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

// UpdateToolkitHandler handles PUT /toolkits/{slug}. Flipping the enabled
// flag activates or deactivates the compiled bundle and writes an audit
// event either way.
func (h *ToolkitsHandler) UpdateToolkitHandler(w http.ResponseWriter, r *http.Request) {
	slug := PathParam(r.URL.Path, "/toolkits/")
	existing, err := h.loadToolkit(w, r, slug)
	if existing == nil || err != nil {
		return
	}

	var update models.ToolkitUpdate
	if err := DecodeJSON(r, &update); err != nil {
		RespondError(w, err)
		return
	}

	record, err := h.registry.Update(r.Context(), slug, update)
	if err != nil {
		RespondError(w, err)
		return
	}

	if update.Enabled != nil && *update.Enabled != existing.Enabled {
		event := auth.EventToolkitDisable
		if record.Enabled {
			event = auth.EventToolkitEnable
			if err := h.activator.Activate(slug); err != nil {
				RespondError(w, err)
				return
			}
		} else {
			h.activator.MarkRemoved(slug)
		}
		h.recordAudit(r, event, slug, map[string]interface{}{
			"slug":    record.Slug,
			"name":    record.Name,
			"enabled": record.Enabled,
		})
	}

	WriteJSON(w, http.StatusOK, record)
}

// DeleteToolkitHandler handles DELETE /toolkits/{slug}. Bundled toolkits
// leave a removal tombstone so seeding does not resurrect them.
func (h *ToolkitsHandler) DeleteToolkitHandler(w http.ResponseWriter, r *http.Request) {
	slug := PathParam(r.URL.Path, "/toolkits/")
	existing, err := h.loadToolkit(w, r, slug)
	if existing == nil || err != nil {
		return
	}

	deleted, err := h.registry.Delete(r.Context(), slug)
	if err != nil {
		RespondError(w, err)
		return
	}
	if !deleted {
		RespondError(w, apperrors.New(apperrors.KindNotFound, "Toolkit not found"))
		return
	}

	h.installer.RemoveArtifacts(slug)
	h.activator.MarkRemoved(slug)
	h.recordAudit(r, auth.EventToolkitRemove, slug, map[string]interface{}{
		"slug":   existing.Slug,
		"name":   existing.Name,
		"origin": existing.Origin,
	})
	w.WriteHeader(http.StatusNoContent)
}

// InstallToolkitHandler handles POST /toolkits/install: a multipart form
// with the zip bundle under "file" and an optional "slug" override. The
// toolkit is staged disabled; a curator enables it explicitly.
func (h *ToolkitsHandler) InstallToolkitHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		RespondError(w, apperrors.Wrap(apperrors.KindInvalid, err, "Request is not a valid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		RespondError(w, apperrors.New(apperrors.KindInvalid, "Bundle file is required"))
		return
	}
	defer file.Close()

	record, _, err := h.installer.InstallFromUpload(r.Context(), header.Filename, file, r.FormValue("slug"))
	if err != nil {
		RespondError(w, err)
		return
	}

	h.logger.Info().
		Str("slug", record.Slug).
		Str("filename", header.Filename).
		Msg("Toolkit bundle installed from upload")
	h.recordAudit(r, auth.EventToolkitInstall, record.Slug, map[string]interface{}{
		"slug":   record.Slug,
		"name":   record.Name,
		"origin": record.Origin,
	})
	WriteJSON(w, http.StatusAccepted, models.InstallResult{Uploaded: true, Toolkit: record})
}

// CommunityCatalogHandler handles GET /toolkits/community. An unconfigured
// catalog renders as an empty listing, not an error.
func (h *ToolkitsHandler) CommunityCatalogHandler(w http.ResponseWriter, r *http.Request) {
	page, err := h.catalog.Fetch(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

type communityInstallRequest struct {
	Slug string `json:"slug"`
}

// CommunityInstallHandler handles POST /toolkits/community/install.
func (h *ToolkitsHandler) CommunityInstallHandler(w http.ResponseWriter, r *http.Request) {
	var req communityInstallRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}

	record, err := h.catalog.InstallFromCatalog(r.Context(), req.Slug)
	if err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventToolkitInstall, record.Slug, map[string]interface{}{
		"slug":   record.Slug,
		"name":   record.Name,
		"origin": record.Origin,
	})
	WriteJSON(w, http.StatusCreated, record)
}

// CommunityUpdatesHandler handles GET /toolkits/community/updates.
func (h *ToolkitsHandler) CommunityUpdatesHandler(w http.ResponseWriter, r *http.Request) {
	updates, err := h.catalog.CheckUpdates(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"updates": updates})
}

// ApplyUpdateHandler handles POST /toolkits/{slug}/update, reinstalling a
// community toolkit from its current catalog entry.
func (h *ToolkitsHandler) ApplyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSuffix(PathParam(r.URL.Path, "/toolkits/"), "/update")
	record, err := h.catalog.ApplyUpdate(r.Context(), slug)
	if err != nil {
		RespondError(w, err)
		return
	}

	h.recordAudit(r, auth.EventToolkitUpdate, record.Slug, map[string]interface{}{
		"slug":    record.Slug,
		"name":    record.Name,
		"version": record.Version,
	})
	WriteJSON(w, http.StatusOK, record)
}

// ToolkitDocsHandler handles GET /toolkits/{slug}/docs, the rendered
// metadata view for one enabled toolkit.
func (h *ToolkitsHandler) ToolkitDocsHandler(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSuffix(PathParam(r.URL.Path, "/toolkits/"), "/docs")
	record, err := h.loadToolkit(w, r, slug)
	if record == nil || err != nil {
		return
	}
	if !record.Enabled {
		RespondError(w, apperrors.New(apperrors.KindNotFound, "Toolkit not found"))
		return
	}

	operations := h.bundles.Operations(slug)
	if operations == nil {
		operations = []string{}
	}
	WriteJSON(w, http.StatusOK, models.ToolkitDocs{
		Slug:        record.Slug,
		Name:        record.Name,
		Description: record.Description,
		BasePath:    record.BasePath,
		Operations:  operations,
	})
}

type toolkitJobRequest struct {
	Operation string                 `json:"operation"`
	Payload   map[string]interface{} `json:"payload"`
}

// EnqueueToolkitJobHandler handles POST /toolkits/{slug}/jobs. Disabled or
// unknown toolkits answer 404 so probing cannot distinguish the two.
func (h *ToolkitsHandler) EnqueueToolkitJobHandler(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSuffix(PathParam(r.URL.Path, "/toolkits/"), "/jobs")
	record, err := h.loadToolkit(w, r, slug)
	if record == nil || err != nil {
		return
	}
	if !record.Enabled {
		RespondError(w, apperrors.New(apperrors.KindNotFound, "Toolkit not found"))
		return
	}

	var req toolkitJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if strings.TrimSpace(req.Operation) == "" {
		RespondError(w, apperrors.New(apperrors.KindInvalid, "operation is required"))
		return
	}

	job, err := h.dispatcher.Enqueue(r.Context(), slug, req.Operation, req.Payload)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

// GettingStartedHandler handles GET /toolkits/getting-started, the inline
// packaging guide for toolkit authors.
func (h *ToolkitsHandler) GettingStartedHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"overview": "Toolkits are self-contained integrations that expose API routes under /toolkits/<slug> and optionally contribute dashboard cards.",
		"bundle_format": map[string]interface{}{
			"type": "zip",
			"contents": []string{
				"toolkit.json - metadata (slug, name, entrypoints, dashboard cards)",
				"frontend/ - optional UI assets referenced by frontend.entry",
				"docs/ - optional documentation shipped with the bundle",
			},
		},
		"upload": map[string]interface{}{
			"endpoint": "POST /toolkits/install",
			"form_fields": map[string]string{
				"slug": "Optional override for the toolkit slug (letters, numbers, hyphen, underscore)",
				"file": "Zip bundle (max size defined by deployment)",
			},
			"post_install": "Toolkits are staged disabled; once enabled the runtime serves their routes and registers their job handlers.",
		},
		"job_queue": map[string]string{
			"enqueue":  "POST /toolkits/{slug}/jobs with a JSON body holding 'operation' and an optional 'payload'",
			"tracking": "Use /jobs/ and /jobs/{id} to monitor progress and cancellation",
			"handlers": "Worker handlers are registered as '<slug>.<operation>' job types during activation",
		},
		"dashboard": "Advertise quick links by supplying dashboard_cards in toolkit.json; enabled toolkits surface them on the global dashboard.",
	})
}

// loadToolkit fetches a registry record, answering 404 or 500 itself when
// the record is missing or the read fails. Callers bail when it returns
// nil record or a non-nil error.
func (h *ToolkitsHandler) loadToolkit(w http.ResponseWriter, r *http.Request, slug string) (*models.Toolkit, error) {
	record, err := h.registry.Get(r.Context(), slug)
	if err != nil {
		RespondError(w, err)
		return nil, err
	}
	if record == nil {
		RespondError(w, apperrors.New(apperrors.KindNotFound, "Toolkit not found"))
		return nil, nil
	}
	return record, nil
}

// recordAudit writes a toolkit lifecycle event with the request's actor.
func (h *ToolkitsHandler) recordAudit(r *http.Request, event, slug string, payload map[string]interface{}) {
	if h.audit == nil {
		return
	}
	meta := RequestMeta(r)
	h.audit.Record(r.Context(), &auth.AuditEntry{
		Event:      event,
		UserID:     actorID(r),
		Payload:    payload,
		SourceIP:   meta.SourceIP,
		UserAgent:  meta.UserAgent,
		TargetType: "toolkit",
		TargetID:   slug,
	})
}
