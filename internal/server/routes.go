package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/handlers"
	"github.com/ternarybob/toolbox/internal/models"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness probe (public)
	mux.HandleFunc("/health", s.app.HealthHandler.HealthCheckHandler)

	// Operator dashboard aggregate
	mux.HandleFunc("/dashboard/", s.requireRole(models.RoleToolkitUser, func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": s.app.DashboardHandler.OverviewHandler})
	}))

	// Toolkit packaging guide
	mux.HandleFunc("/getting-started", s.requireRole(models.RoleToolkitUser, func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": s.app.ToolkitsHandler.GettingStartedHandler})
	}))

	// Job queue (list, enqueue, status, cancel) and the live event stream
	mux.HandleFunc("/jobs/events", s.requireRole(models.RoleToolkitUser, s.app.JobEventsHandler.HandleWebSocket))
	mux.HandleFunc("/jobs/", s.requireRole(models.RoleToolkitUser, s.handleJobRoutes))
	mux.HandleFunc("/jobs", s.requireRole(models.RoleToolkitUser, s.handleJobRoutes))

	// Toolkit lifecycle (mixed gates, resolved per route)
	mux.HandleFunc("/toolkits/", s.handleToolkitRoutes)
	mux.HandleFunc("/toolkits", s.handleToolkitRoutes)

	// Authentication surface (public except /auth/me)
	mux.HandleFunc("/auth/", s.handleAuthRoutes)

	// Admin: account management
	mux.HandleFunc("/admin/users", s.requireRole(models.RoleSystemAdmin, s.handleAdminUserRoutes))
	mux.HandleFunc("/admin/users/", s.requireRole(models.RoleSystemAdmin, s.handleAdminUserRoutes))

	// Admin: providers, retention settings, audit logs
	mux.HandleFunc("/admin/security/", s.requireRole(models.RoleSystemAdmin, s.handleAdminSecurityRoutes))

	// Admin: toolbox-wide settings
	mux.HandleFunc("/admin/settings/catalog", s.requireRole(models.RoleSystemAdmin, func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{
			"GET": s.app.AdminSettingsHandler.GetCatalogSettingsHandler,
			"PUT": s.app.AdminSettingsHandler.UpdateCatalogSettingsHandler,
		})
	}))

	// Compiled bundle routes mounted under their base paths
	mux.HandleFunc("/", s.handleBundleRoutes)

	return mux
}

// handleJobRoutes routes job-related requests to the appropriate handler.
// The whole prefix is gated toolkit.user by setupRoutes.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /jobs/ (list), POST /jobs/ (enqueue)
	if path == "/jobs" || path == "/jobs/" {
		RouteResourceCollection(w, r, s.app.JobsHandler.ListJobsHandler, s.app.JobsHandler.EnqueueJobHandler)
		return
	}

	// POST /jobs/{id}/cancel
	if r.Method == "POST" && strings.HasSuffix(path, "/cancel") {
		s.app.JobsHandler.CancelJobHandler(w, r)
		return
	}

	// GET /jobs/{id}
	if r.Method == "GET" {
		s.app.JobsHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleToolkitRoutes routes toolkit lifecycle requests. Gates differ per
// route: browsing needs toolkit.user, updates toolkit.curator, and
// install/uninstall the superuser flag.
func (s *Server) handleToolkitRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /toolkits/ (list), POST /toolkits/ (register)
	if path == "/toolkits" || path == "/toolkits/" {
		RouteResourceCollection(w, r,
			s.requireRole(models.RoleToolkitUser, s.app.ToolkitsHandler.ListToolkitsHandler),
			s.requireSuperuser(s.app.ToolkitsHandler.CreateToolkitHandler),
		)
		return
	}

	// POST /toolkits/install (multipart zip upload)
	if path == "/toolkits/install" {
		RouteByMethod(w, r, MethodRouter{
			"POST": s.requireSuperuser(s.app.ToolkitsHandler.InstallToolkitHandler),
		})
		return
	}

	// Community catalog browsing, installs, and update checks
	if path == "/toolkits/community" {
		RouteByMethod(w, r, MethodRouter{
			"GET": s.requireRole(models.RoleToolkitCurator, s.app.ToolkitsHandler.CommunityCatalogHandler),
		})
		return
	}
	if path == "/toolkits/community/install" {
		RouteByMethod(w, r, MethodRouter{
			"POST": s.requireSuperuser(s.app.ToolkitsHandler.CommunityInstallHandler),
		})
		return
	}
	if path == "/toolkits/community/updates" {
		RouteByMethod(w, r, MethodRouter{
			"GET": s.requireRole(models.RoleToolkitCurator, s.app.ToolkitsHandler.CommunityUpdatesHandler),
		})
		return
	}

	// POST /toolkits/{slug}/jobs (form-style enqueue)
	if r.Method == "POST" && strings.HasSuffix(path, "/jobs") {
		s.requireRole(models.RoleToolkitUser, s.app.ToolkitsHandler.EnqueueToolkitJobHandler)(w, r)
		return
	}

	// GET /toolkits/{slug}/docs
	if r.Method == "GET" && strings.HasSuffix(path, "/docs") {
		s.requireRole(models.RoleToolkitUser, s.app.ToolkitsHandler.ToolkitDocsHandler)(w, r)
		return
	}

	// POST /toolkits/{slug}/update (apply community update)
	if r.Method == "POST" && strings.HasSuffix(path, "/update") {
		s.requireSuperuser(s.app.ToolkitsHandler.ApplyUpdateHandler)(w, r)
		return
	}

	// GET/PUT/DELETE /toolkits/{slug}
	RouteResourceItem(w, r,
		s.requireRole(models.RoleToolkitUser, s.app.ToolkitsHandler.GetToolkitHandler),
		s.requireRole(models.RoleToolkitCurator, s.app.ToolkitsHandler.UpdateToolkitHandler),
		s.requireSuperuser(s.app.ToolkitsHandler.DeleteToolkitHandler),
	)
}

// handleAuthRoutes routes the authentication surface. Everything here is
// reachable without a token except /auth/me.
func (s *Server) handleAuthRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /auth/providers (login page buttons)
	if path == "/auth/providers" {
		RouteByMethod(w, r, MethodRouter{"GET": s.app.AuthHandler.ListProvidersHandler})
		return
	}

	// POST /auth/providers/{name}/begin, GET /auth/providers/{name}/callback
	if strings.HasPrefix(path, "/auth/providers/") {
		if strings.HasSuffix(path, "/begin") {
			RouteByMethod(w, r, MethodRouter{"POST": s.app.AuthHandler.BeginProviderHandler})
			return
		}
		if strings.HasSuffix(path, "/callback") {
			RouteByMethod(w, r, MethodRouter{"GET": s.app.AuthHandler.ProviderCallbackHandler})
			return
		}
		s.respondNotFound(w)
		return
	}

	// POST /auth/login/{provider}
	if strings.HasPrefix(path, "/auth/login/") {
		RouteByMethod(w, r, MethodRouter{"POST": s.app.AuthHandler.LoginHandler})
		return
	}

	switch path {
	case "/auth/refresh":
		RouteByMethod(w, r, MethodRouter{"POST": s.app.AuthHandler.RefreshHandler})
	case "/auth/logout":
		RouteByMethod(w, r, MethodRouter{"POST": s.app.AuthHandler.LogoutHandler})
	case "/auth/me":
		RouteByMethod(w, r, MethodRouter{"GET": s.authenticate(s.app.AuthHandler.MeHandler)})
	default:
		s.respondNotFound(w)
	}
}

// handleAdminUserRoutes routes account management requests. The whole
// prefix is gated system.admin by setupRoutes.
func (s *Server) handleAdminUserRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /admin/users (list), POST /admin/users (create)
	if path == "/admin/users" || path == "/admin/users/" {
		RouteResourceCollection(w, r, s.app.AdminUsersHandler.ListUsersHandler, s.app.AdminUsersHandler.CreateUserHandler)
		return
	}

	// POST /admin/users/import
	if path == "/admin/users/import" {
		RouteByMethod(w, r, MethodRouter{"POST": s.app.AdminUsersHandler.ImportUsersHandler})
		return
	}

	// PATCH/DELETE /admin/users/{id}
	RouteByMethod(w, r, MethodRouter{
		"PATCH":  s.app.AdminUsersHandler.PatchUserHandler,
		"DELETE": s.app.AdminUsersHandler.DeleteUserHandler,
	})
}

// handleAdminSecurityRoutes routes provider definitions, retention
// settings, and audit log queries. Gated system.admin by setupRoutes.
func (s *Server) handleAdminSecurityRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /admin/security/providers (list), POST (create)
	if path == "/admin/security/providers" || path == "/admin/security/providers/" {
		RouteResourceCollection(w, r,
			s.app.AdminSecurityHandler.ListProviderConfigsHandler,
			s.app.AdminSecurityHandler.CreateProviderConfigHandler,
		)
		return
	}

	// PUT/DELETE /admin/security/providers/{name}
	if strings.HasPrefix(path, "/admin/security/providers/") {
		RouteByMethod(w, r, MethodRouter{
			"PUT":    s.app.AdminSecurityHandler.UpdateProviderConfigHandler,
			"DELETE": s.app.AdminSecurityHandler.DeleteProviderConfigHandler,
		})
		return
	}

	switch path {
	case "/admin/security/settings":
		RouteByMethod(w, r, MethodRouter{
			"GET": s.app.AdminSecurityHandler.GetSecuritySettingsHandler,
			"PUT": s.app.AdminSecurityHandler.UpdateSecuritySettingsHandler,
		})
	case "/admin/security/audit-logs":
		RouteByMethod(w, r, MethodRouter{"GET": s.app.AdminSecurityHandler.ListAuditLogsHandler})
	default:
		s.respondNotFound(w)
	}
}

// handleBundleRoutes serves compiled bundle surfaces mounted under their
// manifest base paths. Disabled or manifest-only toolkits answer 404 so
// removal is indistinguishable from never-installed.
func (s *Server) handleBundleRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		s.respondNotFound(w)
		return
	}

	for _, manifest := range s.app.BundleRegistry.Manifests() {
		base := manifest.BasePath
		if base == "" || base == "/" {
			continue
		}
		if path != base && !strings.HasPrefix(path, base+"/") {
			continue
		}

		routes, ok := s.app.BundleRegistry.Routes(manifest.Slug)
		if !ok {
			handlers.RespondError(w, apperrors.New(apperrors.KindNotFound, "Toolkit not found"))
			return
		}
		s.requireRole(models.RoleToolkitUser, http.StripPrefix(base, routes).ServeHTTP)(w, r)
		return
	}

	s.respondNotFound(w)
}

func (s *Server) respondNotFound(w http.ResponseWriter) {
	handlers.RespondError(w, apperrors.New(apperrors.KindNotFound, "Not found"))
}
