// -----------------------------------------------------------------------
// Toolkit Bundles - Compiled-in plugin registry keyed by slug
// -----------------------------------------------------------------------

package toolkits

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/queue"
)

// HandlerRegistry is the slice of the worker registry a bundle binds its
// job handlers into during activation.
type HandlerRegistry interface {
	Register(jobType string, handler queue.Handler)
}

// Bundle is one compiled-in toolkit: a manifest for the registry, worker
// handlers, an HTTP surface mounted under the toolkit base path, and an
// optional dashboard context builder.
type Bundle interface {
	Slug() string
	Manifest() models.ToolkitManifest
	RegisterWorker(reg HandlerRegistry)
	Routes() http.Handler
	DashboardContext(ctx context.Context) map[string]interface{}
}

// Registry activates and deactivates compiled bundles. Activation is
// idempotent per slug; removal unbinds the worker handlers the bundle
// registered so a later activation rebinds cleanly. Slugs installed from
// zip bundles without compiled code still flip the loaded flag, they just
// contribute no handlers or routes.
type Registry struct {
	workers *queue.HandlerRegistry
	logger  arbor.ILogger

	mu      sync.Mutex
	bundles map[string]Bundle
	loaded  map[string]bool
	bound   map[string][]string
}

// NewRegistry creates an empty bundle registry. workers may be nil on
// processes that never execute jobs; activation then skips handler binding.
func NewRegistry(workers *queue.HandlerRegistry, logger arbor.ILogger) *Registry {
	return &Registry{
		workers: workers,
		logger:  logger,
		bundles: make(map[string]Bundle),
		loaded:  make(map[string]bool),
		bound:   make(map[string][]string),
	}
}

// Register adds a compiled bundle. Called once per bundle at startup,
// before any activation.
func (r *Registry) Register(bundle Bundle) {
	r.mu.Lock()
	r.bundles[bundle.Slug()] = bundle
	r.mu.Unlock()
}

// recordingRegistrar forwards registrations to the worker registry while
// remembering the job types so MarkRemoved can unbind them.
type recordingRegistrar struct {
	inner *queue.HandlerRegistry
	types []string
}

func (r *recordingRegistrar) Register(jobType string, handler queue.Handler) {
	r.inner.Register(jobType, handler)
	r.types = append(r.types, jobType)
}

// Activate binds the slug's worker handlers and marks its routes servable.
// Safe to call repeatedly; a loaded slug is left untouched.
func (r *Registry) Activate(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded[slug] {
		return nil
	}

	bundle, ok := r.bundles[slug]
	if !ok {
		// Manifest-only toolkit: nothing compiled to bind, but the flag
		// still flips so repeated lazy-load attempts stay cheap.
		r.loaded[slug] = true
		r.logger.Debug().Str("slug", slug).Msg("No compiled bundle for toolkit; manifest-only activation")
		return nil
	}

	if r.workers != nil {
		rec := &recordingRegistrar{inner: r.workers}
		bundle.RegisterWorker(rec)
		r.bound[slug] = rec.types
	}
	r.loaded[slug] = true

	r.logger.Info().
		Str("slug", slug).
		Int("handlers", len(r.bound[slug])).
		Msg("Toolkit activated")
	return nil
}

// MarkRemoved drops the slug from the loaded set and unbinds its worker
// handlers. A later Activate rebinds from scratch.
func (r *Registry) MarkRemoved(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.workers != nil {
		for _, jobType := range r.bound[slug] {
			r.workers.Unregister(jobType)
		}
	}
	delete(r.bound, slug)

	if r.loaded[slug] {
		delete(r.loaded, slug)
		r.logger.Debug().Str("slug", slug).Msg("Toolkit deactivated")
	}
}

// IsLoaded reports whether the slug was activated.
func (r *Registry) IsLoaded(slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[slug]
}

// Routes returns the HTTP surface for a loaded compiled bundle. Unloaded
// or manifest-only slugs return false and the server answers 404.
func (r *Registry) Routes(slug string) (http.Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bundle, ok := r.bundles[slug]
	if !ok || !r.loaded[slug] {
		return nil, false
	}
	routes := bundle.Routes()
	if routes == nil {
		return nil, false
	}
	return routes, true
}

// Manifests returns every compiled bundle manifest sorted by slug. The
// seeder feeds these into the toolkit registry at startup.
func (r *Registry) Manifests() []models.ToolkitManifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	manifests := make([]models.ToolkitManifest, 0, len(r.bundles))
	for _, bundle := range r.bundles {
		manifests = append(manifests, bundle.Manifest())
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Slug < manifests[j].Slug })
	return manifests
}

// operationCollector records the job types a bundle would register without
// binding them anywhere.
type operationCollector struct {
	prefix string
	ops    []string
}

func (c *operationCollector) Register(jobType string, _ queue.Handler) {
	c.ops = append(c.ops, strings.TrimPrefix(jobType, c.prefix))
}

// Operations lists the worker operations a compiled bundle exposes, with
// the "{slug}." job-type prefix stripped. Unknown slugs return nil.
func (r *Registry) Operations(slug string) []string {
	r.mu.Lock()
	bundle, ok := r.bundles[slug]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	collector := &operationCollector{prefix: slug + "."}
	bundle.RegisterWorker(collector)
	sort.Strings(collector.ops)
	return collector.ops
}

// Slugs returns the compiled bundle slugs, sorted.
func (r *Registry) Slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	slugs := make([]string, 0, len(r.bundles))
	for slug := range r.bundles {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// DashboardContext merges the context builders of every loaded bundle,
// keyed by slug. Builders run outside the registry lock since they may
// read Redis or SQL.
func (r *Registry) DashboardContext(ctx context.Context) map[string]interface{} {
	r.mu.Lock()
	active := make([]Bundle, 0, len(r.bundles))
	for slug, bundle := range r.bundles {
		if r.loaded[slug] {
			active = append(active, bundle)
		}
	}
	r.mu.Unlock()

	merged := make(map[string]interface{})
	for _, bundle := range active {
		if contribution := bundle.DashboardContext(ctx); len(contribution) > 0 {
			merged[bundle.Slug()] = contribution
		}
	}
	return merged
}
