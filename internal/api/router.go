// Package api exposes the memory service over HTTP: JSON endpoints
// under /api/v1 mapping one-to-one onto the service verbs, every
// response wrapped in the same success/error envelope.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"ltmc/internal/logging"
	"ltmc/internal/memory"
	"ltmc/internal/search"
	"ltmc/pkg/types"
)

// HealthChecker reports per-backend health for the health endpoint.
// The DI container satisfies this.
type HealthChecker interface {
	BackendHealth(ctx context.Context) map[types.Backend]error
}

// Router serves the HTTP API.
type Router struct {
	mux    *chi.Mux
	memory *memory.Service
	search *search.Service
	health HealthChecker
	log    *logging.Logger
}

// NewRouter builds the endpoint table over the given services.
func NewRouter(mem *memory.Service, uss *search.Service, health HealthChecker, log *logging.Logger) *Router {
	if log == nil {
		log = logging.NewNop()
	}
	rt := &Router{
		mux:    chi.NewRouter(),
		memory: mem,
		search: uss,
		health: health,
		log:    log.WithComponent("api"),
	}

	rt.mux.Use(chimiddleware.Recoverer)
	rt.mux.Use(requestLogger(log))

	rt.routes()
	return rt
}

// Handler returns the HTTP handler.
func (rt *Router) Handler() http.Handler { return rt.mux }

func (rt *Router) routes() {
	// Bare liveness alias for probes that cannot carry a path prefix.
	rt.mux.Get("/health", rt.handleHealth)

	rt.mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.handleHealth)

		r.Route("/memory", func(r chi.Router) {
			r.Post("/", rt.handleMemoryStore)
			r.Get("/", rt.handleMemoryList)
			r.Delete("/", rt.handleMemoryDelete)
			r.Post("/retrieve", rt.handleMemoryRetrieve)
			r.Post("/ask", rt.handleMemoryAsk)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", rt.handleChatLog)
			r.Get("/by-tool/{tool}", rt.handleChatByTool)
			r.Get("/{conversationID}", rt.handleConversation)
		})

		r.Route("/context", func(r chi.Router) {
			r.Post("/links", rt.handleLinkResources)
			r.Post("/auto-link", rt.handleAutoLink)
			r.Get("/graph", rt.handleQueryGraph)
		})

		r.Post("/search", rt.handleSearch)

		r.Route("/todos", func(r chi.Router) {
			r.Post("/", rt.handleTodoAdd)
			r.Get("/", rt.handleTodoList)
			r.Post("/{id}/complete", rt.handleTodoComplete)
		})

		r.Route("/session", func(r chi.Router) {
			r.Post("/compact", rt.handleSessionCompact)
			r.Get("/{sessionID}", rt.handleSessionResume)
			r.Get("/{sessionID}/snapshot", rt.handleSessionSnapshot)
		})
	})
}
