package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
	"github.com/iammorganparry/clive/apps/conductor/internal/workitems"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(
	db *store.DB,
	sessionSvc *sessions.Service,
	workItemSvc *workitems.Service,
	rl *relay.Relay,
	gatherer prometheus.Gatherer,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	// Handlers
	healthH := NewHealthHandler(db, sessionSvc, workItemSvc, rl)
	sessionH := NewSessionHandler(sessionSvc, workItemSvc)
	workItemH := NewWorkItemHandler(workItemSvc)
	relayH := NewRelayHandler(rl, logger)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Get("/stats", healthH.Stats)
		r.Get("/ws", relayH.Serve)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionH.List)
			r.Post("/", sessionH.Create)
			r.Post("/reorder", sessionH.Reorder)
			r.Get("/{id}", sessionH.Get)
			r.Delete("/{id}", sessionH.Delete)
			r.Post("/{id}/start", sessionH.Start)
			r.Post("/{id}/messages", sessionH.SendMessage)
			r.Get("/{id}/messages", sessionH.Messages)
			r.Post("/{id}/interrupt", sessionH.Interrupt)
			r.Post("/{id}/resume", sessionH.Resume)
			r.Post("/{id}/complete", sessionH.Complete)
			r.Delete("/{id}/work-item", sessionH.Disassociate)
		})

		r.Route("/work-items", func(r chi.Router) {
			r.Get("/", workItemH.List)
			r.Post("/", workItemH.Create)
			r.Get("/stats", workItemH.Stats)
			r.Get("/{id}", workItemH.Get)
			r.Patch("/{id}", workItemH.Update)
			r.Delete("/{id}", workItemH.Delete)
			r.Get("/{id}/devlog", workItemH.ReadDevLog)
			r.Post("/{id}/devlog", workItemH.AppendDevLog)
			r.Post("/{id}/sessions/{sessionId}", workItemH.Associate)
		})
	})

	return r
}
