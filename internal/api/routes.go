// Package api exposes the loopback HTTP control surface: pipeline
// lifecycle, source enumeration, session history, and the event stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/recmeet/recmeet/internal/config"
	"github.com/recmeet/recmeet/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		handler:    handler,
		middleware: NewMiddleware(log),
		config:     cfg,
		logger:     log.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	// API routes
	router.Route("/api/v1", func(router chi.Router) {
		// Pipeline lifecycle
		router.Post("/pipeline/start", r.handler.StartPipeline)
		router.Post("/pipeline/stop", r.handler.StopPipeline)
		router.Get("/pipeline/status", r.handler.GetPipelineStatus)
		router.Get("/pipeline/result", r.handler.GetPipelineResult)

		// Audio source enumeration
		router.Get("/sources", r.handler.GetSources)

		// Session history
		router.Get("/sessions", r.handler.GetSessions)
		router.Get("/sessions/{id}", r.handler.GetSessionByID)

		// WebSocket route
		router.Get("/ws", r.handler.HandleWebSocket)

		// Health check
		router.Get("/health", r.handler.GetHealth)
	})

	return router
}
