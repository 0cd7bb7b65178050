// Package api is the synchronous HTTP surface of the calculation core,
// invoked by the external REST/GraphQL layer: position, inventory, and
// limit queries, order validation, usage updates, rule CRUD, and a
// WebSocket stream of outbound change events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"inventory-core/internal/config"
	"inventory-core/internal/engine"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.APIConfig
	core     *engine.Core
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server around the core.
func NewServer(cfg config.APIConfig, core *engine.Core, logger *slog.Logger) *Server {
	handlers := NewHandlers(core, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", handlers.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/positions", handlers.HandlePositionsByDate)
		r.Get("/positions/{bookID}/{securityID}", handlers.HandlePosition)
		r.Get("/positions/{bookID}/{securityID}/ladder", handlers.HandleSettlementLadder)
		r.Post("/positions/recalculate", handlers.HandleRecalculatePositions)

		r.Get("/inventory", handlers.HandleInventoryByDate)
		r.Get("/inventory/{securityID}", handlers.HandleInventoryForSecurity)
		r.Get("/inventory/{securityID}/{calculationType}", handlers.HandleInventoryByType)
		r.Post("/locates", handlers.HandleApplyLocate)

		r.Post("/orders/validate", handlers.HandleValidateOrder)
		r.Post("/limits/usage", handlers.HandleUpdateLimitUsage)
		r.Get("/limits/client/{clientID}/{securityID}", handlers.HandleClientLimit)
		r.Get("/limits/au/{auID}/{securityID}", handlers.HandleAULimit)
		r.Post("/limits/recalculate", handlers.HandleRecalculateLimits)

		r.Get("/rules", handlers.HandleActiveRules)
		r.Get("/rules/{ruleType}/{market}", handlers.HandleRulesByTypeAndMarket)
		r.Post("/rules", handlers.HandleCreateRule)
		r.Put("/rules/{ruleID}", handlers.HandleUpdateRule)
		r.Post("/rules/cache/clear", handlers.HandleClearRuleCache)

		r.Get("/events", handlers.HandleEventStream)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		core:     core,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
