// Package server provides the control-plane HTTP API over the engine's
// managers. Every endpoint is a read-only view except the emergency-stop
// toggles and explicit lifecycle actions.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/modules/health"
	"github.com/aristath/strategos/internal/modules/marketdata"
	"github.com/aristath/strategos/internal/modules/orders"
	ordershandlers "github.com/aristath/strategos/internal/modules/orders/handlers"
	"github.com/aristath/strategos/internal/modules/portfolio"
	portfoliohandlers "github.com/aristath/strategos/internal/modules/portfolio/handlers"
	"github.com/aristath/strategos/internal/modules/risk"
	riskhandlers "github.com/aristath/strategos/internal/modules/risk/handlers"
	"github.com/aristath/strategos/internal/modules/routing"
	routinghandlers "github.com/aristath/strategos/internal/modules/routing/handlers"
	"github.com/aristath/strategos/internal/modules/settings"
	settingshandlers "github.com/aristath/strategos/internal/modules/settings/handlers"
	"github.com/aristath/strategos/internal/modules/strategy"
	strategyhandlers "github.com/aristath/strategos/internal/modules/strategy/handlers"
)

// Config carries the server settings and every manager the API serves.
// Optional fields may be nil; their endpoints degrade or disappear.
type Config struct {
	Log     zerolog.Logger
	Host    string
	Port    int
	DevMode bool

	Bus           *events.Bus
	Portfolio     *portfolio.Manager
	PortfolioRepo *portfolio.Repository
	Risk          *risk.Manager
	Orders        *orders.Manager
	OrdersRepo    *orders.Repository
	Strategy      *strategy.Manager
	Router        *routing.Router
	Health        *health.Monitor
	Settings      *settings.Service
	Gateway       *marketdata.Gateway
}

// Server is the engine's HTTP control plane.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    Config
	log    zerolog.Logger

	startedAt time.Time
}

// New assembles the router: middleware, module handlers under /api, the
// SSE stream, and the system endpoints.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "server").Logger(),
		startedAt: time.Now().UTC(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The SSE stream must bypass the timeout middleware, so the
		// timeout wraps only the remaining API routes.
		if s.cfg.Bus != nil {
			stream := NewEventsStreamHandler(s.cfg.Bus, s.log)
			r.Get("/events/stream", stream.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			if s.cfg.Portfolio != nil {
				portfoliohandlers.NewHandler(s.cfg.Portfolio, s.cfg.PortfolioRepo, s.log).RegisterRoutes(r)
			}
			if s.cfg.Risk != nil && s.cfg.Portfolio != nil {
				riskhandlers.NewHandler(s.cfg.Risk, s.cfg.Portfolio, s.log).RegisterRoutes(r)
			}
			if s.cfg.Orders != nil {
				ordershandlers.NewHandler(s.cfg.Orders, s.cfg.OrdersRepo, s.log).RegisterRoutes(r)
			}
			if s.cfg.Strategy != nil {
				strategyhandlers.NewHandler(s.cfg.Strategy, s.log).RegisterRoutes(r)
			}
			if s.cfg.Router != nil {
				var alerts routinghandlers.AlertsSource
				if s.cfg.Health != nil {
					alerts = s.cfg.Health
				}
				routinghandlers.NewHandler(s.cfg.Router, alerts, s.log).RegisterRoutes(r)
			}
			if s.cfg.Settings != nil {
				settingshandlers.NewHandler(s.cfg.Settings, s.log).RegisterRoutes(r)
			}

			r.Get("/stats", s.handleStats)
			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.handleSystemStatus)
			})
		})
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the assembled router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
