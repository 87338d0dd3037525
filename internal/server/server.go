// Package server implements the REST Surface (SPEC_FULL.md §4.8): a chi router exposing
// agent CRUD, execution control, session/portfolio/performance reads, and the WebSocket
// event feed, over the Persistence Store, Trading Service, Session Service, and Event Bus.
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

	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/events"
	"github.com/casualtrader/agent-orchestrator/internal/metrics"
	"github.com/casualtrader/agent-orchestrator/internal/scheduler"
	"github.com/casualtrader/agent-orchestrator/internal/session"
	"github.com/casualtrader/agent-orchestrator/internal/trading"
)

// Config holds everything the REST surface needs, wired together in cmd/server/main.go.
type Config struct {
	Port    int
	Log     zerolog.Logger
	DevMode bool

	Agents      *repositories.AgentRepository
	Holdings    *repositories.HoldingRepository
	Txs         *repositories.TransactionRepository
	Performance *repositories.PerformanceRepository
	ModelCat    *repositories.ModelCatalogRepository

	Trading     *trading.Service
	Sessions    *session.Service
	Metrics     *metrics.Engine
	Bus         *events.Bus
	MarketHours *scheduler.MarketHoursService

	DefaultMaxTurns     int
	DefaultAgentTimeout time.Duration
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New builds a Server, wiring middleware and routes, but does not start listening.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
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
	s.router.Use(middleware.Timeout(60 * time.Second))

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
	s.router.Get("/", s.handleDashboard)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws", s.handleWebSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})
		s.setupAgentRoutes(r)
		s.setupTradingRoutes(r)
	})

	fileServer := http.FileServer(http.Dir("./static"))
	s.router.Handle("/static/*", http.StripPrefix("/static/", fileServer))
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "./static/index.html")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":                "ok",
		"default_max_turns":     s.cfg.DefaultMaxTurns,
		"default_agent_timeout": s.cfg.DefaultAgentTimeout.String(),
	}
	if s.cfg.MarketHours != nil {
		resp["market"] = s.cfg.MarketHours.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Bus.Accept(w, r); err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
	}
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
