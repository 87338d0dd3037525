// Command server runs the agent orchestrator: the REST surface, the WebSocket event
// feed, and the background session-timeout sweep, all wired to a single SQLite store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/casualtrader/agent-orchestrator/internal/config"
	"github.com/casualtrader/agent-orchestrator/internal/database"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/events"
	"github.com/casualtrader/agent-orchestrator/internal/gateway"
	"github.com/casualtrader/agent-orchestrator/internal/metrics"
	"github.com/casualtrader/agent-orchestrator/internal/runtime"
	"github.com/casualtrader/agent-orchestrator/internal/scheduler"
	"github.com/casualtrader/agent-orchestrator/internal/server"
	"github.com/casualtrader/agent-orchestrator/internal/session"
	"github.com/casualtrader/agent-orchestrator/internal/trading"
	"github.com/casualtrader/agent-orchestrator/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting agent orchestrator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	db, err := database.New(database.Config{Path: cfg.DatabaseURL, Profile: database.ProfileLedger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	agents := repositories.NewAgentRepository(db.Conn(), log)
	holdings := repositories.NewHoldingRepository(db.Conn(), log)
	txs := repositories.NewTransactionRepository(db.Conn(), log)
	performance := repositories.NewPerformanceRepository(db.Conn(), log)
	sessions := repositories.NewSessionRepository(db.Conn(), log)
	modelCatalog := repositories.NewModelCatalogRepository(db.Conn(), log)

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 5*time.Second)
	if err := modelCatalog.Seed(seedCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to seed model catalog")
	}
	cancelSeed()

	var mkt *gateway.MarketGateway
	var priceFetcher metrics.PriceFetcher
	if !cfg.SkipMarketCheck {
		gwCtx, cancelGw := context.WithCancel(context.Background())
		defer cancelGw()
		mkt, err = gateway.New(gwCtx, gateway.Config{
			Command:     cfg.MarketMCPCommand,
			Args:        cfg.MarketMCPArgs,
			MaxRetries:  3,
			CallTimeout: 20 * time.Second,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start market gateway")
		}
		defer mkt.Close()
		priceFetcher = mkt
	} else {
		log.Warn().Msg("SKIP_MARKET_CHECK set: running without a market gateway")
	}

	metricsEngine := metrics.New(holdings, txs, performance, priceFetcher, log)
	marketHours := scheduler.NewMarketHoursService(log)

	sessionSvc := session.New(sessions, log)
	tradingSvc := trading.New(db, agents, holdings, txs, sessionSvc, metricsEngine, marketHours, log)

	if !cfg.SkipAgentGraph {
		runtimeFactory := runtime.NewFactory(
			llmClientFor(log),
			mkt,
			tradingSvc,
			holdings,
			modelCatalog,
			nil, // no Memory MCP client wired; memory digest load/save is skipped
			log,
		)
		tradingSvc.SetRuntimeFactory(runtimeFactory)
	} else {
		log.Warn().Msg("SKIP_AGENT_GRAPH set: agents cannot be started in this process")
	}

	bus := events.NewBus(log)

	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	sweepJob := session.NewTimeoutSweepJob(sessionSvc, cfg.DefaultAgentTimeout, log)
	if err := sched.AddJob("@every 60s", sweepJob); err != nil {
		log.Fatal().Err(err).Msg("failed to register session timeout sweep")
	}

	srv := server.New(server.Config{
		Port:    cfg.APIPort,
		Log:     log,
		DevMode: cfg.DevMode,

		Agents:      agents,
		Holdings:    holdings,
		Txs:         txs,
		Performance: performance,
		ModelCat:    modelCatalog,

		Trading:     tradingSvc,
		Sessions:    sessionSvc,
		Metrics:     metricsEngine,
		Bus:         bus,
		MarketHours: marketHours,

		DefaultMaxTurns:     cfg.DefaultMaxTurns,
		DefaultAgentTimeout: cfg.DefaultAgentTimeout,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Int("port", cfg.APIPort).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("stopped")
}

// llmClientFor resolves the provider-specific LLMClient for a given model catalog entry.
// Every provider the teacher and pack reach for wire shapes through the same OpenAI-style
// chat-completions surface; BaseURLForProvider picks the right endpoint per provider.
func llmClientFor(log zerolog.Logger) func(*domain.ModelCatalog) runtime.LLMClient {
	return func(catalog *domain.ModelCatalog) runtime.LLMClient {
		return runtime.NewHTTPClient(runtime.BaseURLForProvider(catalog.Provider), catalog.APIKeyEnv, log)
	}
}
