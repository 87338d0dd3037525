// Command rebuild recomputes holdings and daily-performance snapshots for one or all
// agents from the EXECUTED transaction log, independent of the live application.
// Adapted from the original's rebuild_agent_holdings.py / rebuild_agent_performance.py
// reconciliation scripts (SPEC_FULL.md §9): a drift between the ledger and the
// materialized holdings/performance tables — caused by a bug, a manual DB edit, or an
// interrupted recompute — can always be repaired by replaying EXECUTED transactions.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/config"
	"github.com/casualtrader/agent-orchestrator/internal/database"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/gateway"
	"github.com/casualtrader/agent-orchestrator/internal/metrics"
	"github.com/casualtrader/agent-orchestrator/pkg/logger"
)

const commissionRate = "0.001425"

func main() {
	agentID := flag.String("agent", "", "agent ID to rebuild (omit to rebuild every agent)")
	skipMarket := flag.Bool("skip-market", false, "rebuild holdings only; skip the performance recompute, which needs live prices")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Pretty: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := database.New(database.Config{Path: cfg.DatabaseURL, Profile: database.ProfileLedger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	agents := repositories.NewAgentRepository(db.Conn(), log)
	holdings := repositories.NewHoldingRepository(db.Conn(), log)
	txs := repositories.NewTransactionRepository(db.Conn(), log)
	performance := repositories.NewPerformanceRepository(db.Conn(), log)

	ctx := context.Background()

	var targets []*domain.Agent
	if *agentID != "" {
		a, err := agents.Get(ctx, *agentID)
		if err != nil {
			log.Fatal().Err(err).Str("agent_id", *agentID).Msg("agent not found")
		}
		targets = []*domain.Agent{a}
	} else {
		targets, err = agents.List(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list agents")
		}
	}

	var priceFetcher metrics.PriceFetcher
	if !*skipMarket {
		gwCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		mkt, err := gateway.New(gwCtx, gateway.Config{
			Command:     cfg.MarketMCPCommand,
			Args:        cfg.MarketMCPArgs,
			MaxRetries:  3,
			CallTimeout: 20 * time.Second,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start market gateway; pass -skip-market to rebuild holdings only")
		}
		defer mkt.Close()
		priceFetcher = mkt
	}

	engine := metrics.New(holdings, txs, performance, priceFetcher, log)

	for _, agent := range targets {
		if err := rebuildAgent(ctx, db, engine, agents, holdings, txs, agent, *skipMarket); err != nil {
			log.Error().Err(err).Str("agent_id", agent.ID).Msg("rebuild failed")
			continue
		}
		fmt.Printf("rebuilt agent %s (%s)\n", agent.ID, agent.Name)
	}
}

// rebuildAgent replays agent's EXECUTED transaction log into fresh holdings (the same
// weighted-average-cost formula as trading.Service.ExecuteTradeAtomic) and cash
// balance, then — unless skipMarket — recomputes today's DailyPerformance snapshot
// against those holdings. Everything commits in one transaction so a half-rebuilt
// agent is never visible to a concurrently running server.
func rebuildAgent(ctx context.Context, db *database.DB, engine *metrics.Engine, agents *repositories.AgentRepository, holdings *repositories.HoldingRepository, txs *repositories.TransactionRepository, agent *domain.Agent, skipMarket bool) error {
	executed, err := txs.ListExecutedByAgent(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("list executed transactions: %w", err)
	}

	rebuilt := replayHoldings(agent.ID, agent.InitialFunds, executed)

	var prices map[string]float64
	if !skipMarket {
		prices, err = engine.FetchPrices(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("fetch prices: %w", err)
		}
	}

	return database.WithTransactionContext(ctx, db.Conn(), nil, func(tx *sql.Tx) error {
		for _, h := range rebuilt.holdings {
			if err := holdings.UpsertTx(ctx, tx, h); err != nil {
				return fmt.Errorf("upsert holding %s: %w", h.Ticker, err)
			}
		}

		if err := agents.UpdateFundsTx(ctx, tx, agent.ID, rebuilt.cashBalance); err != nil {
			return fmt.Errorf("update funds: %w", err)
		}
		agent.CurrentFunds = rebuilt.cashBalance

		if skipMarket {
			return nil
		}
		_, err := engine.RecomputeTx(ctx, tx, agent, time.Now().UTC(), prices)
		if err != nil {
			return fmt.Errorf("recompute performance: %w", err)
		}
		return nil
	})
}

// replayedState is the in-memory result of replaying one agent's EXECUTED transaction
// log: cash balance and per-ticker holdings, before anything is written back.
type replayedState struct {
	cashBalance decimal.Decimal
	holdings    map[string]*domain.Holding
}

// replayHoldings walks executed (oldest first) applying the same commission and
// weighted-average-cost formulas as trading.Service.ExecuteTradeAtomic, starting from
// agent's initial funds rather than its current (possibly drifted) balance.
func replayHoldings(agentID string, initialFunds decimal.Decimal, executed []*domain.Transaction) replayedState {
	rate := decimal.RequireFromString(commissionRate)
	cash := initialFunds
	byTicker := make(map[string]*domain.Holding)

	for _, t := range executed {
		h, ok := byTicker[t.Ticker]
		if !ok {
			h = &domain.Holding{AgentID: agentID, Ticker: t.Ticker, CompanyName: t.CompanyName, AverageCost: decimal.Zero}
			byTicker[t.Ticker] = h
		}

		qty := decimal.NewFromInt(t.Quantity)
		total := qty.Mul(t.Price)
		commission := total.Mul(rate)

		switch t.Action {
		case domain.ActionBuy:
			cash = cash.Sub(total).Sub(commission)
			oldQty := decimal.NewFromInt(h.Quantity)
			newQtyInt := h.Quantity + t.Quantity
			newQty := decimal.NewFromInt(newQtyInt)
			h.AverageCost = h.AverageCost.Mul(oldQty).Add(t.Price.Mul(qty)).Div(newQty)
			h.Quantity = newQtyInt
			if t.CompanyName != "" {
				h.CompanyName = t.CompanyName
			}
		case domain.ActionSell:
			cash = cash.Add(total).Sub(commission)
			h.Quantity -= t.Quantity
			if h.Quantity <= 0 {
				h.Quantity = 0
				h.AverageCost = decimal.Zero
			}
		}
	}

	return replayedState{cashBalance: cash, holdings: byTicker}
}
