package metrics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualtrader/agent-orchestrator/internal/database"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

type stubPriceFetcher struct {
	prices map[string]float64
}

func (s stubPriceFetcher) CurrentPrice(ctx context.Context, ticker string) (float64, error) {
	p, ok := s.prices[ticker]
	if !ok {
		return 0, assert.AnError
	}
	return p, nil
}

type testFixture struct {
	db          *database.DB
	holdings    *repositories.HoldingRepository
	txs         *repositories.TransactionRepository
	performance *repositories.PerformanceRepository
	agents      *repositories.AgentRepository
}

func setupFixture(t *testing.T) *testFixture {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.Nop()
	return &testFixture{
		db:          db,
		holdings:    repositories.NewHoldingRepository(db.Conn(), log),
		txs:         repositories.NewTransactionRepository(db.Conn(), log),
		performance: repositories.NewPerformanceRepository(db.Conn(), log),
		agents:      repositories.NewAgentRepository(db.Conn(), log),
	}
}

func seedTestAgent(t *testing.T, ctx context.Context, f *testFixture, funds string) *domain.Agent {
	t.Helper()
	now := time.Now().UTC()
	a := &domain.Agent{
		ID:                    "agent-1",
		Name:                  "Test Agent",
		ModelKey:              "openai/gpt-4o-mini",
		InitialFunds:          decimal.RequireFromString(funds),
		CurrentFunds:          decimal.RequireFromString(funds),
		CurrentMode:           domain.ModeTrading,
		Status:                domain.AgentStatusActive,
		InvestmentPreferences: domain.DefaultInvestmentPreferences(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(t, f.agents.Create(ctx, a))
	return a
}

func insertExecutedTx(t *testing.T, ctx context.Context, f *testFixture, tr *domain.Transaction) {
	t.Helper()
	err := database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		return f.txs.InsertTx(ctx, tx, tr)
	})
	require.NoError(t, err)
}

func upsertHolding(t *testing.T, ctx context.Context, f *testFixture, h *domain.Holding) {
	t.Helper()
	err := database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		return f.holdings.UpsertTx(ctx, tx, h)
	})
	require.NoError(t, err)
}

func TestFetchPricesSkipsFailedTickers(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	seedTestAgent(t, ctx, f, "1000000")
	upsertHolding(t, ctx, f, &domain.Holding{AgentID: "agent-1", Ticker: "2330", Quantity: 1000, AverageCost: decimal.NewFromInt(600)})
	upsertHolding(t, ctx, f, &domain.Holding{AgentID: "agent-1", Ticker: "2454", Quantity: 1000, AverageCost: decimal.NewFromInt(800)})

	engine := New(f.holdings, f.txs, f.performance, stubPriceFetcher{prices: map[string]float64{"2330": 650}}, zerolog.Nop())

	prices, err := engine.FetchPrices(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"2330": 650}, prices)
}

func TestRecomputeTxComputesUnrealizedPnLAndTotalValue(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	agent := seedTestAgent(t, ctx, f, "1000000")
	agent.CurrentFunds = decimal.RequireFromString("400000")

	upsertHolding(t, ctx, f, &domain.Holding{AgentID: agent.ID, Ticker: "2330", Quantity: 1000, AverageCost: decimal.NewFromInt(600)})

	insertExecutedTx(t, ctx, f, &domain.Transaction{
		ID: "tx-1", AgentID: agent.ID, Ticker: "2330", CompanyName: "TSMC",
		Action: domain.ActionBuy, Quantity: 1000, Price: decimal.NewFromInt(600),
		TotalAmount: decimal.NewFromInt(600000), Commission: decimal.NewFromInt(855),
		Status: domain.TransactionExecuted, ExecutionTime: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	})

	engine := New(f.holdings, f.txs, f.performance, stubPriceFetcher{prices: map[string]float64{"2330": 650}}, zerolog.Nop())
	prices, err := engine.FetchPrices(ctx, agent.ID)
	require.NoError(t, err)

	var perf *domain.DailyPerformance
	err = database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		p, err := engine.RecomputeTx(ctx, tx, agent, time.Now().UTC(), prices)
		perf = p
		return err
	})
	require.NoError(t, err)

	expectedMarketValue := decimal.NewFromInt(650000)
	expectedUnrealized := decimal.NewFromInt(650000).Sub(decimal.NewFromInt(600000))
	expectedTotalValue := agent.CurrentFunds.Add(expectedMarketValue)

	assert.True(t, expectedUnrealized.Equal(perf.UnrealizedPnL), "expected unrealized %s got %s", expectedUnrealized, perf.UnrealizedPnL)
	assert.True(t, expectedTotalValue.Equal(perf.TotalValue), "expected total value %s got %s", expectedTotalValue, perf.TotalValue)
	assert.Equal(t, 1, perf.TotalTrades)
	assert.Equal(t, 0, perf.SellTradesCount)
}

func TestRecomputeTxComputesWinRateFromSellCompletionRate(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	agent := seedTestAgent(t, ctx, f, "1000000")

	upsertHolding(t, ctx, f, &domain.Holding{AgentID: agent.ID, Ticker: "2330", Quantity: 1000, AverageCost: decimal.NewFromInt(600)})

	now := time.Now().UTC()
	insertExecutedTx(t, ctx, f, &domain.Transaction{
		ID: "tx-1", AgentID: agent.ID, Ticker: "2330", CompanyName: "TSMC",
		Action: domain.ActionBuy, Quantity: 2000, Price: decimal.NewFromInt(600),
		TotalAmount: decimal.NewFromInt(1200000), Commission: decimal.NewFromInt(1710),
		Status: domain.TransactionExecuted, ExecutionTime: now, CreatedAt: now,
	})
	// One losing sell and one winning sell: win_rate is the SELL completion rate, not a
	// profitability ratio, so both still count toward sellCount the same way. Distinct
	// execution times keep the FIFO matcher's oldest-first ordering deterministic.
	insertExecutedTx(t, ctx, f, &domain.Transaction{
		ID: "tx-2", AgentID: agent.ID, Ticker: "2330", CompanyName: "TSMC",
		Action: domain.ActionSell, Quantity: 500, Price: decimal.NewFromInt(500),
		TotalAmount: decimal.NewFromInt(250000), Commission: decimal.NewFromInt(605),
		Status: domain.TransactionExecuted, ExecutionTime: now.Add(time.Minute), CreatedAt: now.Add(time.Minute),
	})
	insertExecutedTx(t, ctx, f, &domain.Transaction{
		ID: "tx-3", AgentID: agent.ID, Ticker: "2330", CompanyName: "TSMC",
		Action: domain.ActionSell, Quantity: 500, Price: decimal.NewFromInt(700),
		TotalAmount: decimal.NewFromInt(350000), Commission: decimal.NewFromInt(905),
		Status: domain.TransactionExecuted, ExecutionTime: now.Add(2 * time.Minute), CreatedAt: now.Add(2 * time.Minute),
	})

	engine := New(f.holdings, f.txs, f.performance, stubPriceFetcher{prices: map[string]float64{}}, zerolog.Nop())

	var perf *domain.DailyPerformance
	err := database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		p, err := engine.RecomputeTx(ctx, tx, agent, now, map[string]float64{})
		perf = p
		return err
	})
	require.NoError(t, err)

	require.Equal(t, 3, perf.TotalTrades)
	require.Equal(t, 2, perf.SellTradesCount)
	require.NotNil(t, perf.WinRate)
	assert.InDelta(t, float64(2)/float64(3)*100, *perf.WinRate, 1e-9)
	assert.Equal(t, 1, perf.WinningTradesCorrect, "FIFO winning-sell count is a distinct field from win_rate")
}

func TestRecomputeTxIsIdempotentForSameDate(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	agent := seedTestAgent(t, ctx, f, "1000000")

	engine := New(f.holdings, f.txs, f.performance, stubPriceFetcher{prices: map[string]float64{}}, zerolog.Nop())
	asOf := time.Now().UTC()

	for i := 0; i < 2; i++ {
		err := database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
			_, err := engine.RecomputeTx(ctx, tx, agent, asOf, map[string]float64{})
			return err
		})
		require.NoError(t, err)
	}

	history, err := f.performance.History(ctx, agent.ID, 10, "desc")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSharpeWithZeroVarianceOverride(t *testing.T) {
	t.Run("flat returns report zero not nil", func(t *testing.T) {
		returns := make([]float64, 25)
		got := sharpeWithZeroVarianceOverride(returns)
		require.NotNil(t, got)
		assert.Equal(t, 0.0, *got)
	})

	t.Run("too few observations stays nil", func(t *testing.T) {
		returns := make([]float64, 3)
		assert.Nil(t, sharpeWithZeroVarianceOverride(returns))
	})
}
