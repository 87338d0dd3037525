package metrics

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

func tx(ticker string, action domain.TradeAction, qty int64, price int64) *domain.Transaction {
	return &domain.Transaction{
		Ticker: ticker, Action: action, Quantity: qty, Price: decimal.NewFromInt(price),
	}
}

func TestMatchFIFOSimpleWin(t *testing.T) {
	txs := []*domain.Transaction{
		tx("2330", domain.ActionBuy, 1000, 600),
		tx("2330", domain.ActionSell, 1000, 700),
	}
	result := MatchFIFO(txs)
	assert.True(t, decimal.NewFromInt(100000).Equal(result.RealizedPnL))
	assert.Equal(t, 1, result.SellCount)
	assert.Equal(t, 1, result.WinningSells)
	assert.Empty(t, result.RemainingLots)
}

func TestMatchFIFOPartialLotConsumption(t *testing.T) {
	txs := []*domain.Transaction{
		tx("2330", domain.ActionBuy, 1000, 600),
		tx("2330", domain.ActionBuy, 1000, 700),
		tx("2330", domain.ActionSell, 1500, 800),
	}
	result := MatchFIFO(txs)

	// first 1000 shares matched against the 600 lot, next 500 against the 700 lot.
	expected := decimal.NewFromInt(800 - 600).Mul(decimal.NewFromInt(1000)).
		Add(decimal.NewFromInt(800 - 700).Mul(decimal.NewFromInt(500)))
	assert.True(t, expected.Equal(result.RealizedPnL), "expected %s got %s", expected, result.RealizedPnL)
	assert.Len(t, result.RemainingLots, 1)
	assert.EqualValues(t, 500, result.RemainingLots[0].quantity)
	assert.True(t, decimal.NewFromInt(700).Equal(result.RemainingLots[0].price))
}

func TestMatchFIFOLosingSell(t *testing.T) {
	txs := []*domain.Transaction{
		tx("2330", domain.ActionBuy, 1000, 700),
		tx("2330", domain.ActionSell, 1000, 600),
	}
	result := MatchFIFO(txs)
	assert.True(t, decimal.NewFromInt(-100000).Equal(result.RealizedPnL))
	assert.Equal(t, 0, result.WinningSells)
}

func TestMatchFIFOByTickerAggregatesAcrossTickers(t *testing.T) {
	txs := []*domain.Transaction{
		tx("2330", domain.ActionBuy, 1000, 600),
		tx("2330", domain.ActionSell, 1000, 700),
		tx("2454", domain.ActionBuy, 1000, 800),
		tx("2454", domain.ActionSell, 1000, 750),
	}
	result := MatchFIFOByTicker(txs)
	assert.Equal(t, 2, result.SellCount)
	assert.Equal(t, 1, result.WinningSells)
	expected := decimal.NewFromInt(100000).Sub(decimal.NewFromInt(50000))
	assert.True(t, expected.Equal(result.RealizedPnL), "expected %s got %s", expected, result.RealizedPnL)
}

func TestMatchFIFOByTickerEmptyInput(t *testing.T) {
	result := MatchFIFOByTicker(nil)
	assert.True(t, decimal.Zero.Equal(result.RealizedPnL))
	assert.Equal(t, 0, result.SellCount)
}
