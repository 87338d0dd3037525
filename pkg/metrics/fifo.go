// Package metrics computes the derived performance figures (realized P&L, winning-sell count)
// that pkg/formulas doesn't cover: FIFO lot matching has no analog in the teacher repo
// and is authored fresh here, grounded on SPEC_FULL.md §4.9 and its worked example
// (§11 scenario 5).
package metrics

import (
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// lot is one unmatched BUY quantity, oldest-first.
type lot struct {
	quantity int64
	price    decimal.Decimal
}

// FIFOResult is the outcome of matching one ticker's BUY/SELL history.
type FIFOResult struct {
	RealizedPnL    decimal.Decimal
	SellCount      int
	WinningSells   int
	RemainingLots  []lot
}

// MatchFIFO pairs SELL shares against the oldest remaining BUY lots, in chronological
// transaction order, and returns the realized P&L (gross of commission — see
// SPEC_FULL.md §12 Open Question decision) plus the win/loss counts used for
// winning_trades_correct.
//
// txs must be EXECUTED transactions for a single ticker, ordered oldest first.
func MatchFIFO(txs []*domain.Transaction) FIFOResult {
	var lots []lot
	realized := decimal.Zero
	sellCount := 0
	winningSells := 0

	for _, tx := range txs {
		switch tx.Action {
		case domain.ActionBuy:
			lots = append(lots, lot{quantity: tx.Quantity, price: tx.Price})
		case domain.ActionSell:
			sellCount++
			remaining := tx.Quantity
			proceeds := decimal.Zero
			cost := decimal.Zero

			for remaining > 0 && len(lots) > 0 {
				head := &lots[0]
				matched := remaining
				if head.quantity < matched {
					matched = head.quantity
				}

				proceeds = proceeds.Add(tx.Price.Mul(decimal.NewFromInt(matched)))
				cost = cost.Add(head.price.Mul(decimal.NewFromInt(matched)))

				head.quantity -= matched
				remaining -= matched
				if head.quantity == 0 {
					lots = lots[1:]
				}
			}

			tradePnL := proceeds.Sub(cost)
			realized = realized.Add(tradePnL)
			if tradePnL.IsPositive() {
				winningSells++
			}
		}
	}

	return FIFOResult{
		RealizedPnL:   realized,
		SellCount:     sellCount,
		WinningSells:  winningSells,
		RemainingLots: lots,
	}
}

// MatchFIFOByTicker groups txs by ticker and matches each ticker's history
// independently, then aggregates realized P&L and win counts across all tickers.
func MatchFIFOByTicker(txs []*domain.Transaction) FIFOResult {
	byTicker := make(map[string][]*domain.Transaction)
	var order []string
	for _, tx := range txs {
		if _, ok := byTicker[tx.Ticker]; !ok {
			order = append(order, tx.Ticker)
		}
		byTicker[tx.Ticker] = append(byTicker[tx.Ticker], tx)
	}

	agg := FIFOResult{RealizedPnL: decimal.Zero}
	for _, ticker := range order {
		r := MatchFIFO(byTicker[ticker])
		agg.RealizedPnL = agg.RealizedPnL.Add(r.RealizedPnL)
		agg.SellCount += r.SellCount
		agg.WinningSells += r.WinningSells
	}
	return agg
}
