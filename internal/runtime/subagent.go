package runtime

import (
	"context"
	"fmt"

	"github.com/casualtrader/agent-orchestrator/internal/tools"
)

// subAgentKind names one of the four analyst lenses SPEC_FULL.md §4.6 delegates to.
// Each is a single, focused LLM call with its own tool binding rather than a full
// recursive Runtime instance — the spec only requires one round-trip per lens per
// execution, so a nested bounded loop would add complexity with no behavior it buys.
type subAgentKind string

const (
	subAgentFundamental subAgentKind = "fundamental_analysis"
	subAgentTechnical   subAgentKind = "technical_analysis"
	subAgentRisk        subAgentKind = "risk_assessment"
	subAgentSentiment   subAgentKind = "sentiment_analysis"
)

var subAgentBriefs = map[subAgentKind]string{
	subAgentFundamental: "You are a fundamental-analysis sub-agent. Evaluate the ticker's financial statements, valuation ratios, and growth metrics. Report a concise verdict and the key figures behind it.",
	subAgentTechnical:    "You are a technical-analysis sub-agent. Evaluate the ticker's price action using the supplied indicator readings (RSI, MACD, Bollinger bands). Report a concise verdict and the indicators that drove it.",
	subAgentRisk:         "You are a risk-assessment sub-agent. Evaluate position sizing, concentration, and volatility risk for the proposed trade against the agent's current portfolio. Report a concise verdict.",
	subAgentSentiment:    "You are a sentiment-analysis sub-agent. Evaluate recent news and market sentiment for the ticker. Report a concise verdict and the sources behind it.",
}

// subAgentResult is one lens's verdict, folded back into the parent execution's
// conversation as a tool result.
type subAgentResult struct {
	Kind    subAgentKind `json:"kind"`
	Verdict string       `json:"verdict"`
}

// runSubAgent issues one focused, single-turn completion for the given lens, using the
// same LLMClient as the parent execution. ticker and context are embedded directly in
// the user turn; the Market Gateway supplies indicator/quote data for the technical lens.
func (f *Factory) runSubAgent(ctx context.Context, client LLMClient, kind subAgentKind, model, ticker, contextNote string) (*subAgentResult, error) {
	brief, ok := subAgentBriefs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sub-agent kind: %q", kind)
	}

	userTurn := fmt.Sprintf("Ticker: %s\nContext: %s", ticker, contextNote)
	if kind == subAgentTechnical {
		if closes, err := f.closingPrices(ctx, ticker); err == nil {
			ind := tools.ComputeTechnicalIndicators(closes)
			userTurn += fmt.Sprintf("\nIndicators: RSI14=%.2f MACD=%.2f MACDSignal=%.2f BollUp=%.2f BollLo=%.2f",
				derefF(ind.RSI14), derefF(ind.MACD), derefF(ind.MACDSignal), derefF(ind.BollingerUp), derefF(ind.BollingerLo))
		}
	}

	resp, err := client.Complete(ctx, CompletionRequest{
		Model:  model,
		System: brief,
		Messages: []Message{
			{Role: "user", Content: userTurn},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", kind, err)
	}

	return &subAgentResult{Kind: kind, Verdict: resp.Content}, nil
}

// closingPrices fetches up to 60 days of closing prices for the technical lens through
// the Market Gateway's get_price_history tool. It returns an error (silently skipped by
// the caller) when no gateway is configured, the call fails, or the result carries no
// "closes" list, rather than fabricating data.
func (f *Factory) closingPrices(ctx context.Context, ticker string) ([]float64, error) {
	if f.gateway == nil {
		return nil, fmt.Errorf("no market gateway configured")
	}
	res, err := f.gateway.Call(ctx, "get_price_history", map[string]any{"ticker": ticker, "days": 60})
	if err != nil {
		return nil, err
	}
	raw, ok := res.Data["closes"].([]any)
	if !ok {
		return nil, fmt.Errorf("price history for %s: missing closes", ticker)
	}
	closes := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			closes = append(closes, f)
		}
	}
	return closes, nil
}

func derefF(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
