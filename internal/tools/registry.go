// Package tools builds the per-execution tool set from a mode-driven requirements
// record (Tool Registry, SPEC_FULL.md §4.3).
package tools

import (
	"fmt"

	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// ToolRequirements is a pure record of which tool categories an execution mode needs.
type ToolRequirements struct {
	BuySellTools     bool
	PortfolioTools   bool
	MemoryMCP        bool
	CasualMarketMCP  bool
	PerplexityMCP    bool
	FundamentalAgent bool
	TechnicalAgent   bool
	RiskAgent        bool
	SentimentAgent   bool
}

// RequirementsFor returns the ToolRequirements for mode. Unknown modes are a hard error.
func RequirementsFor(mode domain.AgentMode) (ToolRequirements, error) {
	switch mode {
	case domain.ModeTrading:
		return ToolRequirements{
			BuySellTools:     true,
			PortfolioTools:   true,
			MemoryMCP:        true,
			CasualMarketMCP:  true,
			PerplexityMCP:    true,
			FundamentalAgent: true,
			TechnicalAgent:   true,
			RiskAgent:        true,
			SentimentAgent:   true,
		}, nil
	case domain.ModeRebalancing:
		return ToolRequirements{
			BuySellTools:     false,
			PortfolioTools:   true,
			MemoryMCP:        true,
			CasualMarketMCP:  true,
			PerplexityMCP:    true,
			FundamentalAgent: false,
			TechnicalAgent:   true,
			RiskAgent:        true,
			SentimentAgent:   false,
		}, nil
	default:
		return ToolRequirements{}, fmt.Errorf("unknown agent mode: %q", mode)
	}
}

// Diff lists the requirement fields that differ between modeA and modeB, by name.
// Used by tests to enforce that TRADING and REBALANCING share the core tool set.
func Diff(modeA, modeB domain.AgentMode) ([]string, error) {
	a, err := RequirementsFor(modeA)
	if err != nil {
		return nil, err
	}
	b, err := RequirementsFor(modeB)
	if err != nil {
		return nil, err
	}

	var diffs []string
	if a.BuySellTools != b.BuySellTools {
		diffs = append(diffs, "buy_sell_tools")
	}
	if a.PortfolioTools != b.PortfolioTools {
		diffs = append(diffs, "portfolio_tools")
	}
	if a.MemoryMCP != b.MemoryMCP {
		diffs = append(diffs, "memory_mcp")
	}
	if a.CasualMarketMCP != b.CasualMarketMCP {
		diffs = append(diffs, "casual_market_mcp")
	}
	if a.PerplexityMCP != b.PerplexityMCP {
		diffs = append(diffs, "perplexity_mcp")
	}
	if a.FundamentalAgent != b.FundamentalAgent {
		diffs = append(diffs, "fundamental_agent")
	}
	if a.TechnicalAgent != b.TechnicalAgent {
		diffs = append(diffs, "technical_agent")
	}
	if a.RiskAgent != b.RiskAgent {
		diffs = append(diffs, "risk_agent")
	}
	if a.SentimentAgent != b.SentimentAgent {
		diffs = append(diffs, "sentiment_agent")
	}
	return diffs, nil
}
