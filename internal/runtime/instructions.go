package runtime

import (
	"fmt"
	"strings"

	"github.com/casualtrader/agent-orchestrator/internal/domain"
)

// PortfolioSnapshot is the portfolio state folded into the system prompt so the agent
// reasons over its actual positions and cash rather than relying on memory alone.
type PortfolioSnapshot struct {
	CashBalance string
	Holdings    []HoldingLine
}

// HoldingLine is one position line in a PortfolioSnapshot.
type HoldingLine struct {
	Ticker      string
	CompanyName string
	Quantity    int64
	AverageCost string
}

// composeInstructions builds the system prompt for one execution: role framing,
// current portfolio, investment preferences, and a digest of prior-session memory.
// Pure and stateless — callers gather the inputs from the Persistence Store and the
// memory MCP subprocess before calling this.
func composeInstructions(agent *domain.Agent, mode domain.AgentMode, portfolio PortfolioSnapshot, memoryDigest string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an autonomous trading agent operating on the simulated Taiwan stock market.\n", agent.Name)
	if agent.Description != "" {
		fmt.Fprintf(&b, "%s\n", agent.Description)
	}
	fmt.Fprintf(&b, "\nCurrent mode: %s\n", mode)

	prefs := agent.InvestmentPreferences
	fmt.Fprintf(&b, "Risk tolerance: %s. Maximum single position: %.1f%% of portfolio value.\n", prefs.RiskTolerance, prefs.MaxSinglePosition)

	b.WriteString("\nPortfolio:\n")
	fmt.Fprintf(&b, "- Cash balance: %s\n", portfolio.CashBalance)
	if len(portfolio.Holdings) == 0 {
		b.WriteString("- No open positions.\n")
	}
	for _, h := range portfolio.Holdings {
		fmt.Fprintf(&b, "- %s (%s): %d shares @ avg cost %s\n", h.Ticker, h.CompanyName, h.Quantity, h.AverageCost)
	}

	if memoryDigest != "" {
		b.WriteString("\nNotes from prior sessions:\n")
		b.WriteString(memoryDigest)
		b.WriteString("\n")
	}

	b.WriteString("\nUse the tools available to you to research, decide, and — when mode permits — execute trades. ")
	b.WriteString("Quantities must be positive multiples of 1000 shares. State your reasoning before any BUY or SELL call.\n")

	return b.String()
}
