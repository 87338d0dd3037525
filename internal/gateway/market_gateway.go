// Package gateway wraps the external MCP stdio subprocess that exposes market-data
// tools (quote lookup, financial statements, trading-day check, holiday info, margin
// info, foreign flows, dividends). Bound into the Agent Runtime as tool invocations and
// into the Derived-Metrics Engine for mark-to-market pricing.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
)

// Config configures the subprocess a MarketGateway spawns.
type Config struct {
	Command string
	Args    []string
	// MaxRetries bounds the exponential-backoff retry loop in Call.
	MaxRetries int
	// CallTimeout bounds a single tool call; it is clamped at call time to never
	// exceed the remaining budget on the caller's context (SPEC_FULL.md §12).
	CallTimeout time.Duration
}

// CallResult is the parsed outcome of one tool call: either structured JSON (Data
// non-nil) or raw text (Text non-empty), always carrying a success flag.
type CallResult struct {
	Success bool
	Data    map[string]any
	Text    string
}

// MarketGateway owns one MCP stdio subprocess for the lifetime of the process that
// created it. Call Close to kill the child.
type MarketGateway struct {
	cfg    Config
	log    zerolog.Logger
	client *client.Client
}

// New starts the subprocess and runs the MCP initialize handshake under ctx. ctx bounds
// only that handshake; the child keeps running until Close is called.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*MarketGateway, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	c, err := client.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start market gateway subprocess: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	if _, err := c.Initialize(initCtx, mcp.InitializeRequest{}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize market gateway: %w", err)
	}

	return &MarketGateway{cfg: cfg, log: log.With().Str("component", "market_gateway").Logger(), client: c}, nil
}

// Close terminates the subprocess.
func (g *MarketGateway) Close() error {
	return g.client.Close()
}

// Call invokes tool name with args, retrying transient failures (deadline exceeded,
// I/O error) with exponential backoff up to MaxRetries. The per-call timeout is
// clamped so it never exceeds ctx's own remaining deadline, enforcing the inner/outer
// timeout hierarchy decided in SPEC_FULL.md §12.
func (g *MarketGateway) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	timeout := g.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := g.client.CallTool(callCtx, mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		cancel()

		if err == nil {
			return parseResult(res), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}

		backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
		g.log.Warn().Err(err).Str("tool", name).Int("attempt", attempt).Dur("backoff", backoff).Msg("market gateway call failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = g.cfg.MaxRetries
		}
	}

	return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrTransient, name, lastErr)
}

func parseResult(res *mcp.CallToolResult) *CallResult {
	out := &CallResult{Success: res != nil && !res.IsError}
	if res == nil || len(res.Content) == 0 {
		return out
	}

	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		return out
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(text.Text), &data); err == nil {
		out.Data = data
		return out
	}

	out.Text = text.Text
	return out
}

// CurrentPrice fetches ticker's current quote, used by the Derived-Metrics Engine for
// mark-to-market. A gateway error surfaces to the caller, which must treat it as "this
// holding contributes 0" rather than failing the whole recompute (SPEC_FULL.md §4.9).
func (g *MarketGateway) CurrentPrice(ctx context.Context, ticker string) (float64, error) {
	res, err := g.Call(ctx, "get_quote", map[string]any{"ticker": ticker})
	if err != nil {
		return 0, err
	}
	if res.Data == nil {
		return 0, fmt.Errorf("quote for %s: no structured data", ticker)
	}
	price, ok := res.Data["price"].(float64)
	if !ok {
		return 0, fmt.Errorf("quote for %s: missing price field", ticker)
	}
	return price, nil
}

// IsTradingDay checks the trading-day calendar via the subprocess.
func (g *MarketGateway) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	res, err := g.Call(ctx, "is_trading_day", map[string]any{"date": date.UTC().Format("2006-01-02")})
	if err != nil {
		return false, err
	}
	if res.Data == nil {
		return false, nil
	}
	isOpen, _ := res.Data["is_trading_day"].(bool)
	return isOpen, nil
}
