// Package runtime implements the Agent Runtime (SPEC_FULL.md §4.6): instruction
// composition, tool-set assembly, the bounded LLM loop, sub-agent delegation, and the
// memory workflow every single-mode execution runs through. It imports internal/trading
// directly (for trading.RunResult and to drive trading.Service.ExecuteTradeAtomic) —
// safe because internal/trading only depends on its own locally-defined narrow
// interfaces and never imports internal/runtime back.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/agent-orchestrator/internal/apperrors"
	"github.com/casualtrader/agent-orchestrator/internal/database/repositories"
	"github.com/casualtrader/agent-orchestrator/internal/domain"
	"github.com/casualtrader/agent-orchestrator/internal/gateway"
	"github.com/casualtrader/agent-orchestrator/internal/tools"
	"github.com/casualtrader/agent-orchestrator/internal/trading"
)

// maxTurns bounds the number of LLM round-trips (and therefore tool calls) a single
// execution may take, independent of the session's wall-clock deadline (SPEC_FULL.md
// §4.6). When it is reached the loop stops and Run returns whatever final content it
// has, which is empty if every turn ended in tool calls. The bound is this fixed
// constant; the DEFAULT_MAX_TURNS setting is not consulted by the runtime.
const maxTurns = 12

// MemoryClient is the narrow surface the Agent Runtime needs from the memory MCP
// subprocess: load a prior-session digest, save a new one. Failures on either side are
// warn-only — memory is an enrichment, not a correctness dependency.
type MemoryClient interface {
	LoadDigest(ctx context.Context, agentID string) (string, error)
	SaveDigest(ctx context.Context, agentID, digest string) error
}

// Factory builds a Runtime bound to one agent/session pair. It holds every dependency a
// Runtime needs: the LLM client, the Market Gateway, the Trading Service (for the
// BUY/SELL tool), the model catalog, and an optional memory client.
type Factory struct {
	llmClientFor func(catalog *domain.ModelCatalog) LLMClient
	gateway      *gateway.MarketGateway
	trading      *trading.Service
	holdings     *repositories.HoldingRepository
	modelCatalog *repositories.ModelCatalogRepository
	memory       MemoryClient
	log          zerolog.Logger
}

// NewFactory builds a Factory. llmClientFor resolves the concrete LLMClient for a
// model catalog entry (normally NewHTTPClient wired to BaseURLForProvider); memory may
// be nil, in which case memory load/save is skipped entirely.
func NewFactory(
	llmClientFor func(catalog *domain.ModelCatalog) LLMClient,
	gw *gateway.MarketGateway,
	tradingSvc *trading.Service,
	holdings *repositories.HoldingRepository,
	modelCatalog *repositories.ModelCatalogRepository,
	memory MemoryClient,
	log zerolog.Logger,
) *Factory {
	return &Factory{
		llmClientFor: llmClientFor,
		gateway:      gw,
		trading:      tradingSvc,
		holdings:     holdings,
		modelCatalog: modelCatalog,
		memory:       memory,
		log:          log.With().Str("component", "agent_runtime").Logger(),
	}
}

// NewRuntime satisfies trading.RuntimeFactory. It resolves the agent's configured model
// and returns a Runtime bound to one session.
func (f *Factory) NewRuntime(ctx context.Context, agent *domain.Agent, sess *domain.Session) (trading.AgentRuntime, error) {
	catalog, err := f.modelCatalog.Get(ctx, agent.ModelKey)
	if err != nil {
		return nil, fmt.Errorf("resolve model for agent %s: %w", agent.ID, err)
	}
	if catalog.FullModel == "" || catalog.APIKeyEnv == "" || os.Getenv(catalog.APIKeyEnv) == "" {
		return nil, fmt.Errorf("%w: model %s: missing model name or API key env var", apperrors.ErrAgentConfiguration, agent.ModelKey)
	}

	reqs, err := tools.RequirementsFor(sess.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve tool requirements: %v", apperrors.ErrAgentConfiguration, err)
	}

	return &Runtime{
		factory: f,
		agent:   agent,
		session: sess,
		model:   catalog.FullModel,
		client:  f.llmClientFor(catalog),
		reqs:    reqs,
	}, nil
}

// Runtime is one bounded agent execution, scoped to a single agent/session pair.
type Runtime struct {
	factory *Factory
	agent   *domain.Agent
	session *domain.Session
	model   string
	client  LLMClient
	reqs    tools.ToolRequirements
}

// Run drives the bounded LLM loop to completion: compose instructions, load the
// portfolio snapshot and memory digest, then alternate LLM turns with tool execution
// until the model returns a final answer, max_turns is hit, or ctx is done.
func (r *Runtime) Run(ctx context.Context) (*trading.RunResult, error) {
	log := r.factory.log.With().Str("agent_id", r.agent.ID).Str("session_id", r.session.ID).Logger()

	snapshot, err := r.portfolioSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load portfolio snapshot, proceeding with empty snapshot")
	}

	var memoryDigest string
	if r.factory.memory != nil {
		digest, err := r.factory.memory.LoadDigest(ctx, r.agent.ID)
		if err != nil {
			log.Warn().Err(err).Msg("memory load failed, proceeding without prior-session context")
		} else {
			memoryDigest = digest
		}
	}

	system := composeInstructions(r.agent, r.session.Mode, snapshot, memoryDigest)
	toolSpecs := r.buildToolSpecs()

	var messages []Message
	if r.session.InitialInput != nil {
		if raw, err := json.Marshal(r.session.InitialInput); err == nil {
			messages = append(messages, Message{Role: "user", Content: string(raw)})
		}
	} else {
		messages = append(messages, Message{Role: "user", Content: "Begin your analysis and, if warranted, act."})
	}

	var toolsCalled []string
	var finalContent string

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := r.client.Complete(ctx, CompletionRequest{
			Model:    r.model,
			System:   system,
			Messages: messages,
			Tools:    toolSpecs,
		})
		if err != nil {
			return nil, fmt.Errorf("llm completion (turn %d): %w", turn, err)
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})
		for _, call := range resp.ToolCalls {
			toolsCalled = append(toolsCalled, call.Name)
			result := r.dispatchTool(ctx, call)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			encoded, _ := json.Marshal(result)
			messages = append(messages, Message{Role: "tool", Content: fmt.Sprintf("%s result: %s", call.Name, string(encoded))})
		}
	}

	if r.factory.memory != nil {
		digest := summarizeForMemory(finalContent, toolsCalled)
		if err := r.factory.memory.SaveDigest(ctx, r.agent.ID, digest); err != nil {
			log.Warn().Err(err).Msg("memory save failed")
		}
	}

	return &trading.RunResult{
		FinalOutput: map[string]any{"content": finalContent},
		ToolsCalled: toolsCalled,
	}, nil
}

// dispatchTool routes one tool call to its implementation. Unknown tool names return a
// structured error the model can recover from rather than aborting the run.
func (r *Runtime) dispatchTool(ctx context.Context, call ToolCall) map[string]any {
	switch call.Name {
	case "execute_trade":
		return r.toolExecuteTrade(ctx, call.Arguments)
	case "get_quote":
		return r.toolGetQuote(ctx, call.Arguments)
	case "fundamental_analysis", "technical_analysis", "risk_assessment", "sentiment_analysis":
		return r.toolSubAgent(ctx, subAgentKind(call.Name), call.Arguments)
	default:
		return map[string]any{"error": fmt.Sprintf("unknown tool: %s", call.Name)}
	}
}

func (r *Runtime) toolExecuteTrade(ctx context.Context, args map[string]any) map[string]any {
	if !r.reqs.BuySellTools {
		return map[string]any{"success": false, "error": "trading is not available in this mode"}
	}

	ticker, _ := args["ticker"].(string)
	companyName, _ := args["company_name"].(string)
	action, _ := args["action"].(string)
	reason, _ := args["decision_reason"].(string)
	quantity, price, err := parseTradeNumbers(args)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}

	result := r.factory.trading.ExecuteTradeAtomic(ctx, trading.TradeRequest{
		AgentID:        r.agent.ID,
		SessionID:      r.session.ID,
		Ticker:         ticker,
		CompanyName:    companyName,
		Action:         domain.TradeAction(action),
		Quantity:       quantity,
		Price:          price,
		DecisionReason: reason,
	})

	out := map[string]any{"success": result.Success}
	if result.Success {
		out["transaction_id"] = result.TransactionID
		out["message"] = result.Message
	} else {
		out["error"] = result.Error
	}
	return out
}

func (r *Runtime) toolGetQuote(ctx context.Context, args map[string]any) map[string]any {
	ticker, _ := args["ticker"].(string)
	if r.factory.gateway == nil {
		return map[string]any{"error": "market gateway unavailable"}
	}
	res, err := r.factory.gateway.Call(ctx, "get_quote", map[string]any{"ticker": ticker})
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if res.Data != nil {
		return res.Data
	}
	return map[string]any{"text": res.Text}
}

func (r *Runtime) toolSubAgent(ctx context.Context, kind subAgentKind, args map[string]any) map[string]any {
	ticker, _ := args["ticker"].(string)
	contextNote, _ := args["context"].(string)
	result, err := r.factory.runSubAgent(ctx, r.client, kind, r.model, ticker, contextNote)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"verdict": result.Verdict}
}

// portfolioSnapshot loads the agent's current cash and holdings for the system prompt.
func (r *Runtime) portfolioSnapshot(ctx context.Context) (PortfolioSnapshot, error) {
	holdings, err := r.factory.holdings.ListByAgent(ctx, r.agent.ID)
	if err != nil {
		return PortfolioSnapshot{CashBalance: r.agent.CurrentFunds.String()}, err
	}

	snapshot := PortfolioSnapshot{CashBalance: r.agent.CurrentFunds.String()}
	for _, h := range holdings {
		snapshot.Holdings = append(snapshot.Holdings, HoldingLine{
			Ticker:      h.Ticker,
			CompanyName: h.CompanyName,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost.String(),
		})
	}
	return snapshot, nil
}

// buildToolSpecs translates this execution's ToolRequirements into the LLM-facing
// ToolSpec list.
func (r *Runtime) buildToolSpecs() []ToolSpec {
	var specs []ToolSpec
	if r.reqs.BuySellTools {
		specs = append(specs, ToolSpec{
			Name:        "execute_trade",
			Description: "Execute a BUY or SELL order. Quantity must be a positive multiple of 1000 shares.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ticker":          map[string]any{"type": "string"},
					"company_name":    map[string]any{"type": "string"},
					"action":          map[string]any{"type": "string", "enum": []string{"BUY", "SELL"}},
					"quantity":        map[string]any{"type": "integer"},
					"price":           map[string]any{"type": "number"},
					"decision_reason": map[string]any{"type": "string"},
				},
				"required": []string{"ticker", "action", "quantity", "price"},
			},
		})
	}
	if r.reqs.CasualMarketMCP {
		specs = append(specs, ToolSpec{
			Name:        "get_quote",
			Description: "Fetch the current quote for a ticker.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"ticker": map[string]any{"type": "string"}},
				"required":   []string{"ticker"},
			},
		})
	}

	subAgentSpec := func(name, desc string) ToolSpec {
		return ToolSpec{
			Name:        name,
			Description: desc,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ticker":  map[string]any{"type": "string"},
					"context": map[string]any{"type": "string"},
				},
				"required": []string{"ticker"},
			},
		}
	}
	if r.reqs.FundamentalAgent {
		specs = append(specs, subAgentSpec("fundamental_analysis", "Delegate to the fundamental-analysis sub-agent."))
	}
	if r.reqs.TechnicalAgent {
		specs = append(specs, subAgentSpec("technical_analysis", "Delegate to the technical-analysis sub-agent."))
	}
	if r.reqs.RiskAgent {
		specs = append(specs, subAgentSpec("risk_assessment", "Delegate to the risk-assessment sub-agent."))
	}
	if r.reqs.SentimentAgent {
		specs = append(specs, subAgentSpec("sentiment_analysis", "Delegate to the sentiment-analysis sub-agent."))
	}
	return specs
}

// parseTradeNumbers extracts quantity/price from untyped tool-call arguments, which
// arrive as float64 (JSON numbers) regardless of the model's intent.
func parseTradeNumbers(args map[string]any) (int64, decimal.Decimal, error) {
	qf, ok := args["quantity"].(float64)
	if !ok {
		return 0, decimal.Decimal{}, fmt.Errorf("quantity must be a number")
	}
	pf, ok := args["price"].(float64)
	if !ok {
		return 0, decimal.Decimal{}, fmt.Errorf("price must be a number")
	}
	return int64(qf), decimal.NewFromFloat(pf), nil
}

// summarizeForMemory builds the digest persisted for the next session to read back.
func summarizeForMemory(finalContent string, toolsCalled []string) string {
	return fmt.Sprintf("Last session (%s): tools used: %v. Summary: %s", time.Now().UTC().Format(time.RFC3339), toolsCalled, finalContent)
}
