// Package events implements the Event Bus (SPEC_FULL.md §4.7): a WebSocket broadcast
// registry plus the typed emit helpers the REST handlers use to notify connected
// dashboards. The typed-event shape (Event, EventType,
// Emit) is kept from the teacher's internal/events/manager.go; the connection registry
// and the nhooyr.io/websocket accept/broadcast loop are new, since the teacher only ever
// logged events rather than fanning them out over a live connection.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/casualtrader/agent-orchestrator/internal/jsonutil"
)

// EventType names a category of event a connected client can receive.
type EventType string

const (
	AgentStatusChanged EventType = "agent_status"
	TradeExecuted      EventType = "trade_execution"
	PortfolioUpdated   EventType = "portfolio_update"
	StrategyChanged    EventType = "strategy_change"
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
	ExecutionFailed    EventType = "execution_failed"
	ExecutionStopped   EventType = "execution_stopped"
	ErrorOccurred      EventType = "error"
	Pong               EventType = "pong"
)

// Event is the envelope broadcast to every connected client.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus tracks connected WebSocket clients and fans out events to all of them. A failed
// write evicts that client; it never blocks or fails the emitting caller.
type Bus struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewBus builds an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:   log.With().Str("component", "event_bus").Logger(),
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Accept upgrades r to a WebSocket connection and registers it for broadcast until the
// connection closes or the request context is cancelled. Blocks the handler goroutine.
func (b *Bus) Accept(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	b.register(conn)
	defer b.unregister(conn)

	ctx := r.Context()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
	}
}

func (b *Bus) register(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = struct{}{}
}

func (b *Bus) unregister(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

// snapshot returns the currently registered connections without holding the lock during
// broadcast I/O.
func (b *Bus) snapshot() []*websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// Emit broadcasts evt to every connected client, evicting any connection whose write fails.
// A zero Timestamp is filled in with the current UTC time.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	payload, err := jsonutil.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	for _, conn := range b.snapshot() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Msg("dropping unresponsive websocket client")
			_ = conn.Close(websocket.StatusInternalError, "write failed")
			b.unregister(conn)
		}
	}
}

// EmitAgentStatus notifies clients of an agent lifecycle transition.
func (b *Bus) EmitAgentStatus(agentID, status string) {
	b.Emit(Event{Type: AgentStatusChanged, AgentID: agentID, Data: map[string]any{"status": status}})
}

// EmitTradeExecution notifies clients of a completed trade.
func (b *Bus) EmitTradeExecution(agentID string, data map[string]any) {
	b.Emit(Event{Type: TradeExecuted, AgentID: agentID, Data: data})
}

// EmitPortfolioUpdate notifies clients of a portfolio/performance recompute.
func (b *Bus) EmitPortfolioUpdate(agentID string, data map[string]any) {
	b.Emit(Event{Type: PortfolioUpdated, AgentID: agentID, Data: data})
}

// EmitStrategyChange notifies clients of a detected strategy/preference change.
func (b *Bus) EmitStrategyChange(agentID string, data map[string]any) {
	b.Emit(Event{Type: StrategyChanged, AgentID: agentID, Data: data})
}

// EmitExecutionLifecycle notifies clients of a start/completion/failure/stop transition.
func (b *Bus) EmitExecutionLifecycle(eventType EventType, agentID, sessionID string) {
	b.Emit(Event{Type: eventType, AgentID: agentID, Data: map[string]any{"session_id": sessionID}})
}

// EmitError notifies clients of an operational error, mirroring the teacher's EmitError.
func (b *Bus) EmitError(agentID string, err error) {
	b.Emit(Event{Type: ErrorOccurred, AgentID: agentID, Data: map[string]any{"error": err.Error()}})
}
