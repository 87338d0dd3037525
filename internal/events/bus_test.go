package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newTestServer(t *testing.T, bus *Bus) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = bus.Accept(w, r)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func dialClient(t *testing.T, ctx context.Context, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestEmitBroadcastsToConnectedClient(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_, wsURL := newTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, wsURL)

	// give Accept's registration a moment to land before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		n := len(bus.conns)
		bus.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.EmitAgentStatus("agent-1", "ACTIVE")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"agent_status"`)
	assert.Contains(t, string(data), `"agent-1"`)
	assert.Contains(t, string(data), `"ACTIVE"`)
}

func TestEmitWithNoConnectionsDoesNotPanic(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	assert.NotPanics(t, func() {
		bus.EmitTradeExecution("agent-1", map[string]any{"ticker": "2330"})
	})
}

func TestEmitExecutionLifecycleCarriesSessionID(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_, wsURL := newTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, wsURL)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		n := len(bus.conns)
		bus.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.EmitExecutionLifecycle(ExecutionStarted, "agent-1", "session-1")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"execution_started"`)
	assert.Contains(t, string(data), `"session_id":"session-1"`)
}

func TestEmitErrorIncludesMessage(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_, wsURL := newTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, wsURL)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		n := len(bus.conns)
		bus.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.EmitError("agent-1", assert.AnError)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error"`)
	assert.Contains(t, string(data), assert.AnError.Error())
}
