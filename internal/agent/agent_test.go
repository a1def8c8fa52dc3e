package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceweasel13/monplace/internal/broadcast"
	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/reconcile"
)

// fakeMonplace serves a one-cell feed and answers paints with paintStatus.
func fakeMonplace(t *testing.T, paintStatus int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(broadcast.Message{Type: broadcast.TypeSnapshot, Cells: []grid.Change{
			{X: 3, Y: 3, ColorIndex: 0, Color: grid.Hex(0), UpdatedBy: "0xbb", Seq: 5},
		}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	r.HandleFunc("/api/paint", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(paintStatus)
		if paintStatus == http.StatusOK {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"cooldown active","retryAfterSeconds":12}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type agentHarness struct {
	agent  *Agent
	ledger *fakeLedger
	ui     *websocket.Conn
}

func startAgent(t *testing.T, paintStatus int) *agentHarness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := newFakeLedger()
	a, err := New(Options{
		ServerURL:   fakeMonplace(t, paintStatus).URL,
		Key:         key,
		Ledger:      l,
		ConfirmWait: 5 * time.Second,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	uiSrv := httptest.NewServer(a.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		uiSrv.Close()
		<-done
	})

	require.Eventually(t, func() bool {
		return a.display.Displayed(grid.Coord{X: 3, Y: 3}).Seq == 5
	}, 2*time.Second, 5*time.Millisecond, "server snapshot never applied")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(uiSrv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello uiMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, uiSnapshot, hello.Type)
	assert.Equal(t, a.Actor(), hello.Actor)
	require.Len(t, hello.Cells, 1)

	return &agentHarness{agent: a, ledger: l, ui: conn}
}

// readUntil collects UI messages until an op reaches state.
func (h *agentHarness) readUntil(t *testing.T, state reconcile.State) []uiMessage {
	t.Helper()
	var out []uiMessage
	for {
		_, raw, err := h.ui.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			uiMessage
			Op *struct {
				State string `json:"state"`
			} `json:"op"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg.uiMessage)
		if msg.Type == uiError {
			t.Fatalf("unexpected ui error: %s", msg.Error)
		}
		if msg.Type == uiOp && msg.Op != nil && msg.Op.State == state.String() {
			return out
		}
	}
}

func TestAgentRevertsRejectedPaint(t *testing.T) {
	h := startAgent(t, http.StatusTooManyRequests)

	require.NoError(t, h.ui.WriteJSON(map[string]any{"action": "paint", "x": 3, "y": 3, "color": "#A3D8F4"}))
	msgs := h.readUntil(t, reconcile.Failed)

	var rendered []int
	for _, m := range msgs {
		if m.Type == uiChange && m.Cell != nil && m.Cell.Coord() == (grid.Coord{X: 3, Y: 3}) {
			rendered = append(rendered, m.Cell.ColorIndex)
		}
	}
	assert.Equal(t, []int{2, 0}, rendered, "proposal shown, then the original restored")
	assert.Equal(t, 0, h.agent.display.Displayed(grid.Coord{X: 3, Y: 3}).ColorIndex)
	_, inFlight := h.agent.machine.Current()
	assert.False(t, inFlight)
	assert.Zero(t, h.ledger.paintCount())
}

func TestAgentConfirmedPaintKeepsProposal(t *testing.T) {
	h := startAgent(t, http.StatusOK)

	require.NoError(t, h.ui.WriteJSON(map[string]any{"action": "paint", "x": 3, "y": 3, "color": 4}))
	h.readUntil(t, reconcile.AwaitingConfirmation)
	h.ledger.receipt <- nil
	h.readUntil(t, reconcile.Confirmed)

	shown := h.agent.display.Displayed(grid.Coord{X: 3, Y: 3})
	assert.Equal(t, 4, shown.ColorIndex)
	assert.Equal(t, 1, h.ledger.paintCount())
}

func TestAgentReportsBadCommands(t *testing.T) {
	h := startAgent(t, http.StatusOK)

	require.NoError(t, h.ui.WriteJSON(map[string]any{"action": "paint", "x": 3, "y": 3, "color": "#000000"}))
	assert.Contains(t, h.nextError(t), "invalid color")

	require.NoError(t, h.ui.WriteJSON(map[string]any{"action": "erase"}))
	assert.Contains(t, h.nextError(t), "unknown action")
	_, inFlight := h.agent.machine.Current()
	assert.False(t, inFlight)
}

func (h *agentHarness) nextError(t *testing.T) string {
	t.Helper()
	for {
		var msg uiMessage
		require.NoError(t, h.ui.ReadJSON(&msg))
		if msg.Type == uiError {
			return msg.Error
		}
	}
}
