package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	uiWriteWait  = 10 * time.Second
	uiPongWait   = 60 * time.Second
	uiPingPeriod = (uiPongWait * 9) / 10
)

// uiClient is one connected browser.
type uiClient struct {
	conn   *websocket.Conn
	direct chan []byte
	quit   chan struct{}
}

func (a *Agent) serveUI(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("ui websocket upgrade failed")
		return
	}
	broadcasts, leave, err := a.ui.Join(ctx)
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &uiClient{conn: conn, direct: make(chan []byte, 16), quit: make(chan struct{})}

	// The snapshot is written before the pump starts so queued broadcasts,
	// which are newer, always land after it.
	greeting := []uiMessage{{Type: uiSnapshot, Actor: a.actor, Cells: a.display.Snapshot()}}
	if op, ok := a.machine.Current(); ok {
		greeting = append(greeting, uiMessage{Type: uiOp, Op: &op})
	}
	for _, msg := range greeting {
		_ = conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			leave()
			_ = conn.Close()
			return
		}
	}
	a.logger.Debug().Str("remote", r.RemoteAddr).Msg("ui client connected")

	go a.writePump(c, broadcasts)
	a.readPump(ctx, c)
	leave()
}

func (a *Agent) readPump(ctx context.Context, c *uiClient) {
	defer func() {
		close(c.quit)
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(uiPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(uiPongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(uiPongWait))
		var cmd uiCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			a.logger.Debug().Err(err).Msg("error decoding ui command")
			a.reply(c, &uiMessage{Type: uiError, Error: "malformed command"})
			continue
		}
		switch cmd.Action {
		case actionPaint:
			a.reply(c, a.paint(ctx, cmd))
		default:
			a.reply(c, &uiMessage{Type: uiError, Error: "unknown action " + cmd.Action})
		}
	}
}

func (a *Agent) reply(c *uiClient, msg *uiMessage) {
	if msg == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.direct <- payload:
	default:
	}
}

func (a *Agent) writePump(c *uiClient, broadcasts <-chan []byte) {
	ticker := time.NewTicker(uiPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	write := func(payload []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
		return c.conn.WriteMessage(websocket.TextMessage, payload) == nil
	}
	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.direct:
			if !write(payload) {
				return
			}
		case payload, ok := <-broadcasts:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !write(payload) {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(uiWriteWait)); err != nil {
				return
			}
		}
	}
}
