package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iceweasel13/monplace/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 512
)

// serveWS streams the grid to one client: a snapshot first, then every change.
// The feed subscription is opened before the snapshot is read so no change
// falls between the two.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, leave, err := s.feed.Subscribe(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("feed subscribe failed")
		closeWith(conn, websocket.CloseTryAgainLater, "feed unavailable")
		return
	}
	defer leave()

	cells, err := s.store.Snapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("grid snapshot failed")
		closeWith(conn, websocket.CloseInternalServerErr, "grid unavailable")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(broadcast.SnapshotMessage(cells)); err != nil {
		s.logger.Debug().Err(err).Msg("snapshot write failed")
		return
	}
	s.logger.Debug().Str("remote", r.RemoteAddr).Int("cells", len(cells)).Msg("websocket client joined")

	go s.readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeWith(conn, websocket.CloseNormalClosure, "")
			return
		case ch, ok := <-changes:
			if !ok {
				// Dropped for falling behind; the client reconnects for a fresh snapshot.
				closeWith(conn, websocket.CloseTryAgainLater, "feed ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(broadcast.ChangeMessage(ch)); err != nil {
				s.logger.Debug().Err(err).Msg("change write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and ends the session when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket client read error")
			}
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
