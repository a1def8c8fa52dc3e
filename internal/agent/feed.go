package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/broadcast"
	"github.com/iceweasel13/monplace/internal/grid"
)

const feedReadWait = 90 * time.Second

// FeedURL turns a server base URL into its websocket feed URL.
func FeedURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// FeedClient keeps a websocket open to the server feed, reconnecting with
// backoff. Every reconnect starts with a fresh snapshot.
type FeedClient struct {
	url        string
	dialer     *websocket.Dialer
	onSnapshot func([]grid.Change)
	onChange   func(grid.Change)
	reconnect  func() backoff.BackOff
	logger     zerolog.Logger
}

func NewFeedClient(feedURL string, onSnapshot func([]grid.Change), onChange func(grid.Change), logger zerolog.Logger) *FeedClient {
	return &FeedClient{
		url:        feedURL,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onSnapshot: onSnapshot,
		onChange:   onChange,
		reconnect: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logger,
	}
}

// Run blocks until ctx is done.
func (f *FeedClient) Run(ctx context.Context) {
	b := f.reconnect()
	for {
		err := f.session(ctx, b)
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = 15 * time.Second
		}
		f.logger.Warn().Err(err).Dur("delay", delay).Msg("server feed lost, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (f *FeedClient) session(ctx context.Context, b backoff.BackOff) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(feedReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(feedReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		var msg broadcast.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedReadWait))
		switch msg.Type {
		case broadcast.TypeSnapshot:
			f.onSnapshot(msg.Cells)
			b.Reset()
			f.logger.Info().Int("cells", len(msg.Cells)).Msg("server snapshot received")
		case broadcast.TypeChange:
			if msg.Cell != nil {
				f.onChange(*msg.Cell)
			}
		default:
			f.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown feed message")
		}
	}
}
