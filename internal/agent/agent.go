package agent

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/broadcast"
	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/observability"
	"github.com/iceweasel13/monplace/internal/reconcile"
)

// Messages exchanged with the browser UI.
const (
	uiSnapshot = "snapshot"
	uiChange   = "change"
	uiOp       = "op"
	uiError    = "error"

	actionPaint = "paint"
)

type uiMessage struct {
	Type  string        `json:"type"`
	Actor string        `json:"actor,omitempty"`
	Cells []grid.Change `json:"cells,omitempty"`
	Cell  *grid.Change  `json:"cell,omitempty"`
	Op    *reconcile.Op `json:"op,omitempty"`
	Error string        `json:"error,omitempty"`
}

type uiCommand struct {
	Action string          `json:"action"`
	X      int             `json:"x"`
	Y      int             `json:"y"`
	Color  grid.ColorInput `json:"color"`
}

type Options struct {
	ServerURL   string
	Key         *ecdsa.PrivateKey
	Ledger      LedgerWriter
	ConfirmWait time.Duration
	SessionTTL  time.Duration
	// UIDir is served at / when set.
	UIDir  string
	Logger zerolog.Logger
}

type Agent struct {
	actor   string
	display *Display
	machine *reconcile.Machine
	ui      *broadcast.Hub[[]byte]
	feed    *FeedClient
	uiDir   string
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

func New(opts Options) (*Agent, error) {
	if opts.Key == nil {
		return nil, errors.New("agent: signing key required")
	}
	feedURL, err := FeedURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		actor:  auth.ActorID(crypto.PubkeyToAddress(opts.Key.PublicKey)),
		ui:     broadcast.NewHub[[]byte](),
		uiDir:  opts.UIDir,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	a.display = NewDisplay(func(ch grid.Change) {
		a.push(uiMessage{Type: uiChange, Cell: &ch})
	})
	submitter := NewPaintClient(opts.ServerURL, opts.Key, opts.SessionTTL, opts.Ledger)
	a.machine = reconcile.NewMachine(a.display, submitter,
		reconcile.WithActor(a.actor),
		reconcile.WithTimeout(opts.ConfirmWait),
		reconcile.WithLogger(opts.Logger),
	)
	a.machine.Observe(func(op reconcile.Op) {
		a.push(uiMessage{Type: uiOp, Op: &op})
	})
	a.feed = NewFeedClient(feedURL, a.applySnapshot, a.applyChange, opts.Logger)
	return a, nil
}

// Actor is the address the agent paints as.
func (a *Agent) Actor() string { return a.actor }

// Run serves the UI hub and follows the server feed until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.ui.Run(ctx)
	}()
	a.feed.Run(ctx)
	<-hubDone
	a.machine.Wait()
}

// Handler serves the UI. Paints started through it live as long as ctx.
func (a *Agent) Handler(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.Use(observability.RequestLogger(a.logger))
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		a.serveUI(ctx, w, req)
	}).Methods(http.MethodGet)
	if a.uiDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(a.uiDir)))
	}
	return r
}

func (a *Agent) applySnapshot(cells []grid.Change) {
	a.machine.ApplySnapshot(cells)
	a.push(uiMessage{Type: uiSnapshot, Actor: a.actor, Cells: a.display.Snapshot()})
}

func (a *Agent) applyChange(ch grid.Change) {
	a.machine.ApplyRemote(ch)
}

func (a *Agent) push(msg uiMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error().Err(err).Str("type", msg.Type).Msg("encode ui message failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.ui.Broadcast(ctx, payload); err != nil {
		a.logger.Debug().Err(err).Str("type", msg.Type).Msg("ui broadcast skipped")
	}
}

// paint handles one UI command and returns the message owed to its sender.
func (a *Agent) paint(ctx context.Context, cmd uiCommand) *uiMessage {
	colorIndex, err := grid.ParseColor(string(cmd.Color))
	if err != nil {
		return &uiMessage{Type: uiError, Error: err.Error()}
	}
	if _, err := a.machine.Paint(ctx, cmd.X, cmd.Y, colorIndex); err != nil {
		return &uiMessage{Type: uiError, Error: err.Error()}
	}
	return nil
}
