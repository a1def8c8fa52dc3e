// Package reconcile tracks a client's in-flight paint from submission to
// ledger confirmation and keeps the local display consistent with the outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
)

var (
	// ErrBusy is returned by Paint while another operation is in flight.
	ErrBusy                = errors.New("reconcile: a paint is already in flight")
	ErrInvalidPaint        = errors.New("reconcile: invalid paint")
	ErrConfirmationTimeout = errors.New("reconcile: confirmation timed out")
)

type State int

const (
	Submitted State = iota
	AwaitingConfirmation
	Confirmed
	Failed
)

var stateNames = map[State]string{
	Submitted:            "submitted",
	AwaitingConfirmation: "awaiting_confirmation",
	Confirmed:            "confirmed",
	Failed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("reconcile: unknown state %q", text)
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == Confirmed || s == Failed
}

// Display is the client's rendered board. A Change with Cleared set means the
// cell shows nothing.
type Display interface {
	Displayed(c grid.Coord) grid.Change
	Render(ch grid.Change)
}

// Replacer is implemented by displays that can swap the whole board at once.
// keep, when set, names a cell whose current value must survive the swap.
type Replacer interface {
	Replace(cells []grid.Change, keep *grid.Coord)
}

// Proposal is the paint the user asked for.
type Proposal struct {
	grid.Coord
	ColorIndex int
}

// Submitter carries a proposal to the ledger. Submit returns once a
// transaction hash exists; Await returns nil once its receipt reports success.
type Submitter interface {
	Submit(ctx context.Context, p Proposal) (txHash string, err error)
	Await(ctx context.Context, txHash string) error
}

// Op is a snapshot of one paint operation.
type Op struct {
	ID         string    `json:"id"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	ColorIndex int       `json:"colorIndex"`
	State      State     `json:"state"`
	TxHash     string    `json:"txHash,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`

	err      error
	original grid.Change
	// deferred is the latest optimistic value of another actor seen for the
	// cell while the proposal was shown.
	deferred *grid.Change
}

// Err is the failure cause of a Failed op.
func (o Op) Err() error { return o.err }

func (o Op) coord() grid.Coord { return grid.Coord{X: o.X, Y: o.Y} }

// Observer is told about every transition.
type Observer func(Op)

type Machine struct {
	display   Display
	submitter Submitter
	timeout   time.Duration
	actor     string
	now       func() time.Time
	logger    zerolog.Logger

	mu        sync.Mutex
	current   *Op
	observers []Observer
	wg        sync.WaitGroup
}

type Option func(*Machine)

// WithTimeout bounds the time from submission to confirmation. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) { m.timeout = d }
}

// WithActor sets the address shown as the author of proposed values.
func WithActor(actor string) Option {
	return func(m *Machine) { m.actor = actor }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

func NewMachine(display Display, submitter Submitter, opts ...Option) *Machine {
	m := &Machine{
		display:   display,
		submitter: submitter,
		timeout:   2 * time.Minute,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe registers fn for every later transition.
func (m *Machine) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Current returns the in-flight operation, if any.
func (m *Machine) Current() (Op, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Op{}, false
	}
	return *m.current, true
}

// Paint starts a new operation: the proposed value is rendered at once and
// confirmation continues in the background under ctx. Cancelling ctx
// abandons the operation without touching the display.
func (m *Machine) Paint(ctx context.Context, x, y, colorIndex int) (Op, error) {
	coord := grid.Coord{X: x, Y: y}
	if !coord.InBounds() || !grid.ValidColorIndex(colorIndex) {
		return Op{}, fmt.Errorf("%w: (%d,%d) color %d", ErrInvalidPaint, x, y, colorIndex)
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return Op{}, ErrBusy
	}
	op := &Op{
		ID:         uuid.NewString(),
		X:          x,
		Y:          y,
		ColorIndex: colorIndex,
		State:      Submitted,
		StartedAt:  m.now(),
		original:   m.display.Displayed(coord),
	}
	m.current = op
	m.display.Render(grid.Change{
		X:          x,
		Y:          y,
		ColorIndex: colorIndex,
		Color:      grid.Hex(colorIndex),
		UpdatedBy:  m.actor,
		Pending:    true,
	})
	snap, observers := *op, m.observersLocked()
	m.mu.Unlock()

	m.logger.Info().Str("op", op.ID).Int("x", x).Int("y", y).Int("color", colorIndex).Msg("paint submitted")
	notify(observers, snap)

	m.wg.Add(1)
	go m.run(ctx, op)
	return snap, nil
}

// ApplyRemote renders a change arriving from the server feed. Changes for
// the in-flight cell are held under the same lock as Paint: our own optimistic
// echo is ignored, another actor's optimistic value is shown once the
// operation ends, and a ledger value is rendered at once and becomes the
// rollback target.
func (m *Machine) ApplyRemote(ch grid.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.coord() != ch.Coord() {
		m.display.Render(ch)
		return
	}
	m.holdLocked(ch)
}

// ApplySnapshot replaces the displayed board with cells, treating the
// in-flight cell as ApplyRemote would.
func (m *Machine) ApplySnapshot(cells []grid.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keep *grid.Coord
	accepted := cells
	if m.current != nil {
		c := m.current.coord()
		keep = &c
		accepted = make([]grid.Change, 0, len(cells))
		for _, ch := range cells {
			if ch.Coord() == c {
				m.holdLocked(ch)
				continue
			}
			accepted = append(accepted, ch)
		}
	}
	if r, ok := m.display.(Replacer); ok {
		r.Replace(accepted, keep)
		return
	}
	for _, ch := range accepted {
		m.display.Render(ch)
	}
}

func (m *Machine) holdLocked(ch grid.Change) {
	op := m.current
	if ch.Pending {
		if !strings.EqualFold(ch.UpdatedBy, m.actor) {
			held := ch
			op.deferred = &held
		}
		return
	}
	op.original = ch
	op.deferred = nil
	m.display.Render(ch)
	m.logger.Debug().Str("op", op.ID).Uint64("seq", ch.Seq).Msg("ledger value observed for in-flight cell")
}

// Wait blocks until every background confirmation has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) run(parent context.Context, op *Op) {
	defer m.wg.Done()

	ctx := parent
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, m.timeout)
		defer cancel()
	}

	proposal := Proposal{Coord: op.coord(), ColorIndex: op.ColorIndex}
	hash, err := m.submitter.Submit(ctx, proposal)
	if err != nil {
		m.finish(parent, op, m.cause(ctx, parent, err))
		return
	}
	m.transition(op, func(o *Op) {
		o.State = AwaitingConfirmation
		o.TxHash = hash
	})
	m.logger.Info().Str("op", op.ID).Str("tx", hash).Msg("awaiting confirmation")

	if err := m.submitter.Await(ctx, hash); err != nil {
		m.finish(parent, op, m.cause(ctx, parent, err))
		return
	}
	m.finish(parent, op, nil)
}

// cause turns a deadline hit by our own timeout into ErrConfirmationTimeout.
func (m *Machine) cause(ctx, parent context.Context, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrConfirmationTimeout, m.timeout, err)
	}
	return err
}

func (m *Machine) finish(parent context.Context, op *Op, err error) {
	m.mu.Lock()
	if parent.Err() != nil {
		m.current = nil
		m.mu.Unlock()
		m.logger.Warn().Str("op", op.ID).Msg("paint abandoned on shutdown")
		return
	}
	if err == nil {
		op.State = Confirmed
	} else {
		op.State = Failed
		op.err = err
		op.Error = err.Error()
		m.display.Render(op.original)
	}
	if op.deferred != nil {
		m.display.Render(*op.deferred)
		op.deferred = nil
	}
	m.current = nil
	snap, observers := *op, m.observersLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("op", op.ID).Msg("paint failed, display reverted")
	} else {
		m.logger.Info().Str("op", op.ID).Str("tx", op.TxHash).Msg("paint confirmed")
	}
	notify(observers, snap)
}

func (m *Machine) transition(op *Op, mutate func(*Op)) {
	m.mu.Lock()
	mutate(op)
	snap, observers := *op, m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)
}

func (m *Machine) observersLocked() []Observer {
	return append([]Observer(nil), m.observers...)
}

func notify(observers []Observer, op Op) {
	for _, fn := range observers {
		fn(op)
	}
}
