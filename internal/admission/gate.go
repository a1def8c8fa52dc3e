// Package admission decides whether an actor may submit a paint and, when it
// may, records the admission and writes the proposed value to the mirror.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/mirror"
	"github.com/iceweasel13/monplace/internal/observability"
)

// DefaultCooldown is the minimum interval between two admitted paints of one actor.
const DefaultCooldown = 60 * time.Second

// Publisher is the part of the change feed the gate needs.
type Publisher interface {
	Publish(ctx context.Context, ch grid.Change) error
}

// Admission is the result of an admitted paint.
type Admission struct {
	Cell grid.Cell
	At   time.Time
}

type Gate struct {
	store    mirror.Store
	feed     Publisher
	cooldown time.Duration
	now      func() time.Time
	retry    func() backoff.BackOff
	logger   zerolog.Logger
}

type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithRetry replaces the backoff used for transient store failures.
func WithRetry(newBackOff func() backoff.BackOff) Option {
	return func(g *Gate) { g.retry = newBackOff }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate builds a gate over store. feed may be nil.
func NewGate(store mirror.Store, feed Publisher, cooldown time.Duration, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		feed:     feed,
		cooldown: cooldown,
		now:      time.Now,
		retry:    defaultRetry,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// TryAdmit validates the request and applies the cooldown rule atomically for
// actor. The returned error matches one of the package sentinels.
func (g *Gate) TryAdmit(ctx context.Context, actor string, x, y int, color string) (Admission, error) {
	adm, err := g.tryAdmit(ctx, actor, x, y, color)
	observability.RecordAdmission(resultLabel(err))
	return adm, err
}

func (g *Gate) tryAdmit(ctx context.Context, actor string, x, y int, color string) (Admission, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Admission{}, ErrUnauthenticated
	}
	coord := grid.Coord{X: x, Y: y}
	if !coord.InBounds() {
		return Admission{}, fmt.Errorf("%w: coordinate (%d,%d) outside the %dx%d board", ErrInvalidInput, x, y, grid.Size, grid.Size)
	}
	colorIndex, err := grid.ParseColor(color)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var adm Admission
	op := func() error {
		now := g.now()
		cell, err := g.store.Admit(ctx, mirror.Optimistic{
			Coord:      coord,
			ColorIndex: colorIndex,
			Actor:      actor,
			At:         now,
		}, g.check(now))
		switch {
		case err == nil:
			adm = Admission{Cell: cell, At: now}
			return nil
		case errors.Is(err, ErrCooldownActive), errors.Is(err, mirror.ErrOutOfBounds),
			errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			g.logger.Warn().Err(err).Str("actor", actor).Msg("admission store write failed")
			return err
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(g.retry(), ctx)); err != nil {
		switch {
		case errors.Is(err, ErrCooldownActive):
			return Admission{}, err
		case errors.Is(err, mirror.ErrOutOfBounds):
			return Admission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Admission{}, err
		}
		return Admission{}, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	g.logger.Info().
		Str("actor", actor).
		Int("x", x).
		Int("y", y).
		Int("color", colorIndex).
		Msg("paint admitted")
	if g.feed != nil {
		if err := g.feed.Publish(ctx, grid.ChangeOf(adm.Cell)); err != nil {
			g.logger.Warn().Err(err).Int("x", x).Int("y", y).Msg("publish admitted cell failed")
		}
	}
	return adm, nil
}

// check is evaluated by the store while it holds the actor's record.
func (g *Gate) check(now time.Time) mirror.CheckFunc {
	return func(last time.Time, seen bool) error {
		if !seen {
			return nil
		}
		if end := last.Add(g.cooldown); now.Before(end) {
			return &CooldownError{Remaining: end.Sub(now)}
		}
		return nil
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrCooldownActive):
		return "cooldown"
	default:
		return "error"
	}
}
