// Package ingest follows the paint contract and applies every event to the
// mirror. Push and poll transports share one apply path; redelivery is
// harmless because ApplyEvent is idempotent by sequence id.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/mirror"
	"github.com/iceweasel13/monplace/internal/observability"
)

// Publisher receives the changes that actually altered the mirror.
type Publisher interface {
	Publish(ctx context.Context, ch grid.Change) error
}

const defaultRetryWorkers = 16

// Applier writes events to the store. An event whose write fails is retried on
// its own goroutine so it never holds up the events behind it.
type Applier struct {
	store  mirror.Store
	feed   Publisher
	logger zerolog.Logger
	retry  func() backoff.BackOff

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	lifetime context.Context
	pending  map[uint64]int // block -> events still being retried
}

type ApplierOption func(*Applier)

// WithApplyRetry replaces the per-event retry policy.
func WithApplyRetry(newBackOff func() backoff.BackOff) ApplierOption {
	return func(a *Applier) { a.retry = newBackOff }
}

// WithRetryWorkers bounds how many failed events are retried concurrently.
func WithRetryWorkers(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.sem = make(chan struct{}, n)
		}
	}
}

// NewApplier builds an applier. maxWait bounds the total retry time of one
// event; feed may be nil.
func NewApplier(store mirror.Store, feed Publisher, maxWait time.Duration, logger zerolog.Logger, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:  store,
		feed:   feed,
		logger: logger,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = maxWait
			return b
		},
		sem:      make(chan struct{}, defaultRetryWorkers),
		lifetime: context.Background(),
		pending:  make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind sets the context background retries run under. Retries outlive the
// ctx passed to Apply, so a resubscribe does not cancel them.
func (a *Applier) Bind(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lifetime = ctx
}

// LowestPending returns the lowest block that still has an event being
// retried.
func (a *Applier) LowestPending() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		low   uint64
		found bool
	)
	for block := range a.pending {
		if !found || block < low {
			low, found = block, true
		}
	}
	return low, found
}

func (a *Applier) retryContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifetime
}

func (a *Applier) track(block uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[block]++
}

func (a *Applier) untrack(block uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[block]--
	if a.pending[block] <= 0 {
		delete(a.pending, block)
	}
}

// Apply hands ev to the store. ctx bounds only the first attempt, which Apply
// waits for; a failed attempt continues in the background until it succeeds,
// the retry budget runs out or the bound lifetime ends.
func (a *Applier) Apply(ctx context.Context, ev grid.PaintEvent) {
	log := a.logger.With().
		Uint64("seq", ev.SequenceID).
		Int("x", ev.X).
		Int("y", ev.Y).
		Str("tx", ev.TxHash).
		Logger()

	if ev.Removed {
		observability.RecordIngest("removed")
		log.Warn().Msg("skipping removed paint log")
		return
	}
	if !ev.Valid() {
		observability.RecordIngest("dropped")
		log.Error().Int("color", ev.ColorIndex).Msg("data integrity anomaly: paint event off the board")
		return
	}

	err := a.applyOnce(ctx, ev)
	if err == nil {
		return
	}
	if errors.Is(err, mirror.ErrOutOfBounds) {
		observability.RecordIngest("dropped")
		log.Error().Err(err).Msg("data integrity anomaly: store rejected paint event")
		return
	}
	life := a.retryContext()
	if life.Err() != nil {
		observability.RecordIngest("lost")
		log.Warn().Err(err).Msg("paint event not applied before shutdown")
		return
	}

	observability.RecordIngest("retried")
	log.Warn().Err(err).Msg("paint event apply failed, retrying")
	a.track(ev.Block)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.untrack(ev.Block)
		select {
		case a.sem <- struct{}{}:
		case <-life.Done():
			observability.RecordIngest("lost")
			log.Warn().Msg("paint event not applied before shutdown")
			return
		}
		defer func() { <-a.sem }()

		op := func() error {
			err := a.applyOnce(life, ev)
			if errors.Is(err, mirror.ErrOutOfBounds) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			log.Debug().Err(err).Dur("next", next).Msg("paint event retry scheduled")
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(a.retry(), life), notify); err != nil {
			observability.RecordIngest("lost")
			log.Error().Err(err).Msg("paint event lost after retries")
		}
	}()
}

// Wait blocks until every background retry has finished.
func (a *Applier) Wait() {
	a.wg.Wait()
}

func (a *Applier) applyOnce(ctx context.Context, ev grid.PaintEvent) error {
	cell, changed, err := a.store.ApplyEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !changed {
		observability.RecordIngest("stale")
		return nil
	}
	observability.RecordIngest("applied")
	if a.feed != nil {
		if err := a.feed.Publish(ctx, grid.ChangeOf(cell)); err != nil {
			a.logger.Warn().Err(err).Int("x", cell.X).Int("y", cell.Y).Msg("publish confirmed cell failed")
		}
	}
	return nil
}
