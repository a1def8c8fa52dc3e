package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/observability"
)

// Publisher receives the changes produced by the reaper.
type Publisher interface {
	Publish(ctx context.Context, ch grid.Change) error
}

// Reaper rolls back optimistic writes that no ledger event confirmed within TTL.
// Admissions whose transaction was never sent would otherwise stay on the
// board indefinitely.
type Reaper struct {
	Store     Store
	Publisher Publisher
	TTL       time.Duration
	Interval  time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Run sweeps every Interval until ctx is done. A zero TTL disables expiry.
func (r *Reaper) Run(ctx context.Context) {
	if r.TTL <= 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = r.TTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.Logger.Warn().Err(err).Msg("optimistic expiry sweep failed")
			}
		}
	}
}

// Sweep performs one expiry pass and publishes every rolled-back cell.
func (r *Reaper) Sweep(ctx context.Context) ([]grid.Change, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	changes, err := r.Store.ExpireOptimistic(ctx, now().Add(-r.TTL))
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	observability.RecordExpired(len(changes))
	r.Logger.Info().Int("cells", len(changes)).Msg("expired unconfirmed optimistic writes")
	if r.Publisher != nil {
		for _, ch := range changes {
			if err := r.Publisher.Publish(ctx, ch); err != nil {
				r.Logger.Warn().Err(err).Int("x", ch.X).Int("y", ch.Y).Msg("publish expired cell failed")
			}
		}
	}
	return changes, nil
}
