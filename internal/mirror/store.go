// Package mirror is the read-optimized copy of the ledger's grid together with
// the per-actor admission records.
//
// Two writers touch a cell: the admission gate (optimistic, before the ledger
// has seen the paint) and the ingestion pipeline (authoritative, tagged with a
// ledger sequence id). Every backend applies both through the same convergence
// rule so neither writer can lose the other's newer state:
//
//   - a ledger event replaces the cell only when its sequence id is strictly
//     higher than the last applied one, and clears any optimistic value;
//   - an optimistic write replaces the displayed value unless a later
//     admission is already pending on the cell, and keeps the confirmed value
//     so it can be restored;
//   - optimistic values older than the TTL are rolled back to the confirmed
//     value, or removed when the ledger never painted the cell.
package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/iceweasel13/monplace/internal/grid"
)

// ErrOutOfBounds is returned for writes whose coordinate or color is off the board.
var ErrOutOfBounds = errors.New("mirror: cell out of bounds")

// Optimistic is a paint admitted by the gate but not yet confirmed by the ledger.
type Optimistic struct {
	grid.Coord
	ColorIndex int
	Actor      string
	At         time.Time
}

// CheckFunc decides, under the actor's lock, whether an admission may proceed.
// seen is false when the actor has never been admitted.
type CheckFunc func(lastWriteAt time.Time, seen bool) error

// Reader is the query side of the mirror.
type Reader interface {
	Cell(ctx context.Context, c grid.Coord) (grid.Cell, bool, error)
	Snapshot(ctx context.Context) ([]grid.Cell, error)
	LastWrite(ctx context.Context, actor string) (time.Time, bool, error)
}

// Store is implemented by every mirror backend.
type Store interface {
	Reader

	// Admit runs check against the actor's record and, if it passes, advances
	// lastWriteAt and applies the optimistic write in the same atomic unit.
	// Admissions of one actor are serialized; different actors do not block
	// each other. An error from check is returned unchanged.
	Admit(ctx context.Context, w Optimistic, check CheckFunc) (grid.Cell, error)

	// ApplyEvent applies a ledger event. changed is false when the event was a
	// duplicate or older than the state already held.
	ApplyEvent(ctx context.Context, ev grid.PaintEvent) (cell grid.Cell, changed bool, err error)

	// ExpireOptimistic rolls back optimistic writes admitted before cutoff.
	ExpireOptimistic(ctx context.Context, cutoff time.Time) ([]grid.Change, error)

	Close() error
}

func validWrite(c grid.Coord, colorIndex int) error {
	if !c.InBounds() || !grid.ValidColorIndex(colorIndex) {
		return ErrOutOfBounds
	}
	return nil
}
