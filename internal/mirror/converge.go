package mirror

import (
	"time"

	"github.com/iceweasel13/monplace/internal/grid"
)

func mergeEvent(cur grid.Cell, exists bool, ev grid.PaintEvent) (grid.Cell, bool) {
	if exists && ev.SequenceID <= cur.Seq {
		return cur, false
	}
	return grid.Cell{
		Coord:               ev.Coord,
		ColorIndex:          ev.ColorIndex,
		UpdatedBy:           ev.PaintedBy,
		Seq:                 ev.SequenceID,
		ConfirmedColorIndex: ev.ColorIndex,
		ConfirmedBy:         ev.PaintedBy,
	}, true
}

func mergeOptimistic(cur grid.Cell, exists bool, w Optimistic) (grid.Cell, bool) {
	if exists && cur.Pending && cur.AdmittedAt.After(w.At) {
		return cur, false
	}
	next := cur
	if !exists {
		next = grid.Cell{Coord: w.Coord}
	}
	next.ColorIndex = w.ColorIndex
	next.UpdatedBy = w.Actor
	next.Pending = true
	next.AdmittedAt = w.At
	return next, true
}

// expireCell reports the rollback of cur when its optimistic value predates
// cutoff. keep is false when the cell should be removed.
func expireCell(cur grid.Cell, cutoff time.Time) (next grid.Cell, keep, expired bool) {
	if !cur.Pending || !cur.AdmittedAt.Before(cutoff) {
		return cur, true, false
	}
	if !cur.Confirmed() {
		return grid.Cell{}, false, true
	}
	next = cur
	next.ColorIndex = cur.ConfirmedColorIndex
	next.UpdatedBy = cur.ConfirmedBy
	next.Pending = false
	next.AdmittedAt = time.Time{}
	return next, true, true
}

func clearedChange(c grid.Coord) grid.Change {
	return grid.Change{X: c.X, Y: c.Y, Cleared: true}
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
