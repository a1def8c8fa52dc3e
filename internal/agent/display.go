// Package agent is the user-side process: it mirrors the server's grid for a
// local browser UI and carries the user's paints to the server and the ledger.
package agent

import (
	"sort"
	"sync"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/reconcile"
)

// Display is the board as the local user sees it.
type Display struct {
	mu       sync.RWMutex
	cells    map[grid.Coord]grid.Change
	onRender func(grid.Change)
}

var (
	_ reconcile.Display  = (*Display)(nil)
	_ reconcile.Replacer = (*Display)(nil)
)

// NewDisplay returns an empty board. onRender, when set, is called after each
// single-cell render.
func NewDisplay(onRender func(grid.Change)) *Display {
	return &Display{cells: make(map[grid.Coord]grid.Change), onRender: onRender}
}

func (d *Display) Displayed(c grid.Coord) grid.Change {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ch, ok := d.cells[c]; ok {
		return ch
	}
	return grid.Change{X: c.X, Y: c.Y, Cleared: true}
}

func (d *Display) Render(ch grid.Change) {
	if !ch.Coord().InBounds() {
		return
	}
	d.mu.Lock()
	if ch.Cleared {
		delete(d.cells, ch.Coord())
	} else {
		d.cells[ch.Coord()] = ch
	}
	d.mu.Unlock()
	if d.onRender != nil {
		d.onRender(ch)
	}
}

// Replace swaps the whole board for cells. The cell at keep, when given,
// retains its current value.
func (d *Display) Replace(cells []grid.Change, keep *grid.Coord) {
	next := make(map[grid.Coord]grid.Change, len(cells))
	for _, ch := range cells {
		if ch.Coord().InBounds() && !ch.Cleared {
			next[ch.Coord()] = ch
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if keep != nil {
		if cur, ok := d.cells[*keep]; ok {
			next[*keep] = cur
		} else {
			delete(next, *keep)
		}
	}
	d.cells = next
}

// Snapshot lists the painted cells in row-major order.
func (d *Display) Snapshot() []grid.Change {
	d.mu.RLock()
	out := make([]grid.Change, 0, len(d.cells))
	for _, ch := range d.cells {
		out = append(out, ch)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}
