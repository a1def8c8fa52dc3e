// Package grid holds the shared data model of the paint board: coordinates,
// the palette, cells and the change messages pushed to clients.
package grid

import (
	"fmt"
	"time"
)

// Size is the width and height of the board.
const Size = 100

// Coord identifies a single cell. Valid coordinates satisfy 0 <= X,Y < Size.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// InBounds reports whether c lies on the board.
func (c Coord) InBounds() bool {
	return c.X >= 0 && c.X < Size && c.Y >= 0 && c.Y < Size
}

// Key is the document key used by the original mirror ("x-y").
func (c Coord) Key() string {
	return fmt.Sprintf("%d-%d", c.X, c.Y)
}

// Cell is the mirrored state of one coordinate.
//
// Seq is the sequence id of the last ledger event applied to the cell, zero when
// the cell has never been confirmed. Pending marks a value written optimistically
// by the admission gate that no ledger event has superseded yet.
type Cell struct {
	Coord
	ColorIndex int       `json:"colorIndex"`
	UpdatedBy  string    `json:"updatedBy"`
	Seq        uint64    `json:"seq"`
	Pending    bool      `json:"pending"`
	AdmittedAt time.Time `json:"admittedAt,omitempty"`

	// Last value confirmed by the ledger, restored when an optimistic write expires.
	ConfirmedColorIndex int    `json:"-"`
	ConfirmedBy         string `json:"-"`
}

// Confirmed reports whether the ledger has ever produced a value for the cell.
func (c Cell) Confirmed() bool {
	return c.Seq > 0
}

// Change is the feed message describing a new displayed value for a cell.
type Change struct {
	X          int    `json:"x"`
	Y          int    `json:"y"`
	ColorIndex int    `json:"colorIndex"`
	Color      string `json:"color"`
	UpdatedBy  string `json:"updatedBy"`
	Pending    bool   `json:"pending"`
	Seq        uint64 `json:"seq"`
	// Cleared is set when an optimistic value expired on a cell the ledger never painted.
	Cleared bool `json:"cleared,omitempty"`
}

// ChangeOf builds the feed message for the displayed value of c.
func ChangeOf(c Cell) Change {
	return Change{
		X:          c.X,
		Y:          c.Y,
		ColorIndex: c.ColorIndex,
		Color:      Hex(c.ColorIndex),
		UpdatedBy:  c.UpdatedBy,
		Pending:    c.Pending,
		Seq:        c.Seq,
	}
}

// Coord returns the coordinate the change applies to.
func (ch Change) Coord() Coord {
	return Coord{X: ch.X, Y: ch.Y}
}
