package grid

import (
	"errors"
	"fmt"
)

// seqIndexBits is the width of the log index inside a sequence id.
const seqIndexBits = 20

// ErrSequenceOverflow is returned for ledger positions a sequence id cannot hold.
var ErrSequenceOverflow = errors.New("grid: ledger position does not fit a sequence id")

// SeqOf packs a ledger position into a sequence id whose numeric order is
// ledger order. Positions that would collide with another are rejected.
func SeqOf(block uint64, logIndex uint) (uint64, error) {
	if uint64(logIndex) >= 1<<seqIndexBits {
		return 0, fmt.Errorf("%w: log index %d in block %d", ErrSequenceOverflow, logIndex, block)
	}
	if block >= 1<<(64-seqIndexBits) {
		return 0, fmt.Errorf("%w: block %d", ErrSequenceOverflow, block)
	}
	return block<<seqIndexBits | uint64(logIndex), nil
}

// PaintEvent is one finalized paint reported by the ledger.
type PaintEvent struct {
	Coord
	ColorIndex int    `json:"colorIndex"`
	PaintedBy  string `json:"paintedBy"`
	SequenceID uint64 `json:"sequenceId"`
	Block      uint64 `json:"block"`
	TxHash     string `json:"txHash"`
	Removed    bool   `json:"removed,omitempty"`
}

// Valid reports whether the event fields can be applied to the board.
func (e PaintEvent) Valid() bool {
	return e.InBounds() && ValidColorIndex(e.ColorIndex) && e.SequenceID > 0
}
