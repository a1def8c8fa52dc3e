package broadcast

import "github.com/iceweasel13/monplace/internal/grid"

// Websocket message types.
const (
	TypeSnapshot = "snapshot"
	TypeChange   = "change"
)

// Message is the frame sent to websocket clients of the grid feed.
type Message struct {
	Type  string        `json:"type"`
	Cells []grid.Change `json:"cells,omitempty"`
	Cell  *grid.Change  `json:"cell,omitempty"`
}

func SnapshotMessage(cells []grid.Cell) Message {
	out := make([]grid.Change, 0, len(cells))
	for _, c := range cells {
		out = append(out, grid.ChangeOf(c))
	}
	return Message{Type: TypeSnapshot, Cells: out}
}

func ChangeMessage(ch grid.Change) Message {
	return Message{Type: TypeChange, Cell: &ch}
}
