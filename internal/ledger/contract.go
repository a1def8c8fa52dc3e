// Package ledger talks to the paint contract on an EVM chain: it decodes
// PixelPainted logs into paint events, watches for new ones and submits paint
// transactions.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/grid"
)

const (
	EventPixelPainted = "PixelPainted"
	MethodPaint       = "paint"
)

// ContractABI is the subset of the paint contract this module uses.
const ContractABI = `[
	{
		"type": "event",
		"name": "PixelPainted",
		"anonymous": false,
		"inputs": [
			{"name": "paintedBy", "type": "address", "indexed": true},
			{"name": "x", "type": "uint256", "indexed": false},
			{"name": "y", "type": "uint256", "indexed": false},
			{"name": "colorIndex", "type": "uint8", "indexed": false}
		]
	},
	{
		"type": "function",
		"name": "paint",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "x", "type": "uint256"},
			{"name": "y", "type": "uint256"},
			{"name": "colorIndex", "type": "uint8"}
		],
		"outputs": []
	}
]`

var ErrNotPaintLog = errors.New("ledger: log is not a PixelPainted event")

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse contract abi: %v", err))
	}
	return parsed
}

// PaintTopic is topic[0] of every PixelPainted log.
func PaintTopic() common.Hash {
	return parsedABI.Events[EventPixelPainted].ID
}

// DecodePaintLog converts a contract log into a paint event. Coordinates that
// do not fit an int are mapped to -1 so the caller treats them as out of range.
func DecodePaintLog(lg types.Log) (grid.PaintEvent, error) {
	if len(lg.Topics) < 2 || lg.Topics[0] != PaintTopic() {
		return grid.PaintEvent{}, ErrNotPaintLog
	}
	values, err := parsedABI.Unpack(EventPixelPainted, lg.Data)
	if err != nil {
		return grid.PaintEvent{}, fmt.Errorf("unpack %s: %w", EventPixelPainted, err)
	}
	if len(values) != 3 {
		return grid.PaintEvent{}, fmt.Errorf("unpack %s: got %d values", EventPixelPainted, len(values))
	}
	x, okX := values[0].(*big.Int)
	y, okY := values[1].(*big.Int)
	color, okC := values[2].(uint8)
	if !okX || !okY || !okC {
		return grid.PaintEvent{}, fmt.Errorf("unpack %s: unexpected field types", EventPixelPainted)
	}
	seq, err := grid.SeqOf(lg.BlockNumber, lg.Index)
	if err != nil {
		return grid.PaintEvent{}, fmt.Errorf("decode %s: %w", EventPixelPainted, err)
	}
	return grid.PaintEvent{
		Coord:      grid.Coord{X: clampInt(x), Y: clampInt(y)},
		ColorIndex: int(color),
		PaintedBy:  auth.ActorID(common.BytesToAddress(lg.Topics[1].Bytes())),
		SequenceID: seq,
		Block:      lg.BlockNumber,
		TxHash:     lg.TxHash.Hex(),
		Removed:    lg.Removed,
	}, nil
}

// EncodePaintLog builds the log the contract would emit; tests use it to
// stand in for a node.
func EncodePaintLog(painter common.Address, x, y int64, colorIndex uint8, block uint64, index uint) (types.Log, error) {
	data, err := parsedABI.Events[EventPixelPainted].Inputs.NonIndexed().Pack(big.NewInt(x), big.NewInt(y), colorIndex)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", EventPixelPainted, err)
	}
	return types.Log{
		Topics:      []common.Hash{PaintTopic(), common.BytesToHash(painter.Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}, nil
}

func clampInt(v *big.Int) int {
	if !v.IsInt64() || v.Int64() > math.MaxInt32 || v.Int64() < 0 {
		return -1
	}
	return int(v.Int64())
}
