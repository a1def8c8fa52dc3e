package grid

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordInBounds(t *testing.T) {
	cases := []struct {
		c    Coord
		want bool
	}{
		{Coord{0, 0}, true},
		{Coord{99, 99}, true},
		{Coord{100, 0}, false},
		{Coord{0, 100}, false},
		{Coord{-1, 5}, false},
		{Coord{5, -1}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.c.InBounds(), "coord %+v", tc.c)
	}
}

func TestParseColor(t *testing.T) {
	idx, err := ParseColor("#6950f0")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	idx, err = ParseColor("7")
	require.NoError(t, err)
	assert.Equal(t, 7, idx)

	for _, raw := range []string{"", "#FFFFFF", "#12345", "#GGGGGG", "8", "-1", "red"} {
		_, err := ParseColor(raw)
		assert.True(t, errors.Is(err, ErrInvalidColor), "raw=%q err=%v", raw, err)
	}
}

func TestChangeOfCarriesHex(t *testing.T) {
	ch := ChangeOf(Cell{Coord: Coord{X: 5, Y: 5}, ColorIndex: 1, UpdatedBy: "0xaa", Seq: 10})
	assert.Equal(t, "#6950F0", ch.Color)
	assert.Equal(t, Coord{X: 5, Y: 5}, ch.Coord())
	assert.False(t, ch.Pending)
}

func mustSeq(t *testing.T, block uint64, index uint) uint64 {
	t.Helper()
	seq, err := SeqOf(block, index)
	require.NoError(t, err)
	return seq
}

func TestSeqOfOrdersByBlockThenIndex(t *testing.T) {
	assert.Less(t, mustSeq(t, 10, 5), mustSeq(t, 10, 6))
	assert.Less(t, mustSeq(t, 10, 1<<20-1), mustSeq(t, 11, 0))
	assert.Equal(t, uint64(10)<<20|3, mustSeq(t, 10, 3))
}

func TestSeqOfRejectsPositionsThatWouldCollide(t *testing.T) {
	_, err := SeqOf(10, 1<<20)
	assert.ErrorIs(t, err, ErrSequenceOverflow)

	_, err = SeqOf(1<<44, 0)
	assert.ErrorIs(t, err, ErrSequenceOverflow)
}

func TestPaintEventValid(t *testing.T) {
	ok := PaintEvent{Coord: Coord{X: 1, Y: 2}, ColorIndex: 3, SequenceID: 1}
	assert.True(t, ok.Valid())

	bad := ok
	bad.X = Size
	assert.False(t, bad.Valid())

	bad = ok
	bad.ColorIndex = len(Palette)
	assert.False(t, bad.Valid())
}

func TestColorInputAcceptsStringsAndIndexes(t *testing.T) {
	var body struct {
		Color ColorInput `json:"color"`
	}
	for raw, want := range map[string]ColorInput{
		`{"color":"#6950F0"}`: "#6950F0",
		`{"color":"3"}`:       "3",
		`{"color":3}`:         "3",
	} {
		require.NoError(t, json.Unmarshal([]byte(raw), &body), raw)
		assert.Equal(t, want, body.Color, raw)
	}
	for _, raw := range []string{`{"color":1.5}`, `{"color":true}`, `{"color":null}`} {
		body.Color = ""
		err := json.Unmarshal([]byte(raw), &body)
		if raw == `{"color":null}` {
			// null leaves the field empty, which ParseColor rejects.
			require.NoError(t, err)
			assert.Empty(t, body.Color)
			continue
		}
		assert.Error(t, err, raw)
	}
}
