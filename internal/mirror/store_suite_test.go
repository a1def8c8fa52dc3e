package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceweasel13/monplace/internal/grid"
)

var (
	t0         = time.Unix(1700000000, 0).UTC()
	errTooSoon = errors.New("too soon")
)

func event(x, y, color int, seq uint64) grid.PaintEvent {
	return grid.PaintEvent{Coord: grid.Coord{X: x, Y: y}, ColorIndex: color, PaintedBy: "0xledger", SequenceID: seq}
}

func optimistic(x, y, color int, actor string, at time.Time) Optimistic {
	return Optimistic{Coord: grid.Coord{X: x, Y: y}, ColorIndex: color, Actor: actor, At: at}
}

func allow(time.Time, bool) error { return nil }

func cooldown(d time.Duration, now time.Time) CheckFunc {
	return func(last time.Time, seen bool) error {
		if seen && now.Before(last.Add(d)) {
			return errTooSoon
		}
		return nil
	}
}

func mustCell(t *testing.T, s Store, x, y int) grid.Cell {
	t.Helper()
	c, ok, err := s.Cell(context.Background(), grid.Coord{X: x, Y: y})
	require.NoError(t, err)
	require.True(t, ok, "cell (%d,%d) missing", x, y)
	return c
}

// runStoreSuite checks the convergence contract shared by every backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("ApplyEventIsIdempotent", func(t *testing.T) {
		s := open(t)
		_, changed, err := s.ApplyEvent(ctx, event(5, 5, 1, 10))
		require.NoError(t, err)
		assert.True(t, changed)
		once := mustCell(t, s, 5, 5)

		_, changed, err = s.ApplyEvent(ctx, event(5, 5, 1, 10))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, once, mustCell(t, s, 5, 5))
	})

	t.Run("HigherSequenceWinsInEitherOrder", func(t *testing.T) {
		s := open(t)
		_, _, err := s.ApplyEvent(ctx, event(5, 5, 1, 10))
		require.NoError(t, err)
		_, changed, err := s.ApplyEvent(ctx, event(5, 5, 2, 9))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, 1, mustCell(t, s, 5, 5).ColorIndex)

		_, _, err = s.ApplyEvent(ctx, event(6, 6, 2, 9))
		require.NoError(t, err)
		_, changed, err = s.ApplyEvent(ctx, event(6, 6, 1, 10))
		require.NoError(t, err)
		assert.True(t, changed)
		c := mustCell(t, s, 6, 6)
		assert.Equal(t, 1, c.ColorIndex)
		assert.Equal(t, uint64(10), c.Seq)
	})

	t.Run("OutOfBoundsNeverStored", func(t *testing.T) {
		s := open(t)
		_, _, err := s.ApplyEvent(ctx, event(grid.Size, 0, 1, 1))
		assert.ErrorIs(t, err, ErrOutOfBounds)
		_, _, err = s.ApplyEvent(ctx, event(0, 0, len(grid.Palette), 1))
		assert.ErrorIs(t, err, ErrOutOfBounds)
		_, err = s.Admit(ctx, optimistic(-1, 0, 1, "0xaa", t0), allow)
		assert.ErrorIs(t, err, ErrOutOfBounds)

		cells, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Empty(t, cells)
		_, seen, err := s.LastWrite(ctx, "0xaa")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("AdmitRecordsActorAndPendingCell", func(t *testing.T) {
		s := open(t)
		var sawFirst bool
		cell, err := s.Admit(ctx, optimistic(5, 5, 1, "0xaa", t0), func(_ time.Time, seen bool) error {
			sawFirst = !seen
			return nil
		})
		require.NoError(t, err)
		assert.True(t, sawFirst)
		assert.True(t, cell.Pending)
		assert.Equal(t, 1, cell.ColorIndex)
		assert.Equal(t, "0xaa", cell.UpdatedBy)

		last, seen, err := s.LastWrite(ctx, "0xaa")
		require.NoError(t, err)
		assert.True(t, seen)
		assert.True(t, last.Equal(t0))
	})

	t.Run("RejectedAdmitMutatesNothing", func(t *testing.T) {
		s := open(t)
		_, err := s.Admit(ctx, optimistic(5, 5, 1, "0xaa", t0), allow)
		require.NoError(t, err)

		_, err = s.Admit(ctx, optimistic(6, 6, 2, "0xaa", t0.Add(30*time.Second)), cooldown(time.Minute, t0.Add(30*time.Second)))
		assert.ErrorIs(t, err, errTooSoon)

		_, ok, err := s.Cell(ctx, grid.Coord{X: 6, Y: 6})
		require.NoError(t, err)
		assert.False(t, ok)
		last, _, err := s.LastWrite(ctx, "0xaa")
		require.NoError(t, err)
		assert.True(t, last.Equal(t0))
	})

	t.Run("LastWriteNeverMovesBack", func(t *testing.T) {
		s := open(t)
		_, err := s.Admit(ctx, optimistic(1, 1, 1, "0xaa", t0), allow)
		require.NoError(t, err)
		_, err = s.Admit(ctx, optimistic(2, 2, 1, "0xaa", t0.Add(-time.Hour)), allow)
		require.NoError(t, err)
		last, _, err := s.LastWrite(ctx, "0xaa")
		require.NoError(t, err)
		assert.True(t, last.Equal(t0))
	})

	t.Run("EventSupersedesOptimistic", func(t *testing.T) {
		s := open(t)
		_, err := s.Admit(ctx, optimistic(3, 3, 2, "0xaa", t0), allow)
		require.NoError(t, err)
		_, changed, err := s.ApplyEvent(ctx, event(3, 3, 4, 7))
		require.NoError(t, err)
		assert.True(t, changed)
		c := mustCell(t, s, 3, 3)
		assert.False(t, c.Pending)
		assert.Equal(t, 4, c.ColorIndex)
	})

	t.Run("OlderOptimisticKeepsNewerPending", func(t *testing.T) {
		s := open(t)
		_, err := s.Admit(ctx, optimistic(4, 4, 2, "0xbb", t0.Add(time.Second)), allow)
		require.NoError(t, err)
		cell, err := s.Admit(ctx, optimistic(4, 4, 3, "0xaa", t0), allow)
		require.NoError(t, err)
		assert.Equal(t, 2, cell.ColorIndex)
		assert.Equal(t, "0xbb", mustCell(t, s, 4, 4).UpdatedBy)
	})

	t.Run("ExpiryRevertsToConfirmedOrRemoves", func(t *testing.T) {
		s := open(t)
		_, _, err := s.ApplyEvent(ctx, event(1, 1, 5, 3))
		require.NoError(t, err)
		_, err = s.Admit(ctx, optimistic(1, 1, 2, "0xaa", t0), allow)
		require.NoError(t, err)
		_, err = s.Admit(ctx, optimistic(2, 2, 2, "0xbb", t0), allow)
		require.NoError(t, err)
		_, err = s.Admit(ctx, optimistic(3, 3, 2, "0xcc", t0.Add(10*time.Minute)), allow)
		require.NoError(t, err)

		changes, err := s.ExpireOptimistic(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, changes, 2)

		c := mustCell(t, s, 1, 1)
		assert.False(t, c.Pending)
		assert.Equal(t, 5, c.ColorIndex)
		assert.Equal(t, "0xledger", c.UpdatedBy)

		_, ok, err := s.Cell(ctx, grid.Coord{X: 2, Y: 2})
		require.NoError(t, err)
		assert.False(t, ok)

		assert.True(t, mustCell(t, s, 3, 3).Pending, "recent admission survives")

		var cleared int
		for _, ch := range changes {
			if ch.Cleared {
				cleared++
				assert.Equal(t, grid.Coord{X: 2, Y: 2}, ch.Coord())
			}
		}
		assert.Equal(t, 1, cleared)
	})

	t.Run("ConcurrentAdmitsOfOneActorSerialize", func(t *testing.T) {
		s := open(t)
		var (
			wg       sync.WaitGroup
			admitted atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Admit(ctx, optimistic(i, i, 1, "0xaa", t0), cooldown(time.Minute, t0))
				if err == nil {
					admitted.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), admitted.Load())
	})
}
