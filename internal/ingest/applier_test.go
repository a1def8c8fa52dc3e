package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/mirror"
)

// flakyStore fails ApplyEvent for one coordinate a fixed number of times.
type flakyStore struct {
	mirror.Store

	mu       sync.Mutex
	target   grid.Coord
	failures int
	calls    int
}

func (s *flakyStore) ApplyEvent(ctx context.Context, ev grid.PaintEvent) (grid.Cell, bool, error) {
	s.mu.Lock()
	if ev.Coord == s.target {
		s.calls++
		if s.failures > 0 {
			s.failures--
			s.mu.Unlock()
			return grid.Cell{}, false, errors.New("connection refused")
		}
	}
	s.mu.Unlock()
	return s.Store.ApplyEvent(ctx, ev)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quickRetry(n uint64) ApplierOption {
	return WithApplyRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ConstantBackOff{Interval: time.Millisecond}, n)
	})
}

func TestApplierIsIdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryStore()
	pub := &recordingPublisher{}
	a := NewApplier(store, pub, time.Second, zerolog.Nop())

	newer := paint(5, 5, 2, 11, 0)
	older := paint(5, 5, 1, 10, 3)
	a.Apply(ctx, newer)
	a.Apply(ctx, newer)
	a.Apply(ctx, older)
	a.Wait()

	cell, ok, err := store.Cell(ctx, grid.Coord{X: 5, Y: 5})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, cell.ColorIndex)
	assert.Equal(t, newer.SequenceID, cell.Seq)
	assert.Equal(t, 1, pub.count(), "only the first delivery changes the mirror")
}

func TestApplierDropsAnomalies(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryStore()
	pub := &recordingPublisher{}
	a := NewApplier(store, pub, time.Second, zerolog.Nop())

	a.Apply(ctx, paint(grid.Size, 0, 1, 5, 0))
	a.Apply(ctx, paint(0, 0, len(grid.Palette), 5, 1))
	removed := paint(1, 1, 1, 5, 2)
	removed.Removed = true
	a.Apply(ctx, removed)
	a.Wait()

	cells, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, cells)
	assert.Zero(t, pub.count())
}

func TestApplierRetriesWithoutBlockingOthers(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: mirror.NewMemoryStore(), target: grid.Coord{X: 1, Y: 1}, failures: 2}
	a := NewApplier(store, nil, time.Second, zerolog.Nop(), quickRetry(5))

	a.Apply(ctx, paint(1, 1, 3, 7, 0))
	a.Apply(ctx, paint(2, 2, 4, 7, 1))

	// The second event is applied synchronously even though the first is still retrying.
	cell, ok, err := store.Cell(ctx, grid.Coord{X: 2, Y: 2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, cell.ColorIndex)

	a.Wait()
	cell, ok, err = store.Cell(ctx, grid.Coord{X: 1, Y: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cell.ColorIndex)
	assert.Equal(t, 3, store.calls)
}

func TestApplierGivesUpAfterBudget(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: mirror.NewMemoryStore(), target: grid.Coord{X: 1, Y: 1}, failures: 100}
	a := NewApplier(store, nil, time.Second, zerolog.Nop(), quickRetry(2))

	a.Apply(ctx, paint(1, 1, 3, 7, 0))
	a.Wait()

	_, ok, err := store.Cell(ctx, grid.Coord{X: 1, Y: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4, store.calls, "inline attempt, then the retry loop's initial call and two retries")
}
