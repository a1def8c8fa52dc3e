package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceweasel13/monplace/internal/grid"
)

func runHub(t *testing.T) ChangeHub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewChangeHub()
	go h.Run(ctx)
	return h
}

func recv(t *testing.T, ch <-chan grid.Change) grid.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return grid.Change{}
}

func TestHubFansOutToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	h := runHub(t)

	a, leaveA, err := h.Subscribe(ctx)
	require.NoError(t, err)
	defer leaveA()
	b, leaveB, err := h.Subscribe(ctx)
	require.NoError(t, err)
	defer leaveB()

	want := grid.Change{X: 5, Y: 5, ColorIndex: 1, UpdatedBy: "0xaa"}
	require.NoError(t, h.Publish(ctx, want))
	assert.Equal(t, want, recv(t, a))
	assert.Equal(t, want, recv(t, b))
}

func TestHubLeaveClosesChannel(t *testing.T) {
	ctx := context.Background()
	h := runHub(t)
	ch, leave, err := h.Subscribe(ctx)
	require.NoError(t, err)
	leave()
	leave()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	h := runHub(t)
	slow, leave, err := h.Subscribe(ctx)
	require.NoError(t, err)
	defer leave()

	for i := 0; i < subscriberBuffer+1; i++ {
		require.NoError(t, h.Publish(ctx, grid.Change{X: i % grid.Size}))
	}
	n := 0
	for range slow {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
}

func TestHubStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewChangeHub()
	go h.Run(ctx)
	ch, _, err := h.Subscribe(context.Background())
	require.NoError(t, err)
	cancel()

	for range ch {
	}
	err = h.Publish(context.Background(), grid.Change{})
	assert.Error(t, err)
}
