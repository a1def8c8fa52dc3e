package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/ledger"
)

type fakeSub struct {
	errc chan error
	once sync.Once
	done chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{errc: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSub) active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// fakeLedger is an in-memory chain of paint events.
type fakeLedger struct {
	mu              sync.Mutex
	head            uint64
	events          []grid.PaintEvent
	pushUnsupported bool
	dropPush        bool
	headFailures    int
	subscribes      int
	sub             *fakeSub
	sink            chan<- grid.PaintEvent
}

var _ Source = (*fakeLedger)(nil)

func (l *fakeLedger) Head(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.headFailures > 0 {
		l.headFailures--
		return 0, errors.New("rpc unavailable")
	}
	return l.head, nil
}

func (l *fakeLedger) FetchPaints(_ context.Context, from, to uint64) ([]grid.PaintEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []grid.PaintEvent
	for _, ev := range l.events {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *fakeLedger) SubscribePaints(_ context.Context, sink chan<- grid.PaintEvent) (ledger.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribes++
	if l.pushUnsupported {
		return nil, ledger.ErrPushUnsupported
	}
	l.sub = newFakeSub()
	l.sink = sink
	return l.sub, nil
}

// mine appends ev to the chain, moves the head to its block and pushes it to
// the live subscription unless push delivery is being dropped.
func (l *fakeLedger) mine(ev grid.PaintEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if ev.Block > l.head {
		l.head = ev.Block
	}
	if l.sub != nil && l.sub.active() && !l.dropPush {
		l.sink <- ev
	}
}

func (l *fakeLedger) setHead(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = h
}

func (l *fakeLedger) subscribeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribes
}

func (l *fakeLedger) failSubscription(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		l.sub.errc <- err
	}
}

func paint(x, y, color int, block uint64, index uint) grid.PaintEvent {
	seq, err := grid.SeqOf(block, index)
	if err != nil {
		panic(err)
	}
	return grid.PaintEvent{
		Coord:      grid.Coord{X: x, Y: y},
		ColorIndex: color,
		PaintedBy:  "0xaa",
		SequenceID: seq,
		Block:      block,
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []grid.Change
}

func (p *recordingPublisher) Publish(_ context.Context, ch grid.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, ch)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}
