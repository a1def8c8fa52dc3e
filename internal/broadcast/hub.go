// Package broadcast fans cell changes out to every subscriber, either inside
// one process (Hub) or across processes through Redis pub/sub (RedisFeed).
package broadcast

import (
	"context"

	"github.com/iceweasel13/monplace/internal/grid"
)

// Feed is the change feed shared by the admission gate, the ingestion
// pipeline and the websocket handlers.
type Feed interface {
	Publish(ctx context.Context, ch grid.Change) error
	// Subscribe returns a channel of changes and a function that detaches it.
	// The channel is closed once the subscription ends.
	Subscribe(ctx context.Context) (<-chan grid.Change, func(), error)
}

const subscriberBuffer = 256

type subscriber[T any] struct {
	send chan T
}

// Hub maintains the set of active subscribers and broadcasts messages to them.
// A subscriber whose buffer is full is dropped rather than stalling the others.
type Hub[T any] struct {
	subscribers map[*subscriber[T]]bool
	broadcast   chan T
	register    chan *subscriber[T]
	unregister  chan *subscriber[T]
	done        chan struct{}
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subscribers: make(map[*subscriber[T]]bool),
		broadcast:   make(chan T),
		register:    make(chan *subscriber[T]),
		unregister:  make(chan *subscriber[T]),
		done:        make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every subscriber.
func (h *Hub[T]) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for s := range h.subscribers {
				close(s.send)
				delete(h.subscribers, s)
			}
			return
		case s := <-h.register:
			h.subscribers[s] = true
		case s := <-h.unregister:
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
		case msg := <-h.broadcast:
			for s := range h.subscribers {
				select {
				case s.send <- msg:
				default:
					close(s.send)
					delete(h.subscribers, s)
				}
			}
		}
	}
}

// Broadcast delivers msg to every current subscriber.
func (h *Hub[T]) Broadcast(ctx context.Context, msg T) error {
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join registers a subscriber. leave is safe to call more than once.
func (h *Hub[T]) Join(ctx context.Context) (<-chan T, func(), error) {
	s := &subscriber[T]{send: make(chan T, subscriberBuffer)}
	select {
	case h.register <- s:
	case <-h.done:
		return nil, nil, context.Canceled
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	leave := func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}
	return s.send, leave, nil
}

// ChangeHub adapts a Hub of changes to Feed.
type ChangeHub struct {
	*Hub[grid.Change]
}

var _ Feed = ChangeHub{}

func NewChangeHub() ChangeHub {
	return ChangeHub{Hub: NewHub[grid.Change]()}
}

func (h ChangeHub) Publish(ctx context.Context, ch grid.Change) error {
	return h.Broadcast(ctx, ch)
}

func (h ChangeHub) Subscribe(ctx context.Context) (<-chan grid.Change, func(), error) {
	return h.Join(ctx)
}
