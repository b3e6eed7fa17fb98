// Package bridge runs a blocking, pull-based producer on its own goroutine
// and hands its output to a consumer through a bounded channel.
//
// The producer is never interrupted. Detaching only stops the consumer side:
// later items are dropped and emit reports false, so a producer that checks
// it stops at its next yield point. One that does not check runs to
// completion and its output is discarded.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const DefaultCapacity = 32

// Producer calls emit once per item, in order, and returns when it has
// nothing more to produce. emit returns false once the consumer has gone.
type Producer[T any] func(emit func(T) bool) error

// Item is what the consumer reads. Exactly one item with Terminal set ends
// every handoff; Err is the producer's error, if any.
type Item[T any] struct {
	Value    T
	Terminal bool
	Err      error
}

type Handoff[T any] struct {
	ch       chan Item[T]
	detached chan struct{}
	done     chan struct{}
	once     sync.Once
	enqueued atomic.Int64
	finished bool
}

// Start launches p on a dedicated goroutine.
func Start[T any](capacity int, p Producer[T]) *Handoff[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &Handoff[T]{
		ch:       make(chan Item[T], capacity),
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run(p)
	return h
}

func (h *Handoff[T]) run(p Producer[T]) {
	defer close(h.done)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("bridge: producer panic: %v", r)
			}
		}()
		err = p(h.emit)
	}()

	h.push(Item[T]{Terminal: true, Err: err})
}

func (h *Handoff[T]) emit(v T) bool {
	return h.push(Item[T]{Value: v})
}

// push blocks while the channel is full, unless the consumer detaches.
func (h *Handoff[T]) push(it Item[T]) bool {
	select {
	case <-h.detached:
		return false
	default:
	}
	select {
	case h.ch <- it:
		h.enqueued.Add(1)
		return true
	case <-h.detached:
		return false
	}
}

// Next returns the next item. A context error detaches the handoff and is
// returned as is. After the terminal item Next keeps returning a terminal
// item without blocking.
func (h *Handoff[T]) Next(ctx context.Context) (Item[T], error) {
	if h.finished {
		return Item[T]{Terminal: true}, nil
	}
	if err := ctx.Err(); err != nil {
		h.Detach()
		return Item[T]{}, err
	}
	select {
	case it := <-h.ch:
		if it.Terminal {
			h.finished = true
		}
		return it, nil
	case <-ctx.Done():
		h.Detach()
		return Item[T]{}, ctx.Err()
	}
}

// Detach stops draining. Safe to call more than once and from any goroutine.
func (h *Handoff[T]) Detach() {
	h.once.Do(func() { close(h.detached) })
}

// Done is closed once the producer goroutine has returned.
func (h *Handoff[T]) Done() <-chan struct{} {
	return h.done
}

// Enqueued counts items accepted onto the channel, terminal included.
func (h *Handoff[T]) Enqueued() int64 {
	return h.enqueued.Load()
}
