// Package dispatch delivers status snapshots to subscribers in publish
// order, outside the publisher's critical section.
package dispatch

import (
	"sync"

	"github.com/recsync/recsync/logging"
)

// Notifier fans values out to subscribers. Values published from one
// goroutine reach every subscriber in publish order; delivery happens on a
// dispatcher goroutine so publishers never block on callbacks.
type Notifier[T any] struct {
	mu          sync.Mutex
	subscribers map[int]func(T)
	nextSub     int
	backlog     []delivery[T]
	dispatching bool
	logger      *logging.Logger
}

// delivery pins the subscriber set observed at publish time, so a callback
// registered later never sees earlier values.
type delivery[T any] struct {
	value T
	subs  []func(T)
}

// NewNotifier creates an empty notifier logging under the given component.
func NewNotifier[T any](component logging.Component) *Notifier[T] {
	return &Notifier[T]{
		subscribers: make(map[int]func(T)),
		logger:      logging.WithComponent(component),
	}
}

// Subscribe registers a callback. The returned function unsubscribes.
func (n *Notifier[T]) Subscribe(cb func(T)) func() {
	n.mu.Lock()
	n.nextSub++
	id := n.nextSub
	n.subscribers[id] = cb
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subscribers, id)
		n.mu.Unlock()
	}
}

// Publish queues a value for delivery to the current subscribers and
// returns without waiting for the callbacks to run.
func (n *Notifier[T]) Publish(value T) {
	n.mu.Lock()
	if len(n.subscribers) == 0 {
		n.mu.Unlock()
		return
	}
	subs := make([]func(T), 0, len(n.subscribers))
	for _, cb := range n.subscribers {
		subs = append(subs, cb)
	}
	n.backlog = append(n.backlog, delivery[T]{value: value, subs: subs})
	if n.dispatching {
		n.mu.Unlock()
		return
	}
	n.dispatching = true
	n.mu.Unlock()

	go n.drain()
}

func (n *Notifier[T]) drain() {
	for {
		n.mu.Lock()
		if len(n.backlog) == 0 {
			n.dispatching = false
			n.mu.Unlock()
			return
		}
		next := n.backlog[0]
		n.backlog = n.backlog[1:]
		n.mu.Unlock()

		for _, cb := range next.subs {
			n.invoke(cb, next.value)
		}
	}
}

func (n *Notifier[T]) invoke(cb func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("status subscriber panic", "panic", r)
		}
	}()
	cb(value)
}
