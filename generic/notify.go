package generic

import (
	"context"
	"log/slog"
	"sync"
)

// =============================================================================
// HUB - Snapshot subscriptions
// =============================================================================

// Hub fans a freshly loaded snapshot out to every subscriber. Stores call
// Publish after a mutation has committed, never while holding their own
// locks, because load reads back through the store.
//
// Every load is numbered before it starts. A subscriber only accepts a
// snapshot numbered higher than the last one it received, so a slow load
// can never overwrite a newer one. Subscribers are registered before their
// initial load, so a change committed while that load runs still reaches
// them through its own Publish.
type Hub[T any] struct {
	mu   sync.Mutex
	subs map[int]*subscriber[T]
	next int
	seq  uint64
	load func(context.Context) (T, error)
}

type subscriber[T any] struct {
	mu     sync.Mutex
	fn     func(T)
	seen   uint64
	closed bool
}

// deliver hands v to fn unless a newer snapshot already went out.
func (s *subscriber[T]) deliver(seq uint64, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq <= s.seen {
		return
	}
	s.seen = seq
	s.fn(v)
}

func NewHub[T any](load func(context.Context) (T, error)) *Hub[T] {
	return &Hub[T]{subs: make(map[int]*subscriber[T]), load: load}
}

// Subscribe delivers the current snapshot to fn and registers it for
// future publishes. The subscription ends when cancel is called or ctx is
// done. fn must not call Publish on the same hub.
func (h *Hub[T]) Subscribe(ctx context.Context, fn func(T)) (func(), error) {
	sub := &subscriber[T]{fn: fn}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()

			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}

	snapshot, err := h.load(ctx)
	if err != nil {
		cancel()
		return nil, Unavailable("subscribe", err)
	}
	sub.deliver(seq, snapshot)

	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}, nil
}

// Publish loads a snapshot and hands it to every subscriber.
func (h *Hub[T]) Publish(ctx context.Context) {
	h.mu.Lock()
	if len(h.subs) == 0 {
		h.mu.Unlock()
		return
	}
	h.seq++
	seq := h.seq
	subs := make([]*subscriber[T], 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	snapshot, err := h.load(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("subscription snapshot load failed", "err", err)
		return
	}
	for _, sub := range subs {
		sub.deliver(seq, snapshot)
	}
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
