// Package flight deduplicates concurrent loads for the same cache key. For N
// concurrent callers of one missing key the fetch function runs exactly once
// and every caller receives the same outcome.
//
// The fetch runs on a context detached from any single caller, so one
// caller's cancellation never aborts a load that other callers are waiting
// on. A caller that cancels merely withdraws from the waiter list; only when
// the last waiter withdraws is the detached context cancelled, aborting the
// fetch if it honours cancellation.
package flight

import (
	"context"
	"sync"
)

// Group tracks in-flight loads per key. The zero value is not usable;
// construct with NewGroup. Loads for different keys proceed fully in
// parallel — the group mutex only guards the map itself.
type Group struct {
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	waiters int
	cancel  context.CancelFunc
	done    chan struct{}

	// val and err are written once, before done is closed.
	val []byte
	err error
}

// NewGroup creates an empty Group.
func NewGroup() *Group {
	return &Group{flights: make(map[string]*flight)}
}

// Do returns the result of fetch for key, joining an in-flight load when one
// exists. The returned slice is shared between all waiters of one load;
// callers that retain it must copy.
//
// When ctx is cancelled while waiting, Do withdraws and returns ctx.Err()
// without disturbing the load, unless this was the last waiter, in which
// case the fetch context is cancelled too.
func (g *Group) Do(ctx context.Context, key string, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	g.mu.Lock()
	if f, ok := g.flights[key]; ok {
		f.waiters++
		g.mu.Unlock()
		return g.wait(ctx, f)
	}

	// Trace/log values survive; the cancellation chain does not: the load
	// belongs to all waiters, not to this caller's request.
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{waiters: 1, cancel: cancel, done: make(chan struct{})}
	g.flights[key] = f
	g.mu.Unlock()

	go func() {
		val, err := fetch(fctx)
		cancel()

		g.mu.Lock()
		delete(g.flights, key)
		g.mu.Unlock()

		f.val, f.err = val, err
		close(f.done)
	}()

	return g.wait(ctx, f)
}

func (g *Group) wait(ctx context.Context, f *flight) ([]byte, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		g.mu.Lock()
		f.waiters--
		last := f.waiters == 0
		g.mu.Unlock()
		if last {
			f.cancel()
		}
		return nil, ctx.Err()
	}
}

// InFlight reports the number of keys with an outstanding load.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
