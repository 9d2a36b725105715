// Package singleflight deduplicates concurrent fetches of the same blob.
package singleflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanicked is returned to waiters whose leader's fn panicked.
var ErrPanicked = errors.New("singleflight: fn panicked")

// Group coalesces concurrent calls for the same key K so that fn runs at
// most once per in-flight key. The zero Group is ready to use.
//
//   - The first caller for a key becomes the leader and runs fn.
//   - Followers wait on done. Publishing (val, err) happens-before
//     close(done), so reads after <-done observe the final values.
//   - A follower whose ctx is cancelled returns ctx.Err(); the leader keeps
//     running. Thread ctx into fn to make the work itself cancellable.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done    chan struct{} // closed when val/err are published
	val     V
	err     error
	waiters int
}

// Do runs fn once for key and shares the result with every caller that
// arrives while it runs. shared reports whether the result was handed to
// more than one caller.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.run(key, c, fn)

	g.mu.Lock()
	shared = c.waiters > 0
	g.mu.Unlock()
	return c.val, shared, c.err
}

// DoDetached is Do with fn running on its own goroutine: every caller,
// including the one that started fn, waits only until its own ctx is done.
// fn keeps running for the remaining callers and finishes even if all of
// them gave up, so it must not depend on any caller's ctx. A panic in fn is
// recovered and returned as ErrPanicked.
func (g *Group[K, V]) DoDetached(ctx context.Context, key K, fn func() (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	c, joined := g.m[key]
	if joined {
		c.waiters++
	} else {
		c = &call[V]{done: make(chan struct{})}
		g.m[key] = c
		go g.runDetached(key, c, fn)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		var zero V
		return zero, joined, ctx.Err()
	}
	if !joined {
		g.mu.Lock()
		joined = c.waiters > 0
		g.mu.Unlock()
	}
	return c.val, joined, c.err
}

// InFlight reports whether a call for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// run executes fn outside the lock and always publishes, even if fn panics:
// waiters get ErrPanicked and the panic continues in the leader.
func (g *Group[K, V]) run(key K, c *call[V], fn func() (V, error)) {
	normal := false
	defer func() {
		if !normal {
			c.err = ErrPanicked
		}
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
	normal = true
}

func (g *Group[K, V]) runDetached(key K, c *call[V], fn func() (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			c.val, c.err = zero, fmt.Errorf("%w: %v", ErrPanicked, r)
		}
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
}
