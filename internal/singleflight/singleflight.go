// Package singleflight coalesces concurrent calls for the same key into a
// single shared execution. It backs both response-cache miss coalescing and
// DNS lookup coalescing.
//
// Unlike a plain duplicate suppressor, the group tracks its waiters: the
// shared execution runs on its own goroutine under a detached context, a
// caller whose context expires is released alone, and the execution itself
// is cancelled only once every caller has abandoned the key.
package singleflight

import (
	"context"
	"sync"
)

// Group manages the in-flight calls. The zero value is not usable; use New.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

// call is one shared execution and the callers awaiting it. waiters is
// guarded by Group.mu so that joining and leaving serialize.
type call struct {
	done    chan struct{}
	val     interface{}
	err     error
	waiters int
	cancel  context.CancelFunc
}

// New creates an empty Group.
func New() *Group {
	return &Group{
		m: make(map[string]*call),
	}
}

// Do returns the result of a single execution of fn for key. Concurrent
// callers with the same key share one execution and receive the identical
// value and error. shared reports whether this caller joined an execution
// started by another caller.
//
// fn runs on its own goroutine with a context independent of any single
// caller. A caller whose ctx is done stops waiting and receives ctx.Err()
// without disturbing the others; when the last caller leaves, fn's context
// is cancelled and the key is released.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (val interface{}, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()
		val, err = g.wait(ctx, key, c)
		return val, true, err
	}

	execCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	g.m[key] = c
	g.mu.Unlock()

	go func() {
		v, e := fn(execCtx)
		c.val, c.err = v, e

		// The key is released before waiters wake so that callers arriving
		// after resolution start a fresh execution (or hit whatever the
		// completed one stored) instead of attaching to a finished call.
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()

		close(c.done)
		cancel()
	}()

	val, err = g.wait(ctx, key, c)
	return val, false, err
}

func (g *Group) wait(ctx context.Context, key string, c *call) (interface{}, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		// The decrement, the last-caller test and the key removal form one
		// critical section with Do's join: a caller arriving now either
		// attaches before the decision, keeping the call alive, or finds
		// the key gone and starts fresh. Only then is the execution
		// cancelled.
		g.mu.Lock()
		c.waiters--
		last := c.waiters == 0
		if last && g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		if last {
			c.cancel()
		}
		return nil, ctx.Err()
	}
}

// Forget drops the key so the next Do starts a new execution even if one is
// still in flight. Callers already waiting are unaffected.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// InFlight reports the number of keys with an active shared execution.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
