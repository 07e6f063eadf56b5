package credentials

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Memo computes a value once and hands the same result to every caller.
// Concurrent first calls share one in-flight computation. A failed computation
// is not remembered, so the next caller retries.
type Memo[T any] struct {
	load func(context.Context) (T, error)

	mu    sync.Mutex
	done  bool
	value T

	group singleflight.Group
	calls atomic.Int64
}

// NewMemo returns a Memo around load.
func NewMemo[T any](load func(context.Context) (T, error)) *Memo[T] {
	return &Memo[T]{load: load}
}

// Get returns the memoized value, computing it if needed. A caller whose ctx is
// cancelled stops waiting; the shared computation keeps running for the others.
func (m *Memo[T]) Get(ctx context.Context) (T, error) {
	if v, ok := m.cached(); ok {
		return v, nil
	}
	ch := m.group.DoChan("load", func() (any, error) {
		if v, ok := m.cached(); ok {
			return v, nil
		}
		m.calls.Add(1)
		v, err := m.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.value, m.done = v, true
		m.mu.Unlock()
		return v, nil
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Loads reports how many times the underlying computation ran.
func (m *Memo[T]) Loads() int64 { return m.calls.Load() }

func (m *Memo[T]) cached() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.done
}
