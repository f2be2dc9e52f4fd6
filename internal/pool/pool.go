// Package pool holds long-lived, interchangeable items (broker readers)
// behind a counting semaphore.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// NoWait makes Pop fail immediately when the pool is empty.
const NoWait time.Duration = -1

// Pool is a bounded LIFO collection whose semaphore count always equals the
// number of stored items once Push/Pop return.
type Pool[T any] struct {
	capacity int64
	sem      *semaphore.Weighted

	mu    sync.Mutex
	items []T
}

func New[T any](capacity int) *Pool[T] {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool[T]{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		items:    make([]T, 0, capacity),
	}
	// start empty: every unit is held until an item is pushed
	_ = p.sem.Acquire(context.Background(), p.capacity)
	return p
}

// Push stores item and wakes exactly one waiting Pop.
func (p *Pool[T]) Push(item T) {
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Pop takes an item. timeout == 0 blocks until one is pushed, timeout > 0
// waits at most that long and NoWait never blocks.
func (p *Pool[T]) Pop(timeout time.Duration) (T, bool) {
	switch {
	case timeout == 0:
		return p.PopContext(context.Background())
	case timeout < 0:
		if !p.sem.TryAcquire(1) {
			var zero T
			return zero, false
		}
		return p.take(), true
	default:
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.PopContext(ctx)
	}
}

// PopContext blocks until an item is available or ctx is done.
func (p *Pool[T]) PopContext(ctx context.Context) (T, bool) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, false
	}
	return p.take(), true
}

func (p *Pool[T]) take() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := len(p.items) - 1
	item := p.items[last]
	var zero T
	p.items[last] = zero
	p.items = p.items[:last]
	return item
}

// Len reports the number of items currently available.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pool[T]) Cap() int { return int(p.capacity) }
