// Package promise provides a single-slot handoff between the goroutine that
// receives a response and the goroutine blocked waiting for it.
package promise

import (
	"context"
	"sync"
	"time"
)

// Promise is fulfilled at most once. Waiters block until the result is set,
// their context ends or their timeout elapses; a timeout is reported as
// (zero, false), never as a panic.
type Promise[T any] struct {
	mu   sync.Mutex
	done chan struct{}
	val  T
	set  bool
}

func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// SetResult fulfills the promise. It returns false if a result was already set.
func (p *Promise[T]) SetResult(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return false
	}
	p.val = v
	p.set = true
	close(p.done)
	return true
}

// HasResult reports whether the promise has been fulfilled.
func (p *Promise[T]) HasResult() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

// Wait blocks until the promise is fulfilled or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result waits at most timeout. A non-positive timeout only checks whether
// the result is already there.
func (p *Promise[T]) Result(timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.val, p.set
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := p.Wait(ctx)
	return v, err == nil
}

// Reset clears a fulfilled promise so it can be reused.
func (p *Promise[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		return
	}
	var zero T
	p.val = zero
	p.set = false
	p.done = make(chan struct{})
}
