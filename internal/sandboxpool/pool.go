// Package sandboxpool implements the Resource pool (spec.md §4.G): a
// bounded queue of ready sandboxes supporting single-item and atomic
// pairwise acquisition, generic over whatever handle type a caller
// pools — typically *sandbox.Controller.
package sandboxpool

import "sync"

// Pool is a bounded queue of T, put() and get_*() in spec.md's
// terminology. get_two must return two items atomically relative to
// other get_two callers, to avoid the classic two-coordinator deadlock
// where each side holds one item and waits for a second. The
// implementation serializes all acquisition — single and pairwise —
// behind one lock and a channel used as the actual buffer, per the
// spec's "lock the receive side, perform two blocking receives while
// holding the lock" contract.
type Pool[T any] struct {
	mu sync.Mutex
	ch chan T
}

// New creates a Pool with room for capacity items.
func New[T any](capacity int) *Pool[T] {
	return &Pool[T]{ch: make(chan T, capacity)}
}

// Put returns an item to the pool, making it available to a future
// GetOne or GetTwo caller.
func (p *Pool[T]) Put(item T) {
	p.ch <- item
}

// GetOne blocks until one item is available and returns it.
func (p *Pool[T]) GetOne() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return <-p.ch
}

// GetTwo blocks until two items are available and returns both,
// holding the pool's single lock across both receives so no other
// GetOne/GetTwo caller can interleave and leave this call starved of
// its second item — the deadlock spec.md §4.G's rationale describes.
func (p *Pool[T]) GetTwo() (T, T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := <-p.ch
	b := <-p.ch
	return a, b
}

// Len reports the number of items currently available without
// acquiring any of them — a snapshot only, useful for operator
// consoles and metrics, not for synchronization.
func (p *Pool[T]) Len() int {
	return len(p.ch)
}
