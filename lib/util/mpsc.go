package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free, unbounded multi-producer single-consumer queue.
//
// Producers call Push from any goroutine. The single consumer waits on Ready
// and takes everything that has accumulated with Drain, which lets it process
// requests in batches. Under concurrent Push operations the order is the order
// in which producers complete, not the order in which they started.
type MPSC[T any] struct {
	head   atomic.Pointer[node[T]] // consumer side, points to the last consumed node
	tail   atomic.Pointer[node[T]]
	ready  chan struct{}
	closed atomic.Bool
}

// NewMPSC creates an empty queue.
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &node[T]{}
	q := &MPSC[T]{
		ready: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push adds an item to the queue.
// Returns false if the item is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have moved the tail on
				q.tail.CompareAndSwap(tail, n)
				q.notify()
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, yield at high contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *MPSC[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever items were pushed
// since the last receive. A closed queue also signals Ready once.
func (q *MPSC[T]) Ready() <-chan struct{} {
	return q.ready
}

// Drain appends up to limit queued items to dst and returns it (limit <= 0
// means no limit).
//
// Thread-safety: Drain must only be called by the single consumer.
func (q *MPSC[T]) Drain(dst []*T, limit int) []*T {
	start := len(dst)
	for limit <= 0 || len(dst)-start < limit {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			break
		}
		dst = append(dst, next.value)
		q.head.Store(next)
		next.value = nil // the new head is a sentinel now
	}
	if limit > 0 && len(dst)-start >= limit {
		// more items may be left, make sure the consumer comes back
		q.notify()
	}
	return dst
}

// Close prevents further pushes. Items already queued can still be drained.
func (q *MPSC[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.notify()
	}
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the queued items.
// This is O(n) and should only be used for debugging and tests.
func (q *MPSC[T]) Len() int {
	count := 0
	for current := q.head.Load().next.Load(); current != nil; current = current.next.Load() {
		count++
	}
	return count
}
