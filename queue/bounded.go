// Package queue provides the bounded queue used between every pair of
// workers. A full queue drops its oldest element so producers never block.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

var (
	ErrClosed  = errors.New("Queue is closed")
	ErrTimeout = errors.New("Timed out waiting for the queue")
)

// Bounded is a FIFO queue holding at most Cap() elements. It is safe for
// concurrent use.
type Bounded[T any] struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	dropped  atomic.Uint64

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns an empty queue. A capacity below 1 is treated as 1.
func New[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Bounded[T]{
		items:    queue.New(),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (b *Bounded[T]) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Push appends v, removing the oldest element if the queue is full. It
// returns true if an element was dropped. Pushing to a closed queue drops v.
func (b *Bounded[T]) Push(v T) (dropped bool) {
	select {
	case <-b.closed:
		b.dropped.Add(1)
		return true
	default:
	}

	b.mu.Lock()
	if b.items.Length() >= b.capacity {
		b.items.Remove()
		dropped = true
	}
	b.items.Add(v)
	b.mu.Unlock()

	if dropped {
		b.dropped.Add(1)
	}

	b.signal()
	return dropped
}

// TryPop removes and returns the oldest element without blocking
func (b *Bounded[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.items.Length() == 0 {
		return zero, false
	}

	v, _ := b.items.Remove().(T)
	if b.items.Length() > 0 {
		// wake another consumer
		b.signal()
	}

	return v, true
}

// Pop blocks until an element is available, ctx is done or the queue is
// closed and empty.
func (b *Bounded[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := b.TryPop(); ok {
			return v, nil
		}

		var zero T
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-b.closed:
			if v, ok := b.TryPop(); ok {
				return v, nil
			}
			return zero, ErrClosed
		case <-b.ready:
		}
	}
}

// PopTimeout is Pop with a deadline, it returns ErrTimeout when d elapses
func (b *Bounded[T]) PopTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	v, err := b.Pop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return v, err
}

// Notify returns a channel that receives when elements may be available.
// It is edge triggered, drain with TryPop after each receive.
func (b *Bounded[T]) Notify() <-chan struct{} {
	return b.ready
}

// Drain removes and returns every element, oldest first
func (b *Bounded[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, 0, b.items.Length())
	for b.items.Length() > 0 {
		v, _ := b.items.Remove().(T)
		out = append(out, v)
	}
	return out
}

func (b *Bounded[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items.Length()
}

func (b *Bounded[T]) Cap() int {
	return b.capacity
}

// Dropped returns how many elements have been discarded since creation
func (b *Bounded[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close wakes every blocked Pop. Elements already queued can still be popped.
func (b *Bounded[T]) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

// Done is closed once Close has been called
func (b *Bounded[T]) Done() <-chan struct{} {
	return b.closed
}
