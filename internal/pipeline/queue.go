package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push on a closed queue and by Pop on a closed,
// empty one.
var ErrClosed = errors.New("queue closed")

// DefaultLookAhead is the default depth of a frame look-ahead queue.
const DefaultLookAhead = 3

// Queue is a bounded FIFO.
type Queue[T any] struct {
	items     chan T
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultLookAhead
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

func (q *Queue[T]) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Push appends v, blocking while the queue is full.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.items <- v:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush appends v if there is room.
func (q *Queue[T]) TryPush(v T) bool {
	if q.isClosed() {
		return false
	}
	select {
	case q.items <- v:
		return true
	default:
		return false
	}
}

// Pop removes the oldest item, blocking while the queue is empty. Items
// pushed before Close are still returned.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	case <-q.closed:
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryPop removes the oldest item if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Close stops further pushes and wakes blocked callers.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
