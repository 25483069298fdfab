// Package blockingq adds blocking Put/Take semantics on top of a bounded
// non-blocking MPMC ring. It exposes only what an executor's task queue
// needs; callers wanting timed operations wrap the context with a deadline.
package blockingq

import (
	"context"
	"sync"
	"time"

	"code.hybscloud.com/lfq"
	"go.uber.org/atomic"
)

const defaultBackoff = 10 * time.Millisecond

// Queue is a bounded blocking FIFO over an lfq MPMC ring.
//
// Blocking is emulated by sleep-spinning against the ring's non-blocking
// Enqueue/Dequeue. This trades wakeup latency for simplicity and zero
// allocation on the hot path. Fairness across blocked producers is
// whatever the ring provides (none assumed).
type Queue[T any] struct {
	ring    *lfq.MPMC[T]
	backoff time.Duration

	// The ring deliberately has no length; counts are tracked here.
	length atomic.Int64

	// One-slot take-ahead stash backing Peek. The ring cannot observe
	// its head without consuming it, so Peek dequeues into the stash
	// and Take drains the stash before touching the ring.
	mu      sync.Mutex
	stash   *T
	stashed atomic.Bool
}

type config struct {
	backoff time.Duration
}

type Option func(*config) error

// WithBackoff sets the sleep interval used while spinning on a full or
// empty ring.
func WithBackoff(d time.Duration) Option {
	return func(c *config) error {
		c.backoff = d
		return nil
	}
}

// New creates a queue with the given capacity. The capacity is rounded
// up to the next power of two by the underlying ring.
func New[T any](capacity int, opts ...Option) (*Queue[T], error) {
	c := config{backoff: defaultBackoff}
	for _, o := range opts {
		if err := o(&c); err != nil {
			return nil, err
		}
	}
	return &Queue[T]{
		ring:    lfq.NewMPMC[T](capacity),
		backoff: c.backoff,
	}, nil
}

// Put blocks until the ring accepts v or ctx is cancelled.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	for {
		err := q.ring.Enqueue(&v)
		if err == nil {
			q.length.Inc()
			return nil
		}
		if !lfq.IsWouldBlock(err) {
			return err
		}
		if err := q.sleep(ctx); err != nil {
			return err
		}
	}
}

// Take blocks until an element is available or ctx is cancelled.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		if q.stashed.Load() {
			q.mu.Lock()
			if q.stash != nil {
				v := *q.stash
				q.stash = nil
				q.stashed.Store(false)
				q.mu.Unlock()
				q.length.Dec()
				return v, nil
			}
			q.mu.Unlock()
		}
		v, err := q.ring.Dequeue()
		if err == nil {
			q.length.Dec()
			return v, nil
		}
		if !lfq.IsWouldBlock(err) {
			var zero T
			return zero, err
		}
		if err := q.sleep(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
}

// Peek returns the next element without consuming it, or false when the
// queue is empty.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stash != nil {
		return *q.stash, true
	}
	v, err := q.ring.Dequeue()
	if err != nil {
		var zero T
		return zero, false
	}
	q.stash = &v
	q.stashed.Store(true)
	return v, true
}

// Len returns the number of queued elements. The count is maintained by
// the adapter and is exact only when no operation is in flight.
func (q *Queue[T]) Len() int {
	return int(q.length.Load())
}

// Cap returns the ring capacity.
func (q *Queue[T]) Cap() int {
	return q.ring.Cap()
}

func (q *Queue[T]) sleep(ctx context.Context) error {
	t := time.NewTimer(q.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
