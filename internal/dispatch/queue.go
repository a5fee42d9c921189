// Package dispatch serializes a session's event stream. Every fill,
// cancel and timer tick lands in one unbounded FIFO queue consumed by a
// single goroutine, so handlers never observe two events of the same
// session concurrently and never observe them out of arrival order.
package dispatch

import (
	"context"
	"sync"

	"gridflow/logger"
	"gridflow/models"
)

// Handler processes one event. It runs on the consumer goroutine.
type Handler func(ctx context.Context, ev models.Event)

// Queue is an unbounded multi-producer, single-consumer event queue.
// Producers never block and events are never dropped; backpressure is
// surfaced through Depth instead.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []models.Event
	closed bool
	log    *logger.Log
}

func NewQueue() *Queue {
	q := &Queue{log: logger.GetLogger()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an event. Pushes after Close are discarded.
func (q *Queue) Push(ev models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.WithComponent("dispatch").WithFields(logger.Fields{
			"event": ev.EventKind(),
		}).Debug("event discarded after close")
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// Depth reports the number of queued, not-yet-handled events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer and lets Run return once the queue drains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Run consumes events one at a time until the context is cancelled or
// the queue is closed and drained. It must be called from exactly one
// goroutine per queue.
func (q *Queue) Run(ctx context.Context, handle Handler) {
	// Context cancellation only breaks the cond wait; it does not skip
	// events already queued.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		handle(ctx, ev)
	}
}
