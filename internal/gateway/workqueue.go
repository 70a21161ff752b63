// Package gateway implements the concurrency kernel of the bridge: a
// bounded FIFO work queue the Studio plugin claims from, a correlation
// table that matches posted results back to waiting callers, and session
// tracking for operations that stream partial updates.
//
// The plugin is strictly sequential — it claims one item, works on it,
// posts results, then claims the next — so the queue is single-consumer
// in steady state, but nothing here assumes that: claims are atomic with
// removal, and an item is never handed to two claimants.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/studiobridge/studiobridge/pkg/protocol"
)

// WorkQueue is the ordered set of not-yet-claimed work items. Submission
// order is delivery order; the plugin applies side effects roughly in
// request order, so FIFO is a hard requirement here, not a nicety.
//
// All state is guarded by one mutex. Waiters park on a broadcast channel
// that Submit swaps out under the same mutex, so an item arriving at the
// exact claim deadline is seen either by the current wait or the next —
// never lost between the emptiness check and the suspension.
type WorkQueue struct {
	mu     sync.Mutex
	items  []*protocol.WorkItem
	wake   chan struct{}
	max    int
	closed bool
}

// NewWorkQueue creates a queue that refuses submissions past max items.
// max <= 0 means unbounded.
func NewWorkQueue(max int) *WorkQueue {
	return &WorkQueue{
		wake: make(chan struct{}),
		max:  max,
	}
}

// Submit appends item to the tail and returns immediately.
// Returns ErrQueueFull at the depth limit and ErrShuttingDown after Close.
func (q *WorkQueue) Submit(item *protocol.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	if q.max > 0 && len(q.items) >= q.max {
		return ErrQueueFull
	}

	q.items = append(q.items, item)
	q.wakeAllLocked()
	return nil
}

// SubmitFront pushes item ahead of all queued work, bypassing the depth
// limit. Used for cancellation intents, which must reach the plugin on
// its next poll even when the queue is saturated.
func (q *WorkQueue) SubmitFront(item *protocol.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}

	q.items = append([]*protocol.WorkItem{item}, q.items...)
	q.wakeAllLocked()
	return nil
}

// ClaimNext removes and returns the head item. If the queue is empty it
// suspends until an item arrives, the wait budget elapses, or ctx is
// done; the latter two return (nil, false), a normal "no work" outcome.
//
// Claiming is atomic with removal: two concurrent claimants can never
// receive the same item.
func (q *WorkQueue) ClaimNext(ctx context.Context, waitBudget time.Duration) (*protocol.WorkItem, bool) {
	deadline := time.Now().Add(waitBudget)

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		wake := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
			// Recheck under the lock; another claimant may have won.
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		}
	}
}

// Depth returns the number of unclaimed items.
func (q *WorkQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue as shutting down, wakes all parked claimants, and
// returns the items that were never claimed so the caller can resolve
// their pending entries.
func (q *WorkQueue) Close() []*protocol.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	orphans := q.items
	q.items = nil
	q.wakeAllLocked()
	return orphans
}

// wakeAllLocked broadcasts to every parked claimant. Caller holds q.mu.
func (q *WorkQueue) wakeAllLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
