package fetcher

import (
	"sync"

	"github.com/schemahub/ingest/internal/models"
)

// workQueue is the per-product cursor queue chunk workers consume.
// Completion is tracked with an outstanding count rather than by queue
// emptiness: a popped cursor is still outstanding until the worker
// calls done, and a worker may push a replacement (re-enqueue) before
// finishing the original. The queue closes itself once every pushed
// cursor has been finished, which is what lets the batch drain cleanly
// even though workers feed the queue they consume from.
type workQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []models.CursorTarget
	outstanding int
	closed      bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues target. A push after close is dropped; the batch is
// already shutting down and the cursor will be replanned next run.
func (q *workQueue) push(target models.CursorTarget) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, target)
	q.outstanding++
	q.cond.Signal()
}

// pop blocks until a target is available or the queue closes.
func (q *workQueue) pop() (models.CursorTarget, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return models.CursorTarget{}, false
	}
	target := q.items[0]
	q.items = q.items[1:]
	return target, true
}

// done marks one previously pushed target as finished. When the last
// outstanding target finishes the queue closes and all poppers wake.
func (q *workQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	if q.outstanding <= 0 && !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// close wakes all poppers and rejects further pushes. Used on
// cancellation and fatal failure.
func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
