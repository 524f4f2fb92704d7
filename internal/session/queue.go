package session

import (
	"context"
	"sync"
)

type entry struct {
	job  Job
	done *Completion
}

// jobQueue is the FIFO between submitters and the dispatcher loop. It
// is the only state the two sides share.
type jobQueue struct {
	mu     sync.Mutex
	items  []entry
	closed bool
	notify chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{notify: make(chan struct{}, 1)}
}

// push appends e; it reports false once the queue is closed.
func (q *jobQueue) push(e entry) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *jobQueue) tryPop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return entry{}, false
	}
	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	return e, true
}

// pop blocks until an entry is available or ctx ends.
func (q *jobQueue) pop(ctx context.Context) (entry, error) {
	for {
		if e, ok := q.tryPop(); ok {
			return e, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return entry{}, ctx.Err()
		}
	}
}

// drain removes every queued entry, in order, handing each to fn.
func (q *jobQueue) drain(fn func(entry)) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, e := range items {
		fn(e)
	}
	return len(items)
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes. Entries already queued stay until drained.
func (q *jobQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
