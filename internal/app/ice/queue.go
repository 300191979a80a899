// Package ice buffers remote ICE candidates that arrive before the endpoint
// can accept them.
package ice

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Applier hands one candidate to the transport endpoint.
type Applier func(webrtc.ICECandidateInit) error

// Queue holds candidates in arrival order until Flush. After Flush every
// candidate is applied directly and never buffered again. Candidates are
// applied outside the lock, so a slow endpoint never blocks Len or Ready.
type Queue struct {
	mu       sync.Mutex
	apply    Applier
	flushing bool
	pending  []webrtc.ICECandidateInit
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue applies c if the queue is flushed, otherwise buffers it.
// It reports whether c was applied now.
func (q *Queue) Enqueue(c webrtc.ICECandidateInit) (bool, error) {
	q.mu.Lock()
	apply := q.apply
	if apply == nil {
		q.pending = append(q.pending, c)
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()
	return true, apply(c)
}

// Flush applies the buffered candidates in FIFO order exactly once and
// switches the queue to direct mode. Calling Flush again is a no-op.
// A failing candidate does not stop the remaining ones. Candidates
// enqueued while Flush runs are applied by it after the earlier ones.
func (q *Queue) Flush(apply Applier) (int, error) {
	q.mu.Lock()
	if q.apply != nil || q.flushing {
		q.mu.Unlock()
		return 0, nil
	}
	q.flushing = true
	var errs []error
	n := 0
	for {
		batch := q.pending
		q.pending = nil
		if len(batch) == 0 {
			q.apply = apply
			q.flushing = false
			q.mu.Unlock()
			return n, errors.Join(errs...)
		}
		q.mu.Unlock()
		for _, c := range batch {
			if err := apply(c); err != nil {
				errs = append(errs, err)
			}
		}
		n += len(batch)
		q.mu.Lock()
	}
}

// Ready reports whether Flush has completed.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.apply != nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Reset drops buffered candidates without applying them.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}
