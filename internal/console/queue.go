package console

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueEmpty is returned by a non-blocking Get on an empty queue.
	ErrQueueEmpty = errors.New("console: queue empty")
	// ErrQueueTimeout is returned when a blocking Get exceeds its timeout.
	ErrQueueTimeout = errors.New("console: timed out waiting for line")
)

// BoundedLineQueue is a thread-safe FIFO of text lines. When the queue is
// full the oldest line is silently dropped to make room for the newest one.
// A capacity of 0 means the queue grows without bound.
type BoundedLineQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	lines    []string
	capacity int
}

// NewBoundedLineQueue creates a queue holding at most capacity lines.
func NewBoundedLineQueue(capacity int) *BoundedLineQueue {
	q := &BoundedLineQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put appends a line, evicting the oldest line if the queue is at capacity.
func (q *BoundedLineQueue) Put(line string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.lines) >= q.capacity {
		q.lines = q.lines[1:]
	}
	q.lines = append(q.lines, line)
	q.notEmpty.Signal()
}

// Get removes and returns the oldest line.
//
// With block=false it returns ErrQueueEmpty immediately when nothing is
// queued. With block=true and timeout<=0 it waits until a line arrives.
// With block=true and a positive timeout it waits up to that long and then
// returns ErrQueueTimeout.
func (q *BoundedLineQueue) Get(block bool, timeout time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !block {
		if len(q.lines) == 0 {
			return "", ErrQueueEmpty
		}
		return q.pop(), nil
	}

	if timeout <= 0 {
		for len(q.lines) == 0 {
			q.notEmpty.Wait()
		}
		return q.pop(), nil
	}

	deadline := time.Now().Add(timeout)
	for len(q.lines) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrQueueTimeout
		}
		// sync.Cond has no timed wait, so arm a one-shot wakeup that
		// broadcasts once the remaining budget elapses.
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		q.notEmpty.Wait()
		timer.Stop()
	}
	return q.pop(), nil
}

// Len returns the number of queued lines.
func (q *BoundedLineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

// Clear drops all queued lines.
func (q *BoundedLineQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lines = nil
}

func (q *BoundedLineQueue) pop() string {
	line := q.lines[0]
	q.lines = q.lines[1:]
	return line
}
