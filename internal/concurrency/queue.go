package concurrency

import (
	"container/heap"
	"context"
	"sync"
)

// queue is a bounded priority queue for one source. When full, pushing
// evicts the oldest chunk.
type queue struct {
	cap int

	mu       sync.Mutex
	h        chunkHeap
	closed   bool
	notify   chan struct{}
	enqueued int64
	dequeued int64
	dropped  int64
}

func newQueue(capacity int) *queue {
	return &queue{
		cap:    max(capacity, 1),
		h:      make(chunkHeap, 0, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push adds c, evicting the oldest chunk if the queue is full. It reports
// whether a chunk was evicted and false for accepted when the queue is
// closed.
func (q *queue) push(c Chunk) (accepted, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if q.h.Len() >= q.cap {
		q.removeOldest()
		q.dropped++
		evicted = true
	}
	heap.Push(&q.h, c)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, evicted
}

// removeOldest drops the chunk with the smallest sequence number.
// Must be called with q.mu held.
func (q *queue) removeOldest() {
	oldest := 0
	for i := range q.h {
		if q.h[i].Seq < q.h[oldest].Seq {
			oldest = i
		}
	}
	heap.Remove(&q.h, oldest)
}

// pop blocks until a chunk is available, the queue is closed and empty, or
// ctx ends.
func (q *queue) pop(ctx context.Context) (Chunk, bool) {
	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			c := heap.Pop(&q.h).(Chunk)
			q.dequeued++
			more := q.h.Len() > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return c, true
		}
		if q.closed {
			q.mu.Unlock()
			return Chunk{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Chunk{}, false
		}
	}
}

// close stops accepting chunks; queued chunks stay available to pop.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// discard closes the queue and drops everything still queued.
func (q *queue) discard() int {
	q.mu.Lock()
	n := q.h.Len()
	q.h = q.h[:0]
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return n
}

func (q *queue) snapshot() (depth int, data [][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := make(chunkHeap, len(q.h))
	copy(sorted, q.h)
	data = make([][]byte, 0, len(sorted))
	for sorted.Len() > 0 {
		data = append(data, heap.Pop(&sorted).(Chunk).Data)
	}
	return len(q.h), data
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

func (q *queue) fill() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.h.Len()) / float64(q.cap)
}
