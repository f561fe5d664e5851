package concurrency

import (
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// Chunk is one queued audio frame.
type Chunk struct {
	Data       []byte
	Source     audio.Source
	EnqueuedAt time.Time
	Seq        uint64
	Priority   int
}

// chunkHeap implements [container/heap.Interface] as a min-heap ordered by
// priority (smaller first) with FIFO tie-breaking on Seq, so the root is
// always the oldest chunk of the most urgent priority.
type chunkHeap []Chunk

func (h chunkHeap) Len() int { return len(h) }

func (h chunkHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x. Called by [container/heap.Push] only.
func (h *chunkHeap) Push(x any) {
	*h = append(*h, x.(Chunk))
}

// Pop removes the last element. Called by [container/heap.Pop] only.
func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = Chunk{}
	*h = old[:n-1]
	return c
}
