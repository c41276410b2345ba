// Package memory provides the in-process priority work queue.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Queue is a priority queue ordered by (-priority, insertion sequence). It is
// safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	maxSize int
	closed  bool
	// notify is closed and replaced whenever an entry is added or the queue
	// closes, waking blocked Get calls.
	notify chan struct{}
}

// NewQueue constructs a queue. maxSize <= 0 means unbounded.
func NewQueue(maxSize int) *Queue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue{
		maxSize: maxSize,
		notify:  make(chan struct{}),
	}
}

// Put stores req with the given priority. It never blocks.
func (q *Queue) Put(_ context.Context, req *crawler.Request, priority int) error {
	if req == nil {
		return fmt.Errorf("put nil request: %w", crawler.ErrMalformedRequest)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		return crawler.ErrQueueFull
	}
	heap.Push(&q.entries, entry{priority: priority, seq: q.seq, req: req})
	q.seq++
	q.broadcastLocked()
	return nil
}

// Get pops the highest priority entry, waiting until one is available.
func (q *Queue) Get(ctx context.Context) (*crawler.Request, error) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			req := heap.Pop(&q.entries).(entry).req
			q.mu.Unlock()
			return req, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, crawler.ErrQueueClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// TryGet pops the head entry if there is one.
func (q *Queue) TryGet(_ context.Context) (*crawler.Request, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false, nil
	}
	return heap.Pop(&q.entries).(entry).req, true, nil
}

// Size returns the number of queued entries.
func (q *Queue) Size(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// MaxSize returns the capacity bound.
func (q *Queue) MaxSize() int {
	return q.maxSize
}

// Clear drops all entries.
func (q *Queue) Clear(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n, nil
}

// Close stops further puts and wakes waiters. Remaining entries can still be
// drained with Get. It is safe to call more than once.
func (q *Queue) Close(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.broadcastLocked()
	return nil
}

func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

type entry struct {
	priority int
	seq      uint64
	req      *crawler.Request
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return item
}
