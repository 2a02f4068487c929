package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"telefeed/internal/domain"
)

// Queue holds feeds waiting for their next fetch, at most one entry per URL.
// A URL handed out by Next stays reserved until Done is called for it, so a
// feed is never queued again while its cycle is running.
type Queue struct {
	mu       sync.Mutex
	entries  map[string]*entry
	reserved map[string]struct{}
	heap     entryHeap
	wake    chan struct{}
	now     func() time.Time
}

type entry struct {
	feed domain.Feed
	due  time.Time
}

func NewQueue() *Queue {
	return &Queue{
		entries:  make(map[string]*entry),
		reserved: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue schedules feed after delay. When the URL is already queued or
// reserved the call is dropped and false is returned.
func (q *Queue) Enqueue(feed domain.Feed, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[feed.Link]; ok {
		return false
	}
	if _, ok := q.reserved[feed.Link]; ok {
		return false
	}

	e := &entry{feed: feed, due: q.now().Add(delay)}
	heap.Push(&q.heap, e)
	q.entries[feed.Link] = e

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return true
}

// Next blocks until the earliest entry is due, removes it and reserves its URL.
func (q *Queue) Next(ctx context.Context) (domain.Feed, error) {
	for {
		q.mu.Lock()
		wait := time.Duration(-1)
		if len(q.heap) > 0 {
			head := q.heap[0]
			wait = head.due.Sub(q.now())
			if wait <= 0 {
				heap.Pop(&q.heap)
				delete(q.entries, head.feed.Link)
				q.reserved[head.feed.Link] = struct{}{}
				q.mu.Unlock()

				return head.feed, nil
			}
		}
		q.mu.Unlock()

		if err := q.sleep(ctx, wait); err != nil {
			return domain.Feed{}, err
		}
	}
}

// sleep returns after wait, on a new entry, or when ctx ends. A negative wait
// means the queue is empty and only a new entry can end it.
func (q *Queue) sleep(ctx context.Context, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
	case <-timeout:
	}

	return nil
}

// Done releases the reservation taken by Next.
func (q *Queue) Done(link string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.reserved, link)
}

// Len is the number of waiting entries, reservations excluded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.heap)
}

func (q *Queue) Contains(link string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.entries[link]

	return ok
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}
