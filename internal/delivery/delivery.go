// Package delivery implements the single-producer, multi-consumer
// bounded queue carrying reassembled, reordered samples from a proxy
// writer's receive context to reader-side listeners. The producer
// blocks when the queue is full, which is the mechanism that ultimately
// provides end-to-end flow control back to the transport.
//
// Built on sync.Cond the same way internal/whc throttles Insert — a
// slice-backed ring guarded by one mutex, with Push/Pop replacing
// condition checks instead of a raw channel, so the garbage collector's
// "bubble" drain marker can be pushed and observed like any other item
// rather than needing a side channel.
package delivery

import (
	"sync"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// Item is one delivery queue entry. A Bubble item carries no Data and
// exists purely as a drain marker for the garbage collector; BubbleID
// lets the collector match the drained marker back to the deletion
// request that queued it.
type Item struct {
	ProxyWriter rtps.GUID
	Seq         rtps.SequenceNumber
	Data        []byte
	Bubble      bool
	BubbleID    uint64
}

// Queue is a bounded SPMC queue with blocking back-pressure.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []Item
	capacity int
	closed   bool
}

func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues item, blocking while the queue is full. It returns false
// if the queue was closed before room became available.
func (q *Queue) Push(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

// Pop dequeues the oldest item, blocking while the queue is empty. It
// returns false once the queue is closed and drained.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

// Close wakes every blocked Push/Pop. Pending items already enqueued may
// still be drained by Pop until the queue is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
