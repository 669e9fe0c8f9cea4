// Package scheduler implements the min-heap of timed events driving
// heartbeats, retransmits, ACKNACK coalescing and lease-expiry checks:
// a container/heap of deadline-ordered callbacks popped by one worker
// goroutine, with O(log n) cancellation through handles.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Callback is invoked when an event's deadline has passed. It runs
// without the scheduler's internal lock held, so it may safely
// reschedule another event (including itself).
type Callback func(now time.Time)

type event struct {
	deadline time.Time
	cb       Callback
	index    int // heap index, maintained by container/heap; -1 once removed
	canceled bool
}

type eventHeap []*event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x any) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle lets a caller cancel a previously scheduled event in O(log n).
type Handle struct {
	s *Scheduler
	e *event
}

// Cancel removes the event if it has not already fired. Safe to call
// more than once, and safe to call from inside the event's own callback.
func (h Handle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.e.index < 0 || h.e.canceled {
		return
	}
	h.e.canceled = true
	heap.Remove(&h.s.heap, h.e.index)
}

// Scheduler owns the min-heap and a single worker goroutine. One
// One Scheduler exists per domain.
type Scheduler struct {
	mu     sync.Mutex
	heap   eventHeap
	wake   chan struct{}
	stop   chan struct{}
	doneWg sync.WaitGroup

	now func() time.Time // overridable for tests
}

func New() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		now:  time.Now,
	}
	s.doneWg.Add(1)
	go s.run()
	return s
}

// Schedule enqueues cb to run at deadline. Returns a Handle for
// cancellation.
func (s *Scheduler) Schedule(deadline time.Time, cb Callback) Handle {
	s.mu.Lock()
	e := &event{deadline: deadline, cb: cb}
	heap.Push(&s.heap, e)
	soonest := s.heap[0] == e
	s.mu.Unlock()
	if soonest {
		s.poke()
	}
	return Handle{s: s, e: e}
}

// After is a convenience wrapper scheduling cb to run after d.
func (s *Scheduler) After(d time.Duration, cb Callback) Handle {
	return s.Schedule(s.now().Add(d), cb)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop halts the worker goroutine. Pending events never fire.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.doneWg.Wait()
}

func (s *Scheduler) run() {
	defer s.doneWg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = s.heap[0].deadline.Sub(s.now())
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	now := s.now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*event)
		s.mu.Unlock()
		if e.canceled {
			continue
		}
		e.cb(now)
	}
}

// Len reports the number of pending (not yet fired, not canceled) events.
// Intended for tests and admin introspection.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
