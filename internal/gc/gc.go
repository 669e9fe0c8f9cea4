// Package gc implements quiescence-based deferred reclamation. Every
// worker goroutine that may hold an internal pointer
// into a shared entity carries a VTime counter that is even while the
// goroutine is "awake" (may be touching shared state) and odd while
// "asleep" (blocked on a channel, a condition variable, or idle).
// Deleting an entity stamps the current VTime of every registered
// worker; the deletion is only safe to finalize once each worker has
// either advanced past its stamped value or can be shown to have been
// asleep continuously since the stamp was taken — in either case, it
// cannot still be mid-access to the entity through a pointer it grabbed
// before the delete.
//
// Proxy writers need one more stage: even once every worker has
// quiesced, a goroutine may still be about to pop a reference to the
// proxy writer off its delivery queue. A "bubble" marker
// is pushed into that queue after quiescence; reclamation waits for it
// to be drained before the free callback runs, guaranteeing no consumer
// can still be holding a reference obtained from the queue.
package gc

import (
	"sync"
	"sync/atomic"

	"github.com/rtps-core/ddsi/internal/delivery"
)

// VTime is one worker thread's quiescence counter.
type VTime struct {
	v int64
}

// Tick records a wake/sleep transition. Callers alternate: Tick on
// waking up (becomes even), Tick again on going back to sleep (becomes
// odd).
func (vt *VTime) Tick() { atomic.AddInt64(&vt.v, 1) }

// Load reads the current counter value.
func (vt *VTime) Load() int64 { return atomic.LoadInt64(&vt.v) }

func odd(v int64) bool { return v%2 != 0 }

type request struct {
	id     uint64
	stamps []int64
	free   func()

	queue         *delivery.Queue
	needsBubble   bool
	bubblePushed  bool
	bubbleDrained bool
}

func (r *request) workersQuiesced(current []int64) bool {
	for i, stamp := range r.stamps {
		cur := current[i]
		if cur > stamp {
			continue
		}
		if cur == stamp && odd(stamp) {
			continue // asleep at enqueue time and never woke since
		}
		return false
	}
	return true
}

func (r *request) eligible(current []int64) bool {
	if !r.workersQuiesced(current) {
		return false
	}
	if !r.needsBubble {
		return true
	}
	return r.bubbleDrained
}

// GC coordinates deferred reclamation across every registered worker.
type GC struct {
	mu      sync.Mutex
	workers []*VTime
	pending []*request
	nextID  uint64
}

func New() *GC {
	return &GC{}
}

// Register adds a worker's VTime to the set every deletion request must
// quiesce against. Order is stable for the lifetime of the GC.
func (g *GC) Register(vt *VTime) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, vt)
}

func (g *GC) snapshot() []int64 {
	out := make([]int64, len(g.workers))
	for i, w := range g.workers {
		out[i] = w.Load()
	}
	return out
}

// Enqueue schedules free to run once every registered worker has
// quiesced past this point in time.
func (g *GC) Enqueue(free func()) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.pending = append(g.pending, &request{id: id, stamps: g.snapshot(), free: free})
	return id
}

// EnqueueProxyWriterDeletion additionally waits for a bubble marker to
// drain from q before free runs.
func (g *GC) EnqueueProxyWriterDeletion(free func(), q *delivery.Queue) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.pending = append(g.pending, &request{
		id: id, stamps: g.snapshot(), free: free, queue: q, needsBubble: true,
	})
	return id
}

// NotifyBubbleDrained is called by whatever consumer goroutine pops a
// Bubble item off a delivery queue, so the matching request can proceed
// to reclamation on the next Poll.
func (g *GC) NotifyBubbleDrained(bubbleID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.pending {
		if r.id == bubbleID {
			r.bubbleDrained = true
			return
		}
	}
}

// Poll checks every pending request against the current worker VTimes,
// runs the free callback for any that have become eligible, and pushes
// bubble markers for proxy-writer requests that just quiesced but
// haven't been marked yet. Intended to be called periodically from the
// transmit scheduler.
func (g *GC) Poll() {
	g.mu.Lock()
	current := g.snapshot()

	var remaining []*request
	var ready []*request
	for _, r := range g.pending {
		if r.needsBubble && !r.bubblePushed && r.workersQuiesced(current) {
			r.bubblePushed = true
			q := r.queue
			id := r.id
			go func() { q.Push(delivery.Item{Bubble: true, BubbleID: id}) }()
		}
		if r.eligible(current) {
			ready = append(ready, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	g.pending = remaining
	g.mu.Unlock()

	for _, r := range ready {
		r.free()
	}
}

// Pending reports how many deletion requests are still outstanding.
func (g *GC) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
