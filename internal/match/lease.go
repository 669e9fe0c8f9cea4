package match

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// node is a pairing-heap node ordered by deadline (min-heap). Children
// are kept as a singly-linked list via child/next, with a parent back
// pointer so a node can be cut out of the middle of its sibling list
// without rescanning the whole heap.
type node struct {
	deadline time.Time
	guid     rtps.GUID
	parent   *node
	child    *node
	next     *node
}

func mergeNodes(a, b *node) *node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.deadline.Before(a.deadline) {
		a, b = b, a
	}
	b.parent = a
	b.next = a.child
	a.child = b
	return a
}

// twoPassMerge combines a node's former children (a singly-linked list)
// into a single heap, pairing neighbors left-to-right and then folding
// the results right-to-left — the standard pairing-heap extract-min
// step that gives O(log n) amortized ExtractMin.
func twoPassMerge(first *node) *node {
	if first == nil {
		return nil
	}
	var pairs []*node
	cur := first
	for cur != nil {
		a := cur
		b := cur.next
		a.next = nil
		a.parent = nil
		if b != nil {
			cur = b.next
			b.next = nil
			b.parent = nil
			pairs = append(pairs, mergeNodes(a, b))
		} else {
			cur = nil
			pairs = append(pairs, a)
		}
	}
	merged := pairs[len(pairs)-1]
	for i := len(pairs) - 2; i >= 0; i-- {
		merged = mergeNodes(pairs[i], merged)
	}
	return merged
}

// MinEntry is the lock-free-readable snapshot of the heap's minimum,
// published after every mutating operation so observers never need the
// heap's own lock.
type MinEntry struct {
	GUID     rtps.GUID
	Deadline time.Time
}

// Admin is a per-participant lease administration heap: a pairing heap
// (a far simpler structure than the fibonacci heap real DDS stacks
// use, with comparable amortized bounds) ordered by deadline, plus
// a GUID index so a renewal or cancellation can find its node directly
// instead of searching.
//
// Renewal that moves a deadline earlier is a textbook O(1) amortized
// DecreaseKey. Lease renewal in this protocol always pushes the
// deadline later, which a pairing heap cannot do in-place (only
// decrease-key is cheap); those renewals fall back to cut-and-reinsert,
// O(log n) amortized via the same two-pass merge ExtractMin uses.
type Admin struct {
	mu    sync.Mutex
	root  *node
	size  int
	nodes map[rtps.GUID]*node

	published atomic.Pointer[MinEntry]
}

func NewAdmin() *Admin {
	return &Admin{nodes: make(map[rtps.GUID]*node)}
}

func (a *Admin) publish() {
	if a.root == nil {
		a.published.Store(nil)
		return
	}
	a.published.Store(&MinEntry{GUID: a.root.guid, Deadline: a.root.deadline})
}

// MinDeadline returns the current minimum deadline without taking the
// lock.
func (a *Admin) MinDeadline() (MinEntry, bool) {
	p := a.published.Load()
	if p == nil {
		return MinEntry{}, false
	}
	return *p, true
}

// Track registers guid with the given initial lease deadline.
func (a *Admin) Track(guid rtps.GUID, deadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := &node{deadline: deadline, guid: guid}
	a.root = mergeNodes(a.root, n)
	a.nodes[guid] = n
	a.size++
	a.publish()
}

func (a *Admin) cut(n *node) {
	if n.parent == nil {
		if a.root == n {
			a.root = twoPassMerge(n.child)
		}
		return
	}
	p := n.parent
	if p.child == n {
		p.child = n.next
	} else {
		cur := p.child
		for cur.next != n {
			cur = cur.next
		}
		cur.next = n.next
	}
	n.parent = nil
	n.next = nil
}

// Renew moves guid's lease deadline forward. Safe to call after the
// lease was already canceled (no-op).
func (a *Admin) Renew(guid rtps.GUID, newDeadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[guid]
	if !ok {
		return
	}
	if newDeadline.Before(n.deadline) {
		n.deadline = newDeadline
		if n != a.root {
			a.cut(n)
			a.root = mergeNodes(a.root, n)
		}
		a.publish()
		return
	}
	// Increasing deadline: cut out, splice children back into the root
	// list, then reinsert at the new deadline.
	children := n.child
	n.child = nil
	if n == a.root {
		a.root = twoPassMerge(children)
	} else {
		a.cut(n)
		for c := children; c != nil; {
			nxt := c.next
			c.next = nil
			c.parent = nil
			a.root = mergeNodes(a.root, c)
			c = nxt
		}
	}
	n.deadline = newDeadline
	n.next = nil
	n.parent = nil
	a.root = mergeNodes(a.root, n)
	a.publish()
}

// Cancel removes guid from lease administration (endpoint/participant
// deletion).
func (a *Admin) Cancel(guid rtps.GUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[guid]
	if !ok {
		return
	}
	delete(a.nodes, guid)
	a.size--
	if n == a.root {
		children := n.child
		a.root = twoPassMerge(children)
		a.publish()
		return
	}
	a.cut(n)
	for c := n.child; c != nil; {
		nxt := c.next
		c.next = nil
		c.parent = nil
		a.root = mergeNodes(a.root, c)
		c = nxt
	}
	a.publish()
}

// ExpireBefore pops and returns every GUID whose deadline is at or
// before now, in deadline order.
func (a *Admin) ExpireBefore(now time.Time) []rtps.GUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var expired []rtps.GUID
	for a.root != nil && !a.root.deadline.After(now) {
		g := a.root.guid
		delete(a.nodes, g)
		a.size--
		a.root = twoPassMerge(a.root.child)
		expired = append(expired, g)
	}
	a.publish()
	return expired
}

func (a *Admin) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}
