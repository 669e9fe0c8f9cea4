// Package addrset implements a ref-counted, copy-on-write set of
// destination locators shared across many matched endpoints: one
// ordered tree of unicast locators and one of multicast locators,
// behind a single mutex and an atomic refcount.
package addrset

import (
	"sync"
	"sync/atomic"

	"github.com/rtps-core/ddsi/internal/avl"
	"github.com/rtps-core/ddsi/internal/rtps"
)

func cmpLocator(a, b rtps.Locator) int { return a.Compare(b) }

// AddrSet holds a unicast and a multicast locator tree behind one mutex
// and a refcount. Once refcount > 1, any mutating method clones the
// underlying trees first so concurrent holders of the old value never
// observe a partial mutation via copy-on-write.
type AddrSet struct {
	mu        sync.Mutex
	refcount  int32
	unicast   *avl.Tree[rtps.Locator, struct{}]
	multicast *avl.Tree[rtps.Locator, struct{}]
}

// New creates an empty AddrSet with an initial refcount of 1.
func New() *AddrSet {
	return &AddrSet{
		refcount:  1,
		unicast:   avl.New[rtps.Locator, struct{}](cmpLocator),
		multicast: avl.New[rtps.Locator, struct{}](cmpLocator),
	}
}

// Ref increments the refcount and returns the same AddrSet.
func (a *AddrSet) Ref() *AddrSet {
	atomic.AddInt32(&a.refcount, 1)
	return a
}

// Unref decrements the refcount, returning true if it reached zero (the
// caller should then drop its last pointer to a).
func (a *AddrSet) Unref() bool {
	return atomic.AddInt32(&a.refcount, -1) == 0
}

func (a *AddrSet) refCount() int32 { return atomic.LoadInt32(&a.refcount) }

// cow clones the trees before a mutation if other owners might be
// observing the current trees (refcount > 1). Returns the tree pointers
// to mutate in place.
func (a *AddrSet) cow() (*avl.Tree[rtps.Locator, struct{}], *avl.Tree[rtps.Locator, struct{}]) {
	if a.refCount() <= 1 {
		return a.unicast, a.multicast
	}
	uni := avl.New[rtps.Locator, struct{}](cmpLocator)
	a.unicast.Each(func(l rtps.Locator, _ struct{}) bool { uni.Insert(l, struct{}{}); return true })
	mc := avl.New[rtps.Locator, struct{}](cmpLocator)
	a.multicast.Each(func(l rtps.Locator, _ struct{}) bool { mc.Insert(l, struct{}{}); return true })
	return uni, mc
}

// AddUnicast adds a unicast locator.
func (a *AddrSet) AddUnicast(l rtps.Locator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	uni, mc := a.cow()
	uni.Insert(l, struct{}{})
	a.unicast, a.multicast = uni, mc
}

// AddMulticast adds a multicast locator.
func (a *AddrSet) AddMulticast(l rtps.Locator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	uni, mc := a.cow()
	mc.Insert(l, struct{}{})
	a.unicast, a.multicast = uni, mc
}

// Remove removes l from whichever tree holds it.
func (a *AddrSet) Remove(l rtps.Locator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	uni, mc := a.cow()
	uni.Delete(l)
	mc.Delete(l)
	a.unicast, a.multicast = uni, mc
}

// Locators returns every locator (unicast then multicast) as a snapshot
// slice safe to use without the lock.
func (a *AddrSet) Locators() []rtps.Locator {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []rtps.Locator
	a.unicast.Each(func(l rtps.Locator, _ struct{}) bool { out = append(out, l); return true })
	a.multicast.Each(func(l rtps.Locator, _ struct{}) bool { out = append(out, l); return true })
	return out
}

// Empty reports whether the set has no locators at all.
func (a *AddrSet) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unicast.Len() == 0 && a.multicast.Len() == 0
}

// Contains reports whether l is a member of the set.
func (a *AddrSet) Contains(l rtps.Locator) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.unicast.Get(l); ok {
		return true
	}
	_, ok := a.multicast.Get(l)
	return ok
}
