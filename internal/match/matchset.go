package match

import (
	"sync"

	"github.com/rtps-core/ddsi/internal/avl"
	"github.com/rtps-core/ddsi/internal/rtps"
)

func cmpGUID(a, b rtps.GUID) int {
	for i := range a.Prefix {
		if a.Prefix[i] != b.Prefix[i] {
			if a.Prefix[i] < b.Prefix[i] {
				return -1
			}
			return 1
		}
	}
	for i := range a.Entity {
		if a.Entity[i] != b.Entity[i] {
			if a.Entity[i] < b.Entity[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Record is what gets stored in each endpoint's match tree: the
// far-end GUID this endpoint matched with, and whether the match is
// reliable (which decides whether a heartbeat/ACKNACK pair on J is
// allocated).
type Record struct {
	Remote   rtps.GUID
	Reliable bool
}

// Set is one endpoint's AVL tree of active matches, keyed by the remote
// GUID: a match record is inserted into both endpoints' per-endpoint
// AVL trees.
type Set struct {
	mu   sync.RWMutex
	tree *avl.Tree[rtps.GUID, Record]
}

func NewSet() *Set {
	return &Set{tree: avl.New[rtps.GUID, Record](cmpGUID)}
}

func (s *Set) Add(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Insert(r.Remote, r)
}

func (s *Set) Remove(remote rtps.GUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(remote)
}

func (s *Set) Get(remote rtps.GUID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Get(remote)
}

func (s *Set) Each(fn func(Record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Each(func(_ rtps.GUID, r Record) bool { return fn(r) })
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
