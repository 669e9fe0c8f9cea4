// Package entity implements the hash-indexed registry of participants,
// readers and writers keyed by GUID. Entities of one kind are spread
// across a fixed set of independently-locked buckets selected by
// hashing the GUID, so one hot topic's churn doesn't serialize lookups
// for every other topic.
package entity

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/rtps-core/ddsi/internal/rtps"
)

const shardCount = 16

// Kind distinguishes which per-kind index a GUID belongs to.
type Kind int

const (
	KindParticipant Kind = iota
	KindWriter
	KindReader
	KindProxyParticipant
	KindProxyWriter
	KindProxyReader
)

func shardFor(g rtps.GUID) int {
	h := sha256.Sum256(append(append([]byte{}, g.Prefix[:]...), g.Entity[:]...))
	return int(binary.BigEndian.Uint32(h[:4]) % shardCount)
}

type shard[T any] struct {
	mu sync.RWMutex
	m  map[rtps.GUID]T
}

// Index is a concurrency-safe GUID-keyed registry for one entity kind.
// Remove is synchronous: once it returns, no concurrent Lookup can begin
// returning the removed entity, though a Lookup already in flight may
// still have a reference the caller must treat as a liveness reference
// (freeing is deferred to the garbage collector).
type Index[T any] struct {
	kind   Kind
	shards [shardCount]*shard[T]
}

func New[T any](kind Kind) *Index[T] {
	idx := &Index[T]{kind: kind}
	for i := range idx.shards {
		idx.shards[i] = &shard[T]{m: make(map[rtps.GUID]T)}
	}
	return idx
}

func (idx *Index[T]) shard(g rtps.GUID) *shard[T] {
	return idx.shards[shardFor(g)]
}

// Insert adds the entity registered under g. Returns false
// if g was already present. Reporting a duplicate GUID as a precondition
// failure is the caller's responsibility; Insert merely refuses to
// silently clobber an existing registration unless Replace is used.
func (idx *Index[T]) Insert(g rtps.GUID, v T) bool {
	s := idx.shard(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[g]; exists {
		return false
	}
	s.m[g] = v
	return true
}

// Replace unconditionally sets the entity for g.
func (idx *Index[T]) Replace(g rtps.GUID, v T) {
	s := idx.shard(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[g] = v
}

// Lookup returns the entity registered under g, if any.
func (idx *Index[T]) Lookup(g rtps.GUID) (T, bool) {
	s := idx.shard(g)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[g]
	return v, ok
}

// Remove deletes g synchronously, returning the removed value.
func (idx *Index[T]) Remove(g rtps.GUID) (T, bool) {
	s := idx.shard(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[g]
	if ok {
		delete(s.m, g)
	}
	return v, ok
}

// Enumerate yields a consistent snapshot of every (GUID, entity) pair.
// Each shard is copied independently under its own lock, so the overall
// snapshot is not a single atomic point in time across shards, but each
// individual shard's contribution is a consistent snapshot for the
// duration of a single step.
func (idx *Index[T]) Enumerate() map[rtps.GUID]T {
	out := make(map[rtps.GUID]T)
	for _, s := range idx.shards {
		s.mu.RLock()
		for k, v := range s.m {
			out[k] = v
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the total number of registered entities.
func (idx *Index[T]) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
