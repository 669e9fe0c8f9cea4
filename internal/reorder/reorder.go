// Package reorder implements per-proxy-writer in-order delivery.
// Samples that arrive ahead of expected_next_seq are buffered until the
// gap closes (either by the missing samples arriving or by a GAP
// submessage declaring them irrecoverable); samples that arrive behind
// it are discarded.
//
// Like the defragmenter, this is a bounded map behind a mutex with an
// explicit overflow policy: a reorder buffer only ever needs to survive
// for the lifetime of a live connection, not a process restart.
package reorder

import (
	"sync"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// OverflowPolicy selects what Accept returns when the buffer is at
// capacity and the incoming sample can't be delivered immediately.
type OverflowPolicy int

const (
	// NotAccepted lets the reliability layer re-request the sample later
	// (appropriate for KEEP_ALL matches).
	NotAccepted OverflowPolicy = iota
	// DropOverCapacity silently discards samples once the buffer is full
	// (appropriate for KEEP_LAST matches).
	DropOverCapacity
)

// Outcome is Accept's result.
type Outcome int

const (
	Delivered Outcome = iota
	Buffered
	Discarded
	Rejected
)

// Stats are published via the metrics package.
type Stats struct {
	DiscardedSampleBytes int64
}

// Buffer reorders samples for one proxy writer into strictly monotonic
// delivery order. Delivery ordering across distinct Buffers is
// unspecified.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	policy   OverflowPolicy

	expectedNext rtps.SequenceNumber
	pending      map[rtps.SequenceNumber][]byte
	skipped      map[rtps.SequenceNumber]struct{}

	stats Stats
}

func New(capacity int, policy OverflowPolicy, firstExpected rtps.SequenceNumber) *Buffer {
	return &Buffer{
		capacity:     capacity,
		policy:       policy,
		expectedNext: firstExpected,
		pending:      make(map[rtps.SequenceNumber][]byte),
		skipped:      make(map[rtps.SequenceNumber]struct{}),
	}
}

// Accept ingests one fully-reassembled sample. On Delivered it
// additionally returns the run of now-contiguous samples (in seq
// order) ready for the delivery queue, starting with the sample just
// accepted; every other outcome returns no run.
func (b *Buffer) Accept(seq rtps.SequenceNumber, data []byte) (Outcome, []rtps.SequenceNumber, [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case seq < b.expectedNext:
		b.stats.DiscardedSampleBytes += int64(len(data))
		return Discarded, nil, nil
	case seq == b.expectedNext:
		b.pending[seq] = data
		seqs, payloads := b.drain()
		return Delivered, seqs, payloads
	default:
		if _, already := b.pending[seq]; !already && len(b.pending) >= b.capacity {
			if b.policy == DropOverCapacity {
				b.stats.DiscardedSampleBytes += int64(len(data))
				return Discarded, nil, nil
			}
			return Rejected, nil, nil
		}
		b.pending[seq] = data
		return Buffered, nil, nil
	}
}

// drain delivers expectedNext and every contiguous successor already
// buffered or marked skipped, advancing expectedNext past them. A
// skipped seq advances the cursor but contributes no entry to the
// returned run — there is no sample to hand the delivery queue for it.
func (b *Buffer) drain() ([]rtps.SequenceNumber, [][]byte) {
	var seqs []rtps.SequenceNumber
	var payloads [][]byte
	for {
		if data, ok := b.pending[b.expectedNext]; ok {
			delete(b.pending, b.expectedNext)
			seqs = append(seqs, b.expectedNext)
			payloads = append(payloads, data)
			b.expectedNext++
			continue
		}
		if _, ok := b.skipped[b.expectedNext]; ok {
			delete(b.skipped, b.expectedNext)
			b.expectedNext++
			continue
		}
		break
	}
	return seqs, payloads
}

// AdvancePastGap handles the contiguous prefix of a GAP submessage (or
// a HEARTBEAT's firstSN): seqs up to but excluding upTo (i.e.
// [expected_next, upTo)) are irrecoverable and treated as
// delivered-but-skipped. Returns any newly-contiguous buffered samples
// that this unblocks.
func (b *Buffer) AdvancePastGap(upTo rtps.SequenceNumber) ([]rtps.SequenceNumber, [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if upTo > b.expectedNext {
		b.expectedNext = upTo
	}
	return b.drain()
}

// MarkSkipped handles the scattered-bits half of a GAP submessage: each
// seq named is irrecoverable on its own, independent of whether it is
// reachable by AdvancePastGap's contiguous prefix. A seq already below
// expected_next or already buffered with real data is left alone.
// Returns any newly-contiguous run this unblocks.
func (b *Buffer) MarkSkipped(seqs []rtps.SequenceNumber) ([]rtps.SequenceNumber, [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range seqs {
		if s < b.expectedNext {
			continue
		}
		if _, ok := b.pending[s]; ok {
			continue
		}
		b.skipped[s] = struct{}{}
	}
	return b.drain()
}

// Missing returns the set of sequence numbers in [expected_next, seq]
// not yet present or skipped, for the reliability layer to report to
// the writer.
func (b *Buffer) Missing(upTo rtps.SequenceNumber) []rtps.SequenceNumber {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []rtps.SequenceNumber
	for s := b.expectedNext; s <= upTo; s++ {
		if _, ok := b.pending[s]; ok {
			continue
		}
		if _, ok := b.skipped[s]; ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ExpectedNext returns the next sequence number delivery is waiting on.
func (b *Buffer) ExpectedNext() rtps.SequenceNumber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expectedNext
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
