// Package defrag implements per-proxy-writer fragment reassembly. Each
// in-flight sample is a map of received fragment buffers keyed by
// fragment number, joined in fragment-number order; once every fragment is present
// the assembled sample is handed to the caller for forwarding into the
// reorder buffer.
//
// The table is a map guarded by one mutex with an explicit bound and an
// eviction policy (DROP_OLDEST / DROP_NEWEST) for what happens when it
// fills up.
package defrag

import (
	"sync"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// OverflowPolicy selects what happens when accept would exceed the
// configured resource bound.
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	DropNewest
)

// Outcome is accept's result.
type Outcome int

const (
	Complete Outcome = iota
	InProgress
	Dropped
)

type partial struct {
	seq        rtps.SequenceNumber
	totalSize  int
	received   map[rtps.FragmentNumber][]byte
	bitmapSize rtps.FragmentNumber // total fragment count for this sample
}

func (p *partial) complete() bool {
	return rtps.FragmentNumber(len(p.received)) == p.bitmapSize
}

func (p *partial) assemble() []byte {
	out := make([]byte, 0, p.totalSize)
	for f := rtps.FragStart; f < rtps.FragStart+p.bitmapSize; f++ {
		out = append(out, p.received[f]...)
	}
	return out
}

// Stats are published via the metrics package.
type Stats struct {
	DiscardedFragmentBytes int64
	DroppedSamples         int64
}

// Defragmenter reassembles fragments for one proxy writer.
type Defragmenter struct {
	mu          sync.Mutex
	maxInFlight int
	policy      OverflowPolicy

	lastDeliveredSeq rtps.SequenceNumber
	order            []rtps.SequenceNumber // ascending insertion order, oldest first
	inFlight         map[rtps.SequenceNumber]*partial

	stats Stats
}

func New(maxInFlight int, policy OverflowPolicy) *Defragmenter {
	return &Defragmenter{
		maxInFlight:      maxInFlight,
		policy:           policy,
		lastDeliveredSeq: rtps.SeqUnknown,
		inFlight:         make(map[rtps.SequenceNumber]*partial),
	}
}

// SetLastDeliveredSeq lets the reorder buffer tell the defragmenter how
// far delivery has progressed, so fragments for already-delivered
// samples are discarded outright.
func (d *Defragmenter) SetLastDeliveredSeq(seq rtps.SequenceNumber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.lastDeliveredSeq {
		d.lastDeliveredSeq = seq
	}
}

// Accept ingests one fragment of sample seq, where the sample is known
// to consist of totalFrags fragments in total and frag is 1-based. It
// returns Complete with the assembled sample bytes once every fragment
// has arrived, InProgress while more are still expected (a duplicate
// fragment is discarded and also reports InProgress), or Dropped if the
// fragment was discarded as stale or refused by the overflow policy.
func (d *Defragmenter) Accept(seq rtps.SequenceNumber, frag rtps.FragmentNumber, totalFrags rtps.FragmentNumber, data []byte) (Outcome, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq <= d.lastDeliveredSeq {
		d.stats.DiscardedFragmentBytes += int64(len(data))
		return Dropped, nil
	}

	p, ok := d.inFlight[seq]
	if !ok {
		if len(d.inFlight) >= d.maxInFlight {
			if !d.evictForNewEntry(seq) {
				d.stats.DiscardedFragmentBytes += int64(len(data))
				return Dropped, nil
			}
		}
		p = &partial{seq: seq, received: make(map[rtps.FragmentNumber][]byte), bitmapSize: totalFrags}
		d.inFlight[seq] = p
		d.order = append(d.order, seq)
	}

	if _, dup := p.received[frag]; dup {
		d.stats.DiscardedFragmentBytes += int64(len(data))
		return InProgress, nil
	}

	p.received[frag] = data
	p.totalSize += len(data)
	if !p.complete() {
		return InProgress, nil
	}

	assembled := p.assemble()
	delete(d.inFlight, seq)
	d.removeFromOrder(seq)
	return Complete, assembled
}

// evictForNewEntry applies the overflow policy when the table is full
// and a fragment for a brand-new sample arrives. Returns false if the
// incoming fragment itself should be dropped instead (DROP_NEWEST).
func (d *Defragmenter) evictForNewEntry(incoming rtps.SequenceNumber) bool {
	if d.policy == DropNewest {
		return false
	}
	// DROP_OLDEST: evict the lowest-seq partial sample to make room.
	if len(d.order) == 0 {
		return true
	}
	idx := 0
	for i, s := range d.order {
		if s < d.order[idx] {
			idx = i
		}
	}
	oldest := d.order[idx]
	delete(d.inFlight, oldest)
	d.order = append(d.order[:idx], d.order[idx+1:]...)
	d.stats.DroppedSamples++
	return true
}

func (d *Defragmenter) removeFromOrder(seq rtps.SequenceNumber) {
	for i, s := range d.order {
		if s == seq {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (d *Defragmenter) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// InFlight reports how many partial samples are currently buffered.
func (d *Defragmenter) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
