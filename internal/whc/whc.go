// Package whc implements the per-writer history cache: an ordered map
// from sequence number to sample plus a secondary index by instance
// key, with byte-accounted high/low watermark throttling.
//
// The cache is deliberately a replay buffer, not a database — losing it
// on crash just means lost retransmit capacity, not lost data — so
// there is no persistence underneath it, only a map behind a mutex and
// a condition variable for the high/low watermark hysteresis.
package whc

import (
	"errors"
	"sync"
	"time"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// ErrFull is returned by Insert in non-blocking mode when unacked_bytes
// has already reached the high watermark. The size of the incoming
// sample is not part of the check, so an accepted sample can take
// unacked_bytes past the high watermark.
var ErrFull = errors.New("whc: high watermark exceeded")

// ErrTrimmed is returned by Borrow/BorrowFrag when the requested
// sequence number has already been removed from the cache. The caller
// turns this into a GAP — at fragment granularity a GAP
// covering the whole sample, since a writer that still holds the
// sequence number always holds all of it.
var ErrTrimmed = errors.New("whc: sample no longer retained")

// HistoryKind selects the retention policy.
type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

// QoS configures one WHC instance.
type QoS struct {
	Kind          HistoryKind
	Depth         int // meaningful only when Kind == KeepLast
	HighWatermark int
	LowWatermark  int
	FragmentSize  int
}

// Sample is one entry's payload, handed back to callers on borrow or on
// ack-driven eviction.
type Sample struct {
	Seq         rtps.SequenceNumber
	InstanceKey string
	Data        []byte
	CsSeq       int64 // 0 if not part of a coherent set
}

type entry struct {
	sample Sample
	size   int
	acked  bool // acked by every reliable match but retained by KEEP_LAST
}

// Stats are the throttle counters published via the metrics package.
type Stats struct {
	ThrottleCount   int64
	ThrottleBlocked time.Duration
}

// WHC is a single writer's reliability retransmit buffer.
type WHC struct {
	mu   sync.Mutex
	cond *sync.Cond
	qos  QoS

	samples map[rtps.SequenceNumber]*entry
	order   []rtps.SequenceNumber            // ascending; insert order == seq order
	byInst  map[string][]rtps.SequenceNumber // ascending per instance key

	minSeq       rtps.SequenceNumber
	maxSeq       rtps.SequenceNumber
	unackedBytes int

	stats Stats

	nextCsSeq int64
	openCsSeq int64 // 0 when no coherent set is currently open
	csMembers map[int64][]rtps.SequenceNumber
}

func New(qos QoS) *WHC {
	w := &WHC{
		qos:       qos,
		samples:   make(map[rtps.SequenceNumber]*entry),
		byInst:    make(map[string][]rtps.SequenceNumber),
		minSeq:    rtps.SeqUnknown,
		maxSeq:    rtps.SeqUnknown,
		csMembers: make(map[int64][]rtps.SequenceNumber),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Insert adds a new sample at seq. If unacked_bytes has already reached
// the high watermark, it either blocks until the low watermark is
// reached (blocking == true) or returns ErrFull immediately. The
// incoming sample's own size is not counted in that check.
func (w *WHC) Insert(seq rtps.SequenceNumber, instanceKey string, data []byte, blocking bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.unackedBytes >= w.qos.HighWatermark {
		if !blocking {
			return ErrFull
		}
		w.stats.ThrottleCount++
		start := time.Now()
		for w.unackedBytes > w.qos.LowWatermark {
			w.cond.Wait()
		}
		w.stats.ThrottleBlocked += time.Since(start)
	}
	w.insertLocked(seq, instanceKey, data)
	return nil
}

// InsertTimeout behaves like Insert(blocking=true) but gives up once
// timeout elapses without the low watermark being reached, returning
// ErrFull and leaving the sample uninserted. A timeout of zero returns
// ErrFull immediately, never blocking.
func (w *WHC) InsertTimeout(seq rtps.SequenceNumber, instanceKey string, data []byte, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.unackedBytes >= w.qos.HighWatermark {
		if timeout <= 0 {
			return ErrFull
		}
		w.stats.ThrottleCount++
		start := time.Now()
		deadline := start.Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		})
		defer timer.Stop()
		for w.unackedBytes > w.qos.LowWatermark && time.Now().Before(deadline) {
			w.cond.Wait()
		}
		w.stats.ThrottleBlocked += time.Since(start)
		if w.unackedBytes > w.qos.LowWatermark {
			return ErrFull
		}
	}
	w.insertLocked(seq, instanceKey, data)
	return nil
}

// insertLocked performs the actual insertion; callers must hold w.mu and
// have already satisfied the watermark condition.
func (w *WHC) insertLocked(seq rtps.SequenceNumber, instanceKey string, data []byte) {
	size := len(data)
	e := &entry{sample: Sample{Seq: seq, InstanceKey: instanceKey, Data: data, CsSeq: w.openCsSeq}, size: size}
	w.samples[seq] = e
	w.order = append(w.order, seq)
	w.byInst[instanceKey] = append(w.byInst[instanceKey], seq)
	w.unackedBytes += size
	if w.openCsSeq != 0 {
		w.csMembers[w.openCsSeq] = append(w.csMembers[w.openCsSeq], seq)
	}

	if w.minSeq == rtps.SeqUnknown {
		w.minSeq = seq
	}
	w.maxSeq = seq
}

// BeginCoherentSet opens a new coherent set: every sample Inserted until
// the matching EndCoherentSet is tagged with the returned cs_seq, so
// retransmission can keep the group together at a throttle boundary
// while the set is still open. Once the set is closed, retransmission
// treats its members individually.
func (w *WHC) BeginCoherentSet() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextCsSeq++
	w.openCsSeq = w.nextCsSeq
	return w.openCsSeq
}

// EndCoherentSet closes whichever coherent set is currently open.
func (w *WHC) EndCoherentSet() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.openCsSeq = 0
}

// IsCoherentSetOpen reports whether csSeq is still open (more samples
// may yet be added to it).
func (w *WHC) IsCoherentSetOpen(csSeq int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return csSeq != 0 && csSeq == w.openCsSeq
}

// CoherentSetMembers returns every sequence number tagged with csSeq
// that the cache still retains, ascending.
func (w *WHC) CoherentSetMembers(csSeq int64) []rtps.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()
	if csSeq == 0 {
		return nil
	}
	out := make([]rtps.SequenceNumber, 0, len(w.csMembers[csSeq]))
	for _, seq := range w.csMembers[csSeq] {
		if _, ok := w.samples[seq]; ok {
			out = append(out, seq)
		}
	}
	return out
}

// removable reports whether e may be evicted now that it is acked by
// every reliable match. KEEP_LAST retains the Depth highest sequence
// numbers per instance unconditionally, ack state notwithstanding.
func (w *WHC) removable(e *entry) bool {
	if w.qos.Kind == KeepAll {
		return true
	}
	seqs := w.byInst[e.sample.InstanceKey]
	pos := -1
	for i, s := range seqs {
		if s == e.sample.Seq {
			pos = i
			break
		}
	}
	if pos < 0 {
		return true
	}
	return pos < len(seqs)-w.qos.Depth
}

func (w *WHC) dropFromInstance(e *entry) {
	seqs := w.byInst[e.sample.InstanceKey]
	for i, s := range seqs {
		if s == e.sample.Seq {
			w.byInst[e.sample.InstanceKey] = append(seqs[:i], seqs[i+1:]...)
			break
		}
	}
	if len(w.byInst[e.sample.InstanceKey]) == 0 {
		delete(w.byInst, e.sample.InstanceKey)
	}
}

// RemoveAckedMessages evicts every entry with seq <= minAckSeq that
// KEEP_LAST doesn't require retaining, and returns the freed samples for
// the caller to release outside any lock. An acked entry KEEP_LAST does
// retain stops counting against unacked_bytes: it is held for
// late-joining readers, not for outstanding acknowledgments.
func (w *WHC) RemoveAckedMessages(minAckSeq rtps.SequenceNumber) []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	var freed []Sample
	kept := w.order[:0:0]
	i := 0
	for ; i < len(w.order) && w.order[i] <= minAckSeq; i++ {
		seq := w.order[i]
		e := w.samples[seq]
		if w.removable(e) {
			delete(w.samples, seq)
			w.dropFromInstance(e)
			if !e.acked {
				w.unackedBytes -= e.size
			}
			freed = append(freed, e.sample)
			continue
		}
		if !e.acked {
			e.acked = true
			w.unackedBytes -= e.size
		}
		kept = append(kept, seq)
	}
	w.order = append(kept, w.order[i:]...)
	if len(w.order) > 0 {
		w.minSeq = w.order[0]
	} else if len(freed) > 0 {
		w.minSeq = w.maxSeq + 1
	}

	w.cond.Broadcast()
	return freed
}

// WaitUntilDrained blocks until no unacknowledged bytes remain or
// timeout elapses, reporting whether the cache drained.
func (w *WHC) WaitUntilDrained(timeout time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unackedBytes == 0 {
		return true
	}
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()
	for w.unackedBytes > 0 && time.Now().Before(deadline) {
		w.cond.Wait()
	}
	return w.unackedBytes == 0
}

// State is the snapshot the heartbeat controller reads on every
// decision point.
type State struct {
	MinSeq       rtps.SequenceNumber
	MaxSeq       rtps.SequenceNumber
	UnackedBytes int
}

func (w *WHC) GetState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State{MinSeq: w.minSeq, MaxSeq: w.maxSeq, UnackedBytes: w.unackedBytes}
}

// Borrow returns the sample at seq, or ErrTrimmed if it has already been
// evicted.
func (w *WHC) Borrow(seq rtps.SequenceNumber) (Sample, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.samples[seq]
	if !ok {
		return Sample{}, ErrTrimmed
	}
	return e.sample, nil
}

// BorrowFrag returns the bytes of a single fragment of the sample at
// seq. Since a writer that still retains seq always retains the whole
// sample, a missing seq maps to ErrTrimmed at the sample level; there is
// no partial-fragment-missing case on the writer side.
func (w *WHC) BorrowFrag(seq rtps.SequenceNumber, frag rtps.FragmentNumber) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.samples[seq]
	if !ok {
		return nil, ErrTrimmed
	}
	fragSize := w.qos.FragmentSize
	start := int(frag-rtps.FragStart) * fragSize
	if start >= len(e.sample.Data) {
		return nil, ErrTrimmed
	}
	end := start + fragSize
	if end > len(e.sample.Data) {
		end = len(e.sample.Data)
	}
	return e.sample.Data[start:end], nil
}

// FragmentCount returns how many fragments the sample at seq is split
// into, given the configured fragment size.
func (w *WHC) FragmentCount(seq rtps.SequenceNumber) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.samples[seq]
	if !ok {
		return 0, ErrTrimmed
	}
	n := (len(e.sample.Data) + w.qos.FragmentSize - 1) / w.qos.FragmentSize
	if n == 0 {
		n = 1
	}
	return n, nil
}

func (w *WHC) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Len reports the number of samples currently retained.
func (w *WHC) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}
