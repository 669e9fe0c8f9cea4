// Package reliability implements the writer-side ACKNACK and NACKFRAG
// handling, and the reader-side HEARTBEAT processing and ACKNACK
// generation, that make up the reliable-delivery protocol. It sits
// directly on top of the writer history cache and the reorder buffer,
// turning their low-level operations into the specific decisions the
// protocol makes on each inbound submessage.
package reliability

import (
	"errors"
	"math"
	"sync"

	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/whc"
	"github.com/rtps-core/ddsi/internal/wire"
)

// ErrUnknownMatch is returned for submessages addressed to a reader
// match the writer has not recorded (already unmatched, or never
// matched).
var ErrUnknownMatch = errors.New("reliability: unknown reader match")

// ErrStaleCount is returned when an ACKNACK's count is not greater than
// the last one processed for that match — a duplicate or reordered
// delivery, per the protocol's tie-break rule.
var ErrStaleCount = errors.New("reliability: stale or duplicate count")

type writerMatch struct {
	ackedSeq     rtps.SequenceNumber
	prevAckNack  int32
	prevNackFrag int32
}

// Writer is the writer-side half of the reliability protocol for one
// local writer.
type Writer struct {
	mu              sync.Mutex
	guid            rtps.GUID
	whc             *whc.WHC
	rexmitBurstSize int
	matches         map[rtps.GUID]*writerMatch
}

func NewWriter(guid rtps.GUID, w *whc.WHC, rexmitBurstSize int) *Writer {
	return &Writer{
		guid:            guid,
		whc:             w,
		rexmitBurstSize: rexmitBurstSize,
		matches:         make(map[rtps.GUID]*writerMatch),
	}
}

// AddMatch registers a reliable reader match with no prior ack state.
func (wr *Writer) AddMatch(reader rtps.GUID) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.matches[reader] = &writerMatch{ackedSeq: rtps.SeqUnknown}
}

// RemoveMatch drops a reader match. Losing all matches retains WHC
// entries per history QoS only; removing a match never touches the
// WHC directly, only the min_ack_seq computation that future
// RemoveAckedMessages calls use.
func (wr *Writer) RemoveMatch(reader rtps.GUID) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	delete(wr.matches, reader)
}

// AckNackResult is what the caller must act on after OnAckNack: send
// the listed retransmits as DATA, send a GAP covering Missing if
// non-empty, and schedule a heartbeat reply if ScheduleHeartbeat.
type AckNackResult struct {
	Retransmits       []whc.Sample
	Missing           []rtps.SequenceNumber
	ScheduleHeartbeat bool
}

// OnAckNack processes one ACKNACK from a matched reliable reader.
func (wr *Writer) OnAckNack(reader rtps.GUID, an wire.AckNack) (AckNackResult, error) {
	wr.mu.Lock()
	m, ok := wr.matches[reader]
	if !ok {
		wr.mu.Unlock()
		return AckNackResult{}, ErrUnknownMatch
	}
	if int32(an.Count) <= m.prevAckNack {
		wr.mu.Unlock()
		return AckNackResult{}, ErrStaleCount
	}
	m.prevAckNack = int32(an.Count)

	// seq_base = 0 is the reserved pre-history/liveliness keep-alive
	// form: advance nothing and ignore the bitmap entirely.
	if an.ReaderSNState.Base == 0 {
		wr.mu.Unlock()
		return AckNackResult{}, nil
	}

	ackedSeq := an.ReaderSNState.Base - 1
	if ackedSeq > m.ackedSeq {
		m.ackedSeq = ackedSeq
	}

	var result AckNackResult
	budget := wr.rexmitBurstSize
	sent := make(map[rtps.SequenceNumber]bool)
	for _, seq := range an.ReaderSNState.Seqs() {
		sample, err := wr.whc.Borrow(seq)
		if err == whc.ErrTrimmed {
			result.Missing = append(result.Missing, seq)
			continue
		}
		if budget <= 0 {
			continue // re-requested on a future ACKNACK; nothing is lost
		}
		result.Retransmits = append(result.Retransmits, sample)
		sent[seq] = true
		budget -= len(sample.Data)

		// A coherent set still being built must reach the reader whole,
		// so a request for any of its members pulls in the rest too
		// Never split a coherent set across a throttle boundary.
		if sample.CsSeq != 0 && wr.whc.IsCoherentSetOpen(sample.CsSeq) {
			for _, member := range wr.whc.CoherentSetMembers(sample.CsSeq) {
				if sent[member] {
					continue
				}
				ms, err := wr.whc.Borrow(member)
				if err != nil {
					continue
				}
				result.Retransmits = append(result.Retransmits, ms)
				sent[member] = true
				budget -= len(ms.Data)
			}
		}
	}

	minAck := wr.minAckedLocked()
	wr.mu.Unlock()
	if minAck != rtps.SeqUnknown {
		wr.whc.RemoveAckedMessages(minAck)
	}

	if an.ReaderSNState.Empty() && !an.Final {
		result.ScheduleHeartbeat = true
	}
	return result, nil
}

func (wr *Writer) minAckedLocked() rtps.SequenceNumber {
	min := rtps.SequenceNumber(math.MaxInt64)
	any := false
	for _, m := range wr.matches {
		if m.ackedSeq == rtps.SeqUnknown {
			return rtps.SeqUnknown // at least one match hasn't acked anything yet
		}
		if !any || m.ackedSeq < min {
			min, any = m.ackedSeq, true
		}
	}
	if !any {
		return rtps.SeqUnknown
	}
	return min
}

// FragResult is what OnNackFrag returns: either specific fragments to
// retransmit (with the total size of the sample they belong to, which
// every DATAFRAG on the wire must carry), or a signal that the whole
// sample must be GAPed because it was already trimmed from the cache.
type FragResult struct {
	Frags             map[rtps.FragmentNumber][]byte
	SampleSize        int
	WholeSampleGapped bool
}

// OnNackFrag processes a NACKFRAG. A writer always holds a sample whole
// once it exists at all, so a missing fragment can only mean the whole
// sample has been trimmed from the WHC — never a partial-fragment loss
// on the writer's own side.
func (wr *Writer) OnNackFrag(reader rtps.GUID, nf wire.NackFrag) (FragResult, error) {
	wr.mu.Lock()
	m, ok := wr.matches[reader]
	if !ok {
		wr.mu.Unlock()
		return FragResult{}, ErrUnknownMatch
	}
	if int32(nf.Count) <= m.prevNackFrag {
		wr.mu.Unlock()
		return FragResult{}, ErrStaleCount
	}
	m.prevNackFrag = int32(nf.Count)
	wr.mu.Unlock()

	sample, err := wr.whc.Borrow(nf.WriterSN)
	if err == whc.ErrTrimmed {
		return FragResult{WholeSampleGapped: true}, nil
	}
	out := FragResult{Frags: make(map[rtps.FragmentNumber][]byte), SampleSize: len(sample.Data)}
	for _, frag := range nf.FragmentNumberState.Frags() {
		data, err := wr.whc.BorrowFrag(nf.WriterSN, frag)
		if err == whc.ErrTrimmed {
			return FragResult{WholeSampleGapped: true}, nil
		}
		out.Frags[frag] = data
	}
	return out, nil
}
