package reliability

import (
	"math/rand"
	"sync"

	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/wire"
)

const maxBitmapBits = wire.MaxBitmapBits

type proxyWriterState struct {
	buf *reorder.Buffer

	prevHBCount  int32
	firstKnown   rtps.SequenceNumber
	lastSeq      rtps.SequenceNumber
	ackRequested bool // most recent HEARTBEAT had FINAL clear
	ackNackCount int32
	hasLastSent  bool
	lastSentBits wire.SequenceNumberSet
}

// Reader is the reader-side half of the reliability protocol for one
// local reader, tracking one proxyWriterState per matched writer.
type Reader struct {
	mu  sync.Mutex
	pw  map[rtps.GUID]*proxyWriterState
	rng *rand.Rand
}

func NewReader(seed int64) *Reader {
	return &Reader{pw: make(map[rtps.GUID]*proxyWriterState), rng: rand.New(rand.NewSource(seed))}
}

// AddProxyWriter registers a matched writer, backed by its own reorder
// buffer. The initial ACKNACK count is randomized to spread load.
func (r *Reader) AddProxyWriter(writer rtps.GUID, buf *reorder.Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pw[writer] = &proxyWriterState{
		buf:          buf,
		firstKnown:   rtps.SeqUnknown,
		lastSeq:      rtps.SeqUnknown,
		ackNackCount: r.rng.Int31(),
	}
}

func (r *Reader) RemoveProxyWriter(writer rtps.GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pw, writer)
}

// Delivery is one contiguous run of samples the reorder buffer released
// as a side effect of processing a HEARTBEAT or GAP.
type Delivery struct {
	Seqs []rtps.SequenceNumber
	Data [][]byte
}

// OnHeartbeat processes a HEARTBEAT from a matched proxy writer. It
// returns whether an ACKNACK should be scheduled and anything the
// reorder buffer released because the writer reported samples below
// expected_next_seq as permanently discarded.
func (r *Reader) OnHeartbeat(writer rtps.GUID, hb wire.Heartbeat) (scheduleAckNack bool, delivered Delivery, err error) {
	r.mu.Lock()
	st, ok := r.pw[writer]
	if !ok {
		r.mu.Unlock()
		return false, Delivery{}, ErrUnknownMatch
	}
	if int32(hb.Count) <= st.prevHBCount {
		r.mu.Unlock()
		return false, Delivery{}, ErrStaleCount
	}
	st.prevHBCount = int32(hb.Count)
	if hb.LastSN > st.lastSeq || st.lastSeq == rtps.SeqUnknown {
		st.lastSeq = hb.LastSN
	}
	st.firstKnown = hb.FirstSN
	st.ackRequested = !hb.Final
	st.hasLastSent = false // a new HEARTBEAT may trigger an identical ACKNACK again
	buf := st.buf
	r.mu.Unlock()

	if hb.FirstSN > buf.ExpectedNext() {
		seqs, payloads := buf.AdvancePastGap(hb.FirstSN)
		delivered = Delivery{Seqs: seqs, Data: payloads}
	}

	missing := buf.Missing(min(st.lastSeq, buf.ExpectedNext()+maxBitmapBits-1))
	scheduleAckNack = !hb.Final || len(missing) > 0
	return scheduleAckNack, delivered, nil
}

// GenerateAckNack builds the bitmap of samples still missing in
// [expected_next, min(last_seq, expected_next+255)]. ok is false when
// nothing should be sent: an identical bitmap to the last one sent, with
// no new HEARTBEAT having triggered this call, is suppressed to prevent
// ACK storms.
func (r *Reader) GenerateAckNack(writer rtps.GUID, readerID, writerID rtps.EntityID) (an wire.AckNack, ok bool) {
	r.mu.Lock()
	st, exists := r.pw[writer]
	if !exists {
		r.mu.Unlock()
		return wire.AckNack{}, false
	}
	buf := st.buf
	lastSeq := st.lastSeq
	ackRequested := st.ackRequested
	r.mu.Unlock()

	expected := buf.ExpectedNext()
	upper := lastSeq
	if upper == rtps.SeqUnknown || upper < expected-1 {
		upper = expected - 1
	}
	if upper > expected+maxBitmapBits-1 {
		upper = expected + maxBitmapBits - 1
	}

	numBits := uint32(0)
	if upper >= expected {
		numBits = uint32(upper-expected) + 1
	}
	missing := buf.Missing(upper)
	bitmap := wire.NewSequenceNumberSet(expected, numBits, missing)

	r.mu.Lock()
	defer r.mu.Unlock()
	final := true
	if len(missing) == 0 {
		if !ackRequested {
			return wire.AckNack{}, false
		}
	} else {
		final = false
	}
	if st.hasLastSent && st.lastSentBits.Equal(bitmap) {
		return wire.AckNack{}, false
	}
	st.ackNackCount++
	st.lastSentBits = bitmap
	st.hasLastSent = true

	return wire.AckNack{
		ReaderID:      readerID,
		WriterID:      writerID,
		ReaderSNState: bitmap,
		Count:         uint32(st.ackNackCount),
		Final:         final,
	}, true
}

// OnGap processes a GAP: seqs [gapStart, GapList.Base) are irrecoverable
// as a contiguous run, and the individual seqs set in GapList's bitmap
// (at and beyond GapList.Base) are irrecoverable on their own. Both
// halves advance the reorder buffer's delivery cursor and can unblock
// samples it was holding buffered.
func (r *Reader) OnGap(writer rtps.GUID, gap wire.Gap) (Delivery, error) {
	r.mu.Lock()
	st, ok := r.pw[writer]
	r.mu.Unlock()
	if !ok {
		return Delivery{}, ErrUnknownMatch
	}
	var seqs []rtps.SequenceNumber
	var payloads [][]byte
	if gap.GapStart <= st.buf.ExpectedNext() {
		seqs, payloads = st.buf.AdvancePastGap(gap.GapList.Base)
	} else {
		var run []rtps.SequenceNumber
		for s := gap.GapStart; s < gap.GapList.Base; s++ {
			run = append(run, s)
		}
		seqs, payloads = st.buf.MarkSkipped(run)
	}
	extraSeqs, extraPayloads := st.buf.MarkSkipped(gap.GapList.Seqs())
	seqs = append(seqs, extraSeqs...)
	payloads = append(payloads, extraPayloads...)
	return Delivery{Seqs: seqs, Data: payloads}, nil
}
