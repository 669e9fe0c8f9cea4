package domain

import (
	"sync"
	"time"

	"github.com/rtps-core/ddsi/internal/addrset"
	"github.com/rtps-core/ddsi/internal/heartbeat"
	"github.com/rtps-core/ddsi/internal/match"
	"github.com/rtps-core/ddsi/internal/reliability"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/scheduler"
	"github.com/rtps-core/ddsi/internal/whc"
	"github.com/rtps-core/ddsi/internal/wire"
)

// WriterState tracks a local writer through its lifecycle. A writer
// stays Operational until deletion is requested; a reliable writer
// still holding unacknowledged data then Lingers (it keeps answering
// ACKNACKs and sending heartbeats, but accepts no new matches or
// writes) until drained or a linger deadline passes, at which point it
// transitions to Deleting and is reclaimed through the GC.
type WriterState int

const (
	WriterOperational WriterState = iota
	WriterLingering
	WriterDeleting
)

// Writer is a local data writer: a writer history cache, a heartbeat
// schedule, the reliability-protocol bookkeeping for its matched
// readers, and the fragmentation/transmission logic that turns a
// written sample into DATA or DATAFRAG submessages on the wire.
type Writer struct {
	GUID  rtps.GUID
	Topic string
	QoS   match.QoS

	dom *Domain

	mu    sync.Mutex
	seq   rtps.SequenceNumber
	state WriterState

	whc      *whc.WHC
	hb       *heartbeat.Controller
	rel      *reliability.Writer
	matches  *match.Set
	fragSize int

	lastThrottle whc.Stats // last throttle counters exported to metrics

	remoteReaders map[rtps.GUID]*remoteReader

	hbHandle scheduler.Handle
}

// CreateWriter allocates a new local writer with a dense entity id,
// registers it in the domain's entity index, and starts its heartbeat
// schedule. fragSize of 0 disables fragmentation (every sample sent
// whole, regardless of size).
func (d *Domain) CreateWriter(qos match.QoS, whcQoS whc.QoS, hbQoS heartbeat.QoS, rexmitBurstSize, fragSize int) (*Writer, error) {
	guid := rtps.GUID{Prefix: d.Prefix, Entity: d.nextEntityID(rtps.EntityKindWriterWithKey)}
	w := &Writer{
		GUID:          guid,
		Topic:         qos.TopicName,
		QoS:           qos,
		dom:           d,
		whc:           whc.New(whcQoS),
		hb:            heartbeat.New(hbQoS, d.randSeed()),
		matches:       match.NewSet(),
		fragSize:      fragSize,
		remoteReaders: make(map[rtps.GUID]*remoteReader),
	}
	w.rel = reliability.NewWriter(guid, w.whc, rexmitBurstSize)
	if !d.writers.Insert(guid, w) {
		return nil, ErrDuplicateGUID
	}
	w.mu.Lock()
	w.hbHandle = d.sched.After(hbQoS.MinInterval, w.onHeartbeatTimer)
	w.mu.Unlock()
	return w, nil
}

// WriterStats is a read-only snapshot of a writer's admin-visible
// state. GUID is the string form so the JSON the admin API serves is
// directly readable (and matches what the CLI's SDK decodes).
type WriterStats struct {
	GUID       string
	Topic      string
	LastSeq    rtps.SequenceNumber
	WHCLen     int
	WHCStats   whc.Stats
	MatchCount int
}

// Stats returns a snapshot for admin/CLI introspection.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	seq := w.seq
	w.mu.Unlock()
	return WriterStats{
		GUID:       w.GUID.String(),
		Topic:      w.Topic,
		LastSeq:    seq,
		WHCLen:     w.whc.Len(),
		WHCStats:   w.whc.Stats(),
		MatchCount: w.matches.Len(),
	}
}

// exportThrottleLocked pushes the WHC's cumulative throttle counters
// into the metrics registry as deltas since the last export. Callers
// must hold w.mu.
func (w *Writer) exportThrottleLocked() {
	if w.dom.metrics == nil {
		return
	}
	st := w.whc.Stats()
	if d := st.ThrottleCount - w.lastThrottle.ThrottleCount; d > 0 {
		w.dom.metrics.WHCThrottleTotal.WithLabelValues(w.Topic).Add(float64(d))
	}
	if d := st.ThrottleBlocked - w.lastThrottle.ThrottleBlocked; d > 0 {
		w.dom.metrics.WHCThrottleBlocked.WithLabelValues(w.Topic).Add(d.Seconds())
	}
	w.lastThrottle = st
}

func (w *Writer) snapshotRemotes() map[rtps.GUID]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[rtps.GUID]struct{}, len(w.remoteReaders))
	for g := range w.remoteReaders {
		out[g] = struct{}{}
	}
	return out
}

func (w *Writer) remoteReader(g rtps.GUID) (*remoteReader, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rr, ok := w.remoteReaders[g]
	return rr, ok
}

// removeRemote drops a matched reader, reporting whether it was present.
func (w *Writer) removeRemote(g rtps.GUID) bool {
	w.mu.Lock()
	_, ok := w.remoteReaders[g]
	if ok {
		delete(w.remoteReaders, g)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	w.matches.Remove(g)
	w.rel.RemoveMatch(g)
	return true
}

// Write inserts data into the history cache under instanceKey and
// publishes it to every matched reader. It returns ErrTimeout if the
// writer history cache's high watermark is still exceeded after
// maxBlockingTime elapses (a maxBlockingTime of 0 fails immediately
// rather than blocking at all).
func (w *Writer) Write(instanceKey string, data []byte, maxBlockingTime time.Duration) (rtps.SequenceNumber, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WriterOperational {
		return rtps.SeqUnknown, ErrDeleted
	}
	candidate := w.seq + 1
	err := w.whc.InsertTimeout(candidate, instanceKey, data, maxBlockingTime)
	w.exportThrottleLocked()
	if err != nil {
		return rtps.SeqUnknown, ErrTimeout
	}
	w.seq = candidate

	st := w.whc.GetState()
	if w.dom.metrics != nil {
		w.dom.metrics.WHCUnackedBytes.WithLabelValues(w.Topic).Set(float64(st.UnackedBytes))
		w.dom.metrics.WHCSampleCount.WithLabelValues(w.Topic).Set(float64(w.whc.Len()))
	}
	piggyback := w.hb.OnWrite(time.Now(), st.UnackedBytes)

	w.publishDataLocked(candidate, data)
	if piggyback {
		w.broadcastHeartbeatLocked(false, false)
	}
	return candidate, nil
}

// publishDataLocked sends candidate to every matched reader, as a single
// DATA submessage when it fits under fragSize or as a run of DATAFRAG
// submessages otherwise. Callers must hold w.mu.
func (w *Writer) publishDataLocked(seq rtps.SequenceNumber, data []byte) {
	whole := w.fragSize <= 0 || len(data) <= w.fragSize
	for remote, rr := range w.remoteReaders {
		if whole {
			w.sendDataTo(rr.addr, remote.Entity, seq, data)
		} else {
			w.sendFragmentedTo(rr.addr, remote.Entity, seq, data)
		}
	}
}

func (w *Writer) sendDataTo(addr *addrset.AddrSet, readerID rtps.EntityID, seq rtps.SequenceNumber, data []byte) {
	d := wire.Data{ReaderID: readerID, WriterID: w.GUID.Entity, WriterSN: seq, Payload: data}
	w.dom.sendTo(addr, w.dom.buildMessage(d.Encode(false)))
}

// sendFragmentedTo splits data into fragSize chunks and sends one
// DATAFRAG submessage per chunk.
func (w *Writer) sendFragmentedTo(addr *addrset.AddrSet, readerID rtps.EntityID, seq rtps.SequenceNumber, data []byte) {
	total := uint32(len(data))
	n := (len(data) + w.fragSize - 1) / w.fragSize
	for i := 0; i < n; i++ {
		start := i * w.fragSize
		end := start + w.fragSize
		if end > len(data) {
			end = len(data)
		}
		frag := wire.DataFrag{
			ReaderID:            readerID,
			WriterID:            w.GUID.Entity,
			WriterSN:            seq,
			FragmentStartingNum: rtps.FragmentNumber(i + 1),
			FragmentsInSubmsg:   1,
			FragmentSize:        uint16(w.fragSize),
			SampleSize:          total,
			Payload:             data[start:end],
		}
		w.dom.sendTo(addr, w.dom.buildMessage(frag.Encode(false)))
	}
}

// sendSampleTo retransmits a single cached sample to one matched reader,
// fragmenting it if it exceeds fragSize (retransmission uses the same
// DATA/DATAFRAG split rule as the original transmission).
func (w *Writer) sendSampleTo(addr *addrset.AddrSet, readerID rtps.EntityID, seq rtps.SequenceNumber, data []byte) {
	if w.fragSize <= 0 || len(data) <= w.fragSize {
		w.sendDataTo(addr, readerID, seq, data)
		return
	}
	w.sendFragmentedTo(addr, readerID, seq, data)
}

// sendGapTo declares missing (a set of individually-trimmed sequence
// numbers, ascending) irrecoverable to one matched reader. The leading
// run of consecutive seqs is encoded as the contiguous [gapStart,
// GapList.Base) range the GAP format gives for free; anything beyond
// that run — missing is not guaranteed contiguous, since a KEEP_LAST
// trim can leave holes between instances — goes into GapList's bitmap
// as scattered bits, per protocol.
func (w *Writer) sendGapTo(addr *addrset.AddrSet, readerID rtps.EntityID, missing []rtps.SequenceNumber) {
	if len(missing) == 0 {
		return
	}
	base := missing[0]
	contigEnd := base
	i := 1
	for ; i < len(missing) && missing[i] == contigEnd+1; i++ {
		contigEnd = missing[i]
	}
	scattered := missing[i:]
	bitmapBase := contigEnd + 1
	var numBits uint32
	if len(scattered) > 0 {
		last := scattered[len(scattered)-1]
		numBits = uint32(last-bitmapBase) + 1
	}
	gap := wire.Gap{
		ReaderID: readerID,
		WriterID: w.GUID.Entity,
		GapStart: base,
		GapList:  wire.NewSequenceNumberSet(bitmapBase, numBits, scattered),
	}
	w.dom.sendTo(addr, w.dom.buildMessage(gap.Encode(false)))
	if w.dom.metrics != nil {
		w.dom.metrics.GapsSent.WithLabelValues(w.Topic).Inc()
	}
}

// sendHeartbeatTo sends one HEARTBEAT to a single matched reader.
func (w *Writer) sendHeartbeatTo(addr *addrset.AddrSet, reader rtps.GUID, final bool, liveliness bool) {
	st := w.whc.GetState()
	hb := wire.Heartbeat{
		ReaderID:   reader.Entity,
		WriterID:   w.GUID.Entity,
		FirstSN:    st.MinSeq,
		LastSN:     st.MaxSeq,
		Count:      uint32(w.hb.NextCount(reader)),
		Final:      final,
		Liveliness: liveliness,
	}
	if hb.FirstSN == rtps.SeqUnknown {
		hb.FirstSN = 1
	}
	if hb.LastSN == rtps.SeqUnknown {
		hb.LastSN = 0
	}
	w.dom.sendTo(addr, w.dom.buildMessage(hb.Encode(false)))
	if w.dom.metrics != nil {
		w.dom.metrics.HeartbeatsSent.WithLabelValues(w.Topic).Inc()
	}
}

// broadcastHeartbeatLocked sends a HEARTBEAT to every matched reliable
// reader — or, when the LIVELINESS flag is set, to every matched reader
// regardless of reliability, since liveliness is asserted to best-effort
// consumers too. Callers must hold w.mu.
func (w *Writer) broadcastHeartbeatLocked(final, liveliness bool) {
	for remote, rr := range w.remoteReaders {
		if !rr.reliable && !liveliness {
			continue
		}
		w.sendHeartbeatTo(rr.addr, remote, final, liveliness)
	}
}

// onHeartbeatTimer is the scheduler callback driving periodic and
// liveliness heartbeats, and reschedules itself. A liveliness-only
// heartbeat is final (it demands no ACKNACK); one carrying unacked data
// is not.
func (w *Writer) onHeartbeatTimer(now time.Time) {
	w.mu.Lock()
	if w.state == WriterDeleting {
		w.mu.Unlock()
		return
	}
	st := w.whc.GetState()
	send, next := w.hb.PeriodicCheck(now, st.UnackedBytes)
	liveliness := w.hb.LivelinessDue(now)
	if send || liveliness {
		w.broadcastHeartbeatLocked(!send, liveliness)
	}
	w.hbHandle = w.dom.sched.After(next, w.onHeartbeatTimer)
	w.mu.Unlock()
}

// onAckNack handles an inbound ACKNACK addressed to this writer.
func (w *Writer) onAckNack(reader rtps.GUID, an wire.AckNack) {
	res, err := w.rel.OnAckNack(reader, an)
	if err != nil {
		w.dom.Log.WithError(err).Debug("dropping ACKNACK")
		return
	}
	rr, ok := w.remoteReader(reader)
	if !ok {
		return
	}
	for _, s := range res.Retransmits {
		w.sendSampleTo(rr.addr, reader.Entity, s.Seq, s.Data)
	}
	if len(res.Missing) > 0 {
		w.sendGapTo(rr.addr, reader.Entity, res.Missing)
	}
	if res.ScheduleHeartbeat {
		w.sendHeartbeatTo(rr.addr, reader, false, false)
	}
}

// WaitForAcks blocks until every reliable match has acknowledged every
// published sample, or until timeout elapses (returning ErrTimeout).
func (w *Writer) WaitForAcks(timeout time.Duration) error {
	if w.whc.WaitUntilDrained(timeout) {
		return nil
	}
	return ErrTimeout
}

// State reports the writer's current lifecycle state.
func (w *Writer) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// onNackFrag handles an inbound NACKFRAG addressed to this writer.
func (w *Writer) onNackFrag(reader rtps.GUID, nf wire.NackFrag) {
	res, err := w.rel.OnNackFrag(reader, nf)
	if err != nil {
		w.dom.Log.WithError(err).Debug("dropping NACKFRAG")
		return
	}
	rr, ok := w.remoteReader(reader)
	if !ok {
		return
	}
	if res.WholeSampleGapped {
		w.sendGapTo(rr.addr, reader.Entity, []rtps.SequenceNumber{nf.WriterSN})
		return
	}
	for frag, data := range res.Frags {
		fr := wire.DataFrag{
			ReaderID:            reader.Entity,
			WriterID:            w.GUID.Entity,
			WriterSN:            nf.WriterSN,
			FragmentStartingNum: frag,
			FragmentsInSubmsg:   1,
			FragmentSize:        uint16(w.fragSize),
			SampleSize:          uint32(res.SampleSize),
			Payload:             data,
		}
		w.dom.sendTo(rr.addr, w.dom.buildMessage(fr.Encode(false)))
	}
}
