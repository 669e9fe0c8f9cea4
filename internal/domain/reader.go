package domain

import (
	"sync"
	"time"

	"github.com/rtps-core/ddsi/internal/addrset"
	"github.com/rtps-core/ddsi/internal/defrag"
	"github.com/rtps-core/ddsi/internal/delivery"
	"github.com/rtps-core/ddsi/internal/gc"
	"github.com/rtps-core/ddsi/internal/match"
	"github.com/rtps-core/ddsi/internal/reliability"
	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/wire"
)

// ackNackDelay bounds how long a reader waits after a triggering event
// (HEARTBEAT, GAP) before sending its ACKNACK reply, so a short burst of
// triggers coalesces into one reply instead of one per trigger.
const ackNackDelay = 10 * time.Millisecond

// proxyWriter is what a Reader tracks about one matched remote writer:
// its address, its private fragment-reassembly and reorder state, and
// the pending-ACKNACK coalescing handle.
type proxyWriter struct {
	guid     rtps.GUID
	addr     *addrset.AddrSet
	reliable bool

	defrag  *defrag.Defragmenter
	reorder *reorder.Buffer

	ackMu      sync.Mutex
	ackPending bool
}

// Reader is a local data reader: per-proxy-writer defragmentation and
// reorder state, the reliability-protocol bookkeeping shared across
// those proxy writers, and a delivery queue a consumer goroutine drains
// into the registered listener.
type Reader struct {
	GUID  rtps.GUID
	Topic string
	QoS   match.QoS

	dom *Domain

	mu           sync.Mutex
	proxyWriters map[rtps.GUID]*proxyWriter

	rel     *reliability.Reader
	matches *match.Set
	queue   *delivery.Queue
	vt      gc.VTime

	listener func(DeliveryItem)
}

// CreateReader allocates a new local reader with a dense entity id,
// registers it in the domain's entity index, and starts its delivery
// dispatch goroutine. listener is invoked, in delivery order per proxy
// writer, for every sample popped off the queue; it may be nil if the
// caller only wants to drain the queue via Reader.Pop directly.
func (d *Domain) CreateReader(qos match.QoS, queueCapacity int, listener func(DeliveryItem)) (*Reader, error) {
	guid := rtps.GUID{Prefix: d.Prefix, Entity: d.nextEntityID(rtps.EntityKindReaderWithKey)}
	r := &Reader{
		GUID:         guid,
		Topic:        qos.TopicName,
		QoS:          qos,
		dom:          d,
		proxyWriters: make(map[rtps.GUID]*proxyWriter),
		rel:          reliability.NewReader(d.randSeed()),
		matches:      match.NewSet(),
		queue:        delivery.New(queueCapacity),
		listener:     listener,
	}
	if !d.readers.Insert(guid, r) {
		return nil, ErrDuplicateGUID
	}
	d.gcq.Register(&r.vt)
	go r.deliverLoop()
	return r, nil
}

// deliverLoop pops items off the delivery queue until it is closed,
// forwarding bubble-drain markers to the garbage collector and ordinary
// samples to the registered listener. Its VTime is odd (asleep) while
// blocked on the queue and even (awake) while an item — and whatever
// proxy-writer state it references — is in hand.
func (r *Reader) deliverLoop() {
	for {
		r.vt.Tick()
		item, ok := r.queue.Pop()
		r.vt.Tick()
		if !ok {
			r.vt.Tick() // parked asleep for good
			return
		}
		if item.Bubble {
			r.dom.gcq.NotifyBubbleDrained(item.BubbleID)
			continue
		}
		if r.listener != nil {
			r.listener(item)
		}
	}
}

func (r *Reader) addProxyWriter(writer rtps.GUID, addr *addrset.AddrSet, reliable bool, cfg ProxyWriterConfig) {
	pw := &proxyWriter{
		guid:     writer,
		addr:     addr,
		reliable: reliable,
		defrag:   defrag.New(cfg.MaxFragmentedInFlight, cfg.FragmentOverflowPolicy),
		reorder:  reorder.New(cfg.ReorderCapacity, cfg.ReorderOverflowPolicy, 1),
	}
	r.mu.Lock()
	r.proxyWriters[writer] = pw
	r.mu.Unlock()
	r.rel.AddProxyWriter(writer, pw.reorder)
}

// ReaderStats is a read-only snapshot of a reader's admin-visible
// state. GUID is the string form, same as WriterStats.
type ReaderStats struct {
	GUID             string
	Topic            string
	ProxyWriterCount int
	QueueLen         int
}

// Stats returns a snapshot for admin/CLI introspection.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		GUID:             r.GUID.String(),
		Topic:            r.Topic,
		ProxyWriterCount: r.matches.Len(),
		QueueLen:         r.queue.Len(),
	}
}

func (r *Reader) snapshotRemotes() map[rtps.GUID]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[rtps.GUID]struct{}, len(r.proxyWriters))
	for g := range r.proxyWriters {
		out[g] = struct{}{}
	}
	return out
}

func (r *Reader) proxyWriter(g rtps.GUID) (*proxyWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pw, ok := r.proxyWriters[g]
	return pw, ok
}

// removeProxyWriter drops a matched writer, reporting whether it was
// present.
func (r *Reader) removeProxyWriter(g rtps.GUID) bool {
	r.mu.Lock()
	_, ok := r.proxyWriters[g]
	if ok {
		delete(r.proxyWriters, g)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.matches.Remove(g)
	r.rel.RemoveProxyWriter(g)
	return true
}

// deliverRun pushes a contiguous run of newly-deliverable samples from
// writer into the queue, in order, and tells the defragmenter how far
// delivery has progressed so it can discard fragments of
// already-delivered samples outright.
func (r *Reader) deliverRun(pw *proxyWriter, seqs []rtps.SequenceNumber, datas [][]byte) {
	if len(seqs) == 0 {
		return
	}
	for i, seq := range seqs {
		r.queue.Push(delivery.Item{ProxyWriter: pw.guid, Seq: seq, Data: datas[i]})
	}
	pw.defrag.SetLastDeliveredSeq(seqs[len(seqs)-1])
}

// onData handles an inbound whole-sample DATA addressed to this reader.
func (r *Reader) onData(writer rtps.GUID, seq rtps.SequenceNumber, data []byte) {
	pw, ok := r.proxyWriter(writer)
	if !ok {
		return
	}
	// A best-effort match has no recovery path: a sample that never
	// arrived never will. Arrival of a later seq therefore advances the
	// delivery cursor past the hole instead of waiting on it.
	if !pw.reliable {
		seqs, datas := pw.reorder.AdvancePastGap(seq)
		r.deliverRun(pw, seqs, datas)
	}
	outcome, seqs, datas := pw.reorder.Accept(seq, data)
	switch outcome {
	case reorder.Delivered:
		r.deliverRun(pw, seqs, datas)
	case reorder.Discarded:
		if r.dom.metrics != nil {
			r.dom.metrics.ReorderDiscardedBytes.WithLabelValues(r.Topic).Add(float64(len(data)))
		}
	}
}

// onDataFrag handles an inbound DATAFRAG addressed to this reader,
// reassembling through the per-proxy-writer defragmenter before handing
// a completed sample to the reorder buffer.
func (r *Reader) onDataFrag(writer rtps.GUID, m wire.DataFrag) {
	pw, ok := r.proxyWriter(writer)
	if !ok {
		return
	}
	fragSize := int(m.FragmentSize)
	if fragSize <= 0 {
		fragSize = 1
	}
	totalFrags := rtps.FragmentNumber((int(m.SampleSize) + fragSize - 1) / fragSize)
	if totalFrags == 0 {
		totalFrags = 1
	}
	outcome, assembled := pw.defrag.Accept(m.WriterSN, m.FragmentStartingNum, totalFrags, m.Payload)
	if outcome != defrag.Complete {
		if outcome == defrag.Dropped && r.dom.metrics != nil {
			r.dom.metrics.DefragDiscardedBytes.WithLabelValues(r.Topic).Add(float64(len(m.Payload)))
		}
		return
	}
	r.onData(writer, m.WriterSN, assembled)
}

// onHeartbeat handles an inbound HEARTBEAT addressed to this reader.
func (r *Reader) onHeartbeat(writer rtps.GUID, hb wire.Heartbeat) {
	scheduleAckNack, delivered, err := r.rel.OnHeartbeat(writer, hb)
	if err != nil {
		r.dom.Log.WithError(err).Debug("dropping HEARTBEAT")
		return
	}
	if pw, ok := r.proxyWriter(writer); ok {
		r.deliverRun(pw, delivered.Seqs, delivered.Data)
	}
	if scheduleAckNack {
		r.scheduleAckNack(writer)
	}
}

// onGap handles an inbound GAP addressed to this reader.
func (r *Reader) onGap(writer rtps.GUID, gap wire.Gap) {
	delivered, err := r.rel.OnGap(writer, gap)
	if err != nil {
		r.dom.Log.WithError(err).Debug("dropping GAP")
		return
	}
	pw, ok := r.proxyWriter(writer)
	if !ok {
		return
	}
	r.deliverRun(pw, delivered.Seqs, delivered.Data)
}

// scheduleAckNack arms a coalescing timer for writer's ACKNACK reply, a
// no-op if one is already pending so a burst of triggers produces one
// reply instead of one per trigger.
func (r *Reader) scheduleAckNack(writer rtps.GUID) {
	pw, ok := r.proxyWriter(writer)
	if !ok {
		return
	}
	pw.ackMu.Lock()
	if pw.ackPending {
		pw.ackMu.Unlock()
		return
	}
	pw.ackPending = true
	pw.ackMu.Unlock()

	r.dom.sched.After(ackNackDelay, func(time.Time) {
		pw.ackMu.Lock()
		pw.ackPending = false
		pw.ackMu.Unlock()
		r.sendAckNack(writer)
	})
}

// sendAckNack generates and, if non-suppressed, transmits one ACKNACK to
// the given matched proxy writer.
func (r *Reader) sendAckNack(writer rtps.GUID) {
	pw, ok := r.proxyWriter(writer)
	if !ok {
		return
	}
	an, ok := r.rel.GenerateAckNack(writer, r.GUID.Entity, writer.Entity)
	if !ok {
		return
	}
	r.dom.sendTo(pw.addr, r.dom.buildMessage(an.Encode(false)))
}
