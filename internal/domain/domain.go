// Package domain implements the "domain" aggregate: it owns the entity
// index, the transmit scheduler, the garbage collector, the lease
// administration heap and the transport, and is passed explicitly into
// every writer and reader it creates rather than living behind a
// package-level singleton. Multiple Domains may coexist in one process.
//
// Discovery (SPDP/SEDP) is out of scope; Domain exposes
// Match as the explicit, application/test-driven substitute for what
// a discovery listener would otherwise do automatically once two
// endpoints' built-in announcements cross-reference each other.
package domain

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rtps-core/ddsi/internal/addrset"
	"github.com/rtps-core/ddsi/internal/defrag"
	"github.com/rtps-core/ddsi/internal/delivery"
	"github.com/rtps-core/ddsi/internal/entity"
	"github.com/rtps-core/ddsi/internal/gc"
	"github.com/rtps-core/ddsi/internal/match"
	"github.com/rtps-core/ddsi/internal/metrics"
	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/scheduler"
	"github.com/rtps-core/ddsi/internal/transport"
	"github.com/rtps-core/ddsi/internal/wire"
)

// ErrDuplicateGUID is returned when an entity is created with a GUID
// already registered in the domain's entity index.
var ErrDuplicateGUID = errors.New("domain: duplicate GUID")

// ErrTimeout is returned by Writer.Write when max_blocking_time expires
// before the writer history cache accepts the sample.
var ErrTimeout = errors.New("domain: write timed out")

// ErrIncompatibleQoS is returned by Match when the offered/requested
// QoS pair does not satisfy the RxO (offered >= requested) rule.
var ErrIncompatibleQoS = errors.New("domain: incompatible QoS")

// ErrDeleted is returned for operations on an entity whose deletion has
// already been initiated.
var ErrDeleted = errors.New("domain: entity is being deleted")

// leaseCheckInterval bounds how often the domain polls its lease
// administration heap for expired remote endpoints. Short enough that
// a lease_duration in the hundreds-of-milliseconds range (typical for
// tests) still expires promptly.
const leaseCheckInterval = 50 * time.Millisecond

// writerLingerDuration bounds how long a deleted reliable writer keeps
// servicing retransmit requests for data its readers have not yet
// acknowledged before it is forcibly reclaimed.
const writerLingerDuration = 10 * time.Second

// writerLingerPoll is how often a lingering writer re-checks whether
// its history cache has drained.
const writerLingerPoll = 20 * time.Millisecond

// Domain aggregates every per-process-instance collaborator the
// reliability engine needs: entity index, scheduler, GC, metrics,
// transport and lease administration. It never reaches for package
// state — every operation takes a *Domain or one of its endpoints
// explicitly.
type Domain struct {
	ID     uint32
	Prefix rtps.GUIDPrefix
	Self   rtps.Locator
	Log    *logrus.Entry

	sched     *scheduler.Scheduler
	gcq       *gc.GC
	metrics   *metrics.Collector
	transport transport.Transport

	writers *entity.Index[*Writer]
	readers *entity.Index[*Reader]
	leases  *match.Admin

	idMu   sync.Mutex
	nextID uint32
	rngMu  sync.Mutex
	rng    *rand.Rand

	receiveVTime gc.VTime
	schedVTime   gc.VTime

	closeOnce sync.Once
	tickMu    sync.Mutex
	closed    bool
	leaseTick scheduler.Handle
}

// New creates a Domain bound to tr for I/O, sched for timed events, gcq
// for deferred reclamation, and m for metrics. self is the locator this
// domain's receive callback is registered under.
func New(id uint32, prefix rtps.GUIDPrefix, self rtps.Locator, tr transport.Transport, sched *scheduler.Scheduler, gcq *gc.GC, m *metrics.Collector, log *logrus.Logger) (*Domain, error) {
	if log == nil {
		log = logrus.New()
	}
	d := &Domain{
		ID:        id,
		Prefix:    prefix,
		Self:      self,
		Log:       log.WithField("domain", id),
		sched:     sched,
		gcq:       gcq,
		metrics:   m,
		transport: tr,
		writers:   entity.New[*Writer](entity.KindWriter),
		readers:   entity.New[*Reader](entity.KindReader),
		leases:    match.NewAdmin(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(id))),
	}
	gcq.Register(&d.receiveVTime)
	gcq.Register(&d.schedVTime)
	// Both workers are idle (asleep, odd) until the transport or
	// scheduler hands them work; starting them even would make an idle
	// domain block every GC request forever.
	d.receiveVTime.Tick()
	d.schedVTime.Tick()

	if err := tr.Register(self, d.handleMessage); err != nil {
		return nil, err
	}
	d.leaseTick = sched.After(leaseCheckInterval, d.checkLeasesTick)
	return d, nil
}

// withVTime brackets fn with a wake/sleep pair on vt: the counter is
// even (awake) while fn may be touching shared entities and odd
// (asleep) the rest of the time, so the garbage collector's quiescence
// check can tell this worker is not mid-access once fn returns.
func withVTime(vt *gc.VTime, fn func()) {
	vt.Tick()
	defer vt.Tick()
	fn()
}

func (d *Domain) randSeed() int64 {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.rng.Int63()
}

// nextEntityID allocates a dense, participant-local id for a new
// user endpoint.
func (d *Domain) nextEntityID(kind rtps.EntityKind) rtps.EntityID {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	d.nextID++
	return rtps.NewEntityID(d.nextID, kind)
}

// Close stops the domain's lease-check timer. It does not wait for
// in-flight GC reclamation.
func (d *Domain) Close() {
	d.closeOnce.Do(func() {
		d.tickMu.Lock()
		d.closed = true
		d.leaseTick.Cancel()
		d.tickMu.Unlock()
	})
}

// LookupWriter resolves a local writer GUID, for admin introspection.
func (d *Domain) LookupWriter(g rtps.GUID) (*Writer, bool) { return d.writers.Lookup(g) }

// LookupReader resolves a local reader GUID, for admin introspection.
func (d *Domain) LookupReader(g rtps.GUID) (*Reader, bool) { return d.readers.Lookup(g) }

// Writers returns a snapshot of every local writer, for admin
// introspection.
func (d *Domain) Writers() map[rtps.GUID]*Writer { return d.writers.Enumerate() }

// Readers returns a snapshot of every local reader, for admin
// introspection.
func (d *Domain) Readers() map[rtps.GUID]*Reader { return d.readers.Enumerate() }

// Leases exposes the lease administration heap for admin introspection.
func (d *Domain) Leases() *match.Admin { return d.leases }

// GCPending reports how many deletion requests are still waiting on
// worker quiescence, for admin introspection.
func (d *Domain) GCPending() int { return d.gcq.Pending() }

// remoteReader is what a Writer tracks about one matched remote reader.
type remoteReader struct {
	guid     rtps.GUID
	addr     *addrset.AddrSet
	reliable bool
}

// remoteWriter is what a Reader tracks about one matched remote writer.
type remoteWriter struct {
	guid     rtps.GUID
	addr     *addrset.AddrSet
	reliable bool
}

// Match wires a local writer to a remote reader; MatchReader handles
// the other direction. A Domain only ever creates local endpoints and
// records the other side as an opaque matched GUID + address.
//
// It checks QoS compatibility, registers the match record in the
// writer's own match set, allocates a heartbeat/ACKNACK timing
// relationship for reliable matches, and tracks the remote GUID's
// liveliness lease.
func (d *Domain) Match(w *Writer, remoteReaderGUID rtps.GUID, remoteAddr rtps.Locator, requested match.QoS) error {
	if w.State() != WriterOperational {
		return ErrDeleted
	}
	if !match.Compatible(w.QoS, requested) {
		return ErrIncompatibleQoS
	}
	reliable := w.QoS.Reliability == match.Reliable && requested.Reliability == match.Reliable

	as := addrset.New()
	if remoteAddr.IsMulticast() {
		as.AddMulticast(remoteAddr)
	} else {
		as.AddUnicast(remoteAddr)
	}

	w.mu.Lock()
	w.remoteReaders[remoteReaderGUID] = &remoteReader{guid: remoteReaderGUID, addr: as, reliable: reliable}
	w.mu.Unlock()
	w.matches.Add(match.Record{Remote: remoteReaderGUID, Reliable: reliable})
	if reliable {
		w.rel.AddMatch(remoteReaderGUID)
	}

	leaseDuration := requested.Liveliness.LeaseDuration
	if leaseDuration == rtps.DurationInfinite || leaseDuration <= 0 {
		leaseDuration = rtps.Duration(30 * time.Second)
	}
	d.leases.Track(remoteReaderGUID, time.Now().Add(leaseDuration.AsTime()))
	return nil
}

// MatchReader wires a local reader to a remote writer, symmetric to
// Match. cfg configures the per-proxy-writer defragmenter and reorder
// buffer this match allocates.
func (d *Domain) MatchReader(r *Reader, remoteWriterGUID rtps.GUID, remoteAddr rtps.Locator, offered match.QoS, cfg ProxyWriterConfig) error {
	if !match.Compatible(offered, r.QoS) {
		return ErrIncompatibleQoS
	}
	reliable := offered.Reliability == match.Reliable && r.QoS.Reliability == match.Reliable

	as := addrset.New()
	if remoteAddr.IsMulticast() {
		as.AddMulticast(remoteAddr)
	} else {
		as.AddUnicast(remoteAddr)
	}

	r.addProxyWriter(remoteWriterGUID, as, reliable, cfg)
	r.matches.Add(match.Record{Remote: remoteWriterGUID, Reliable: reliable})

	leaseDuration := offered.Liveliness.LeaseDuration
	if leaseDuration == rtps.DurationInfinite || leaseDuration <= 0 {
		leaseDuration = rtps.Duration(30 * time.Second)
	}
	d.leases.Track(remoteWriterGUID, time.Now().Add(leaseDuration.AsTime()))
	return nil
}

// DeleteWriter initiates deletion of w. A reliable writer still holding
// unacknowledged data lingers first — it keeps answering ACKNACKs and
// sending heartbeats, but accepts no new writes or matches — until
// either everything is acked or a linger deadline passes; only then is
// it removed from the entity index and reclaimed through the GC.
func (d *Domain) DeleteWriter(w *Writer) {
	d.DeleteWriterLinger(w, writerLingerDuration)
}

// DeleteWriterLinger is DeleteWriter with an explicit linger bound.
func (d *Domain) DeleteWriterLinger(w *Writer, linger time.Duration) {
	w.mu.Lock()
	if w.state != WriterOperational {
		w.mu.Unlock()
		return
	}
	hasReliable := false
	for _, rr := range w.remoteReaders {
		if rr.reliable {
			hasReliable = true
			break
		}
	}
	unacked := w.whc.GetState().UnackedBytes
	if hasReliable && unacked > 0 && linger > 0 {
		w.state = WriterLingering
		w.mu.Unlock()
		deadline := time.Now().Add(linger)
		d.sched.After(writerLingerPoll, func(time.Time) { d.pollLingeringWriter(w, deadline) })
		return
	}
	w.state = WriterDeleting
	w.mu.Unlock()
	d.finalizeWriter(w)
}

func (d *Domain) pollLingeringWriter(w *Writer, deadline time.Time) {
	if w.whc.GetState().UnackedBytes > 0 && time.Now().Before(deadline) {
		d.sched.After(writerLingerPoll, func(time.Time) { d.pollLingeringWriter(w, deadline) })
		return
	}
	w.mu.Lock()
	w.state = WriterDeleting
	w.mu.Unlock()
	d.finalizeWriter(w)
}

// finalizeWriter removes w from the entity index synchronously (no new
// match possible) and enqueues its memory for reclamation once every
// domain worker has quiesced past this point.
func (d *Domain) finalizeWriter(w *Writer) {
	d.writers.Remove(w.GUID)
	w.mu.Lock()
	hb := w.hbHandle
	w.mu.Unlock()
	hb.Cancel()
	for remote := range w.snapshotRemotes() {
		d.leases.Cancel(remote)
	}
	d.gcq.Enqueue(func() {
		if d.metrics != nil {
			d.metrics.GCReclaimed.WithLabelValues("writer").Inc()
		}
	})
}

// DeleteReader removes r from the entity index synchronously and
// enqueues its memory (including its delivery queue) for reclamation.
// Because a reader's delivery queue may still have a consumer
// goroutine about to pop an item sourced from it, this path is the
// proxy-writer-deletion variant of GC: reclamation additionally waits
// for a bubble marker to drain from the queue.
func (d *Domain) DeleteReader(r *Reader) {
	d.readers.Remove(r.GUID)
	for remote := range r.snapshotRemotes() {
		d.leases.Cancel(remote)
	}
	d.gcq.EnqueueProxyWriterDeletion(func() {
		r.queue.Close()
		if d.metrics != nil {
			d.metrics.GCReclaimed.WithLabelValues("reader").Inc()
		}
	}, r.queue)
}

// checkLeasesTick polls the lease administration heap for deadlines
// that have passed, declares the owning remote endpoints
// not-responsive, tears down every match referencing them, and
// reschedules itself. The published minimum deadline is what a
// lock-free observer would read; this poll is the mutating side that
// actually walks the heap.
func (d *Domain) checkLeasesTick(now time.Time) {
	withVTime(&d.schedVTime, func() {
		d.gcq.Poll()
		if d.metrics != nil {
			d.metrics.GCPending.Set(float64(d.gcq.Pending()))
		}
		expired := d.leases.ExpireBefore(now)
		for _, remote := range expired {
			d.onPeerUnresponsive(remote)
		}
	})
	d.tickMu.Lock()
	if !d.closed {
		d.leaseTick = d.sched.After(leaseCheckInterval, d.checkLeasesTick)
	}
	d.tickMu.Unlock()
}

// onPeerUnresponsive tears down every local match referencing a remote
// endpoint whose lease just expired. A remote matched against a local reader is, in this
// engine's terms, a proxy writer — removing it goes through the
// bubble-draining GC path exactly as an explicit proxy-writer deletion
// would, since the reader's delivery queue may still carry samples
// sourced from it.
func (d *Domain) onPeerUnresponsive(remote rtps.GUID) {
	for _, w := range d.writers.Enumerate() {
		if w.removeRemote(remote) {
			if d.metrics != nil {
				d.metrics.LeaseExpirations.WithLabelValues(w.Topic).Inc()
			}
		}
	}
	for _, r := range d.readers.Enumerate() {
		if r.removeProxyWriter(remote) {
			if d.metrics != nil {
				d.metrics.LeaseExpirations.WithLabelValues(r.Topic).Inc()
			}
			d.gcq.EnqueueProxyWriterDeletion(func() {}, r.queue)
		}
	}
}

// handleMessage is the transport receive callback: it decodes an RTPS
// message and dispatches each submessage to the local writer or reader
// it addresses. Malformed input is dropped and logged, never fatal.
func (d *Domain) handleMessage(src rtps.Locator, raw []byte) {
	withVTime(&d.receiveVTime, func() {
		msg, err := wire.DecodeMessage(raw)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed message")
			return
		}
		remotePrefix := msg.Header.GUIDPrefix
		for _, sm := range msg.Submessages {
			d.dispatchSubmessage(remotePrefix, sm)
		}
	})
}

func (d *Domain) dispatchSubmessage(remotePrefix rtps.GUIDPrefix, sm wire.RawSubmessage) {
	switch sm.Header.ID {
	case wire.SubmsgDATA:
		m, err := wire.DecodeData(sm.Header, sm.Body)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed DATA")
			return
		}
		reader, ok := d.readers.Lookup(rtps.GUID{Prefix: d.Prefix, Entity: m.ReaderID})
		if !ok {
			return
		}
		writer := rtps.GUID{Prefix: remotePrefix, Entity: m.WriterID}
		reader.onData(writer, m.WriterSN, m.Payload)

	case wire.SubmsgDATAFRAG:
		m, err := wire.DecodeDataFrag(sm.Header, sm.Body)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed DATAFRAG")
			return
		}
		reader, ok := d.readers.Lookup(rtps.GUID{Prefix: d.Prefix, Entity: m.ReaderID})
		if !ok {
			return
		}
		writer := rtps.GUID{Prefix: remotePrefix, Entity: m.WriterID}
		reader.onDataFrag(writer, m)

	case wire.SubmsgHEARTBEAT:
		m, err := wire.DecodeHeartbeat(sm.Header, sm.Body)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed HEARTBEAT")
			return
		}
		reader, ok := d.readers.Lookup(rtps.GUID{Prefix: d.Prefix, Entity: m.ReaderID})
		if !ok {
			return
		}
		writer := rtps.GUID{Prefix: remotePrefix, Entity: m.WriterID}
		d.leases.Renew(writer, time.Now().Add(30*time.Second))
		reader.onHeartbeat(writer, m)

	case wire.SubmsgGAP:
		m, err := wire.DecodeGap(sm.Header, sm.Body)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed GAP")
			return
		}
		reader, ok := d.readers.Lookup(rtps.GUID{Prefix: d.Prefix, Entity: m.ReaderID})
		if !ok {
			return
		}
		writer := rtps.GUID{Prefix: remotePrefix, Entity: m.WriterID}
		reader.onGap(writer, m)

	case wire.SubmsgACKNACK:
		m, err := wire.DecodeAckNack(sm.Header, sm.Body)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed ACKNACK")
			return
		}
		writer, ok := d.writers.Lookup(rtps.GUID{Prefix: d.Prefix, Entity: m.WriterID})
		if !ok {
			return
		}
		reader := rtps.GUID{Prefix: remotePrefix, Entity: m.ReaderID}
		if d.metrics != nil {
			d.metrics.AckNacksRecv.WithLabelValues(writer.Topic).Inc()
		}
		writer.onAckNack(reader, m)

	case wire.SubmsgNACKFRAG:
		m, err := wire.DecodeNackFrag(sm.Header, sm.Body)
		if err != nil {
			d.Log.WithError(err).Debug("dropping malformed NACKFRAG")
			return
		}
		writer, ok := d.writers.Lookup(rtps.GUID{Prefix: d.Prefix, Entity: m.WriterID})
		if !ok {
			return
		}
		reader := rtps.GUID{Prefix: remotePrefix, Entity: m.ReaderID}
		if d.metrics != nil {
			d.metrics.NackFragsRecv.WithLabelValues(writer.Topic).Inc()
		}
		writer.onNackFrag(reader, m)

	default:
		// INFO_TS / INFO_SRC / INFO_DST / HEARTBEATFRAG and anything this
		// layer doesn't know about: a conforming implementation skips
		// submessages it doesn't understand rather than rejecting the
		// message.
	}
}

// ProxyWriterConfig bundles the resource bounds a matched proxy writer
// needs on the reader side: fragment reassembly table size and overflow
// policy, reorder buffer capacity and overflow policy.
type ProxyWriterConfig struct {
	MaxFragmentedInFlight  int
	FragmentOverflowPolicy defrag.OverflowPolicy
	ReorderCapacity        int
	ReorderOverflowPolicy  reorder.OverflowPolicy
}

// DeliveryItem re-exports delivery.Item for admin/CLI callers that want
// the queue shape without importing internal/delivery directly.
type DeliveryItem = delivery.Item

// buildMessage concatenates a header for this domain with already-encoded
// submessages into one wire message.
func (d *Domain) buildMessage(subs ...[]byte) []byte {
	hdr := wire.Header{Version: wire.ProtocolVersion{Major: 2, Minor: 3}, GUIDPrefix: d.Prefix}
	buf := append([]byte(nil), hdr.Encode()...)
	for _, s := range subs {
		buf = append(buf, s...)
	}
	return buf
}

// sendTo transmits raw to every locator in as.
func (d *Domain) sendTo(as *addrset.AddrSet, raw []byte) {
	for _, loc := range as.Locators() {
		if err := d.transport.Send(loc, raw); err != nil {
			d.Log.WithError(err).Debug("send failed")
		}
	}
}
