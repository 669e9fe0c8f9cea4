package domain

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rtps-core/ddsi/internal/defrag"
	"github.com/rtps-core/ddsi/internal/gc"
	"github.com/rtps-core/ddsi/internal/heartbeat"
	"github.com/rtps-core/ddsi/internal/match"
	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/scheduler"
	"github.com/rtps-core/ddsi/internal/transport"
	"github.com/rtps-core/ddsi/internal/whc"
	"github.com/rtps-core/ddsi/internal/wire"
)

// orderedTransport delivers datagrams in send order on one dispatcher
// goroutine, with an optional per-datagram drop filter. The in-order
// delivery assertions below need deterministic arrival order, which
// Loopback's goroutine-per-datagram delivery does not give.
type orderedTransport struct {
	mu        sync.Mutex
	receivers map[rtps.Locator]transport.ReceiveFunc
	drop      func(raw []byte) bool
	ch        chan datagram
	done      chan struct{}
	closeOnce sync.Once
}

type datagram struct {
	dst  rtps.Locator
	data []byte
}

func newOrderedTransport() *orderedTransport {
	tr := &orderedTransport{
		receivers: make(map[rtps.Locator]transport.ReceiveFunc),
		ch:        make(chan datagram, 4096),
		done:      make(chan struct{}),
	}
	go tr.run()
	return tr
}

func (tr *orderedTransport) run() {
	for {
		select {
		case <-tr.done:
			return
		case d := <-tr.ch:
			tr.mu.Lock()
			fn := tr.receivers[d.dst]
			drop := tr.drop
			tr.mu.Unlock()
			if fn == nil || (drop != nil && drop(d.data)) {
				continue
			}
			fn(d.dst, d.data)
		}
	}
}

func (tr *orderedTransport) setDrop(f func(raw []byte) bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.drop = f
}

func (tr *orderedTransport) Send(dst rtps.Locator, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case tr.ch <- datagram{dst: dst, data: cp}:
	case <-tr.done:
	}
	return nil
}

func (tr *orderedTransport) Register(self rtps.Locator, fn transport.ReceiveFunc) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.receivers[self] = fn
	return nil
}

func (tr *orderedTransport) Close() error {
	tr.closeOnce.Do(func() { close(tr.done) })
	return nil
}

// dataSeqs extracts the writer sequence numbers of every DATA
// submessage in an encoded message, for drop filters.
func dataSeqs(raw []byte) []rtps.SequenceNumber {
	msg, err := wire.DecodeMessage(raw)
	if err != nil {
		return nil
	}
	var out []rtps.SequenceNumber
	for _, sm := range msg.Submessages {
		if sm.Header.ID != wire.SubmsgDATA {
			continue
		}
		if d, err := wire.DecodeData(sm.Header, sm.Body); err == nil {
			out = append(out, d.WriterSN)
		}
	}
	return out
}

// fragStarts extracts (seq, starting fragment number) of every DATAFRAG
// submessage in an encoded message.
func fragStarts(raw []byte) [][2]int64 {
	msg, err := wire.DecodeMessage(raw)
	if err != nil {
		return nil
	}
	var out [][2]int64
	for _, sm := range msg.Submessages {
		if sm.Header.ID != wire.SubmsgDATAFRAG {
			continue
		}
		if d, err := wire.DecodeDataFrag(sm.Header, sm.Body); err == nil {
			out = append(out, [2]int64{int64(d.WriterSN), int64(d.FragmentStartingNum)})
		}
	}
	return out
}

func testQoS(reliable bool) match.QoS {
	kind := match.BestEffort
	if reliable {
		kind = match.Reliable
	}
	return match.QoS{
		TopicName:     "e2e",
		TypeName:      "Bytes",
		Reliability:   kind,
		Deadline:      rtps.DurationInfinite,
		LatencyBudget: rtps.DurationInfinite,
		Liveliness:    match.Liveliness{LeaseDuration: rtps.DurationInfinite},
	}
}

// bringUp wires one domain with a matched writer/reader pair over tr.
func bringUp(t *testing.T, tr transport.Transport, qos match.QoS, fragSize int, listener func(DeliveryItem)) (*Domain, *Writer, *Reader) {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	var prefix rtps.GUIDPrefix
	copy(prefix[:], t.Name())
	self := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7500, Address: [16]byte{15: 1}}

	dom, err := New(1, prefix, self, tr, sched, gc.New(), nil, nil)
	if err != nil {
		t.Fatalf("bring up domain: %v", err)
	}
	t.Cleanup(dom.Close)

	whcFragSize := fragSize
	if whcFragSize <= 0 {
		whcFragSize = 1 << 20
	}
	w, err := dom.CreateWriter(qos, whc.QoS{
		Kind:          whc.KeepAll,
		HighWatermark: 1 << 20,
		LowWatermark:  1 << 19,
		FragmentSize:  whcFragSize,
	}, heartbeat.QoS{
		MinInterval:   10 * time.Millisecond,
		MaxInterval:   100 * time.Millisecond,
		LeaseDuration: rtps.DurationInfinite,
	}, 1<<20, fragSize)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	r, err := dom.CreateReader(qos, 1024, listener)
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}

	if err := dom.Match(w, r.GUID, self, qos); err != nil {
		t.Fatalf("match writer: %v", err)
	}
	if err := dom.MatchReader(r, w.GUID, self, qos, ProxyWriterConfig{
		MaxFragmentedInFlight:  16,
		FragmentOverflowPolicy: defrag.DropOldest,
		ReorderCapacity:        1024,
		ReorderOverflowPolicy:  reorder.NotAccepted,
	}); err != nil {
		t.Fatalf("match reader: %v", err)
	}
	return dom, w, r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReliableDeliveryInOrder(t *testing.T) {
	tr := newOrderedTransport()
	t.Cleanup(func() { tr.Close() })

	var mu sync.Mutex
	var got []rtps.SequenceNumber
	_, w, _ := bringUp(t, tr, testQoS(true), 0, func(item DeliveryItem) {
		mu.Lock()
		got = append(got, item.Seq)
		mu.Unlock()
	})

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := w.Write(fmt.Sprintf("k%d", i), []byte("payload"), time.Second); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "not all samples delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != rtps.SequenceNumber(i+1) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestReliableRecoveryRetransmitsAndDrainsWHC(t *testing.T) {
	tr := newOrderedTransport()
	t.Cleanup(func() { tr.Close() })

	var dropMu sync.Mutex
	droppedOnce := false
	tr.setDrop(func(raw []byte) bool {
		for _, seq := range dataSeqs(raw) {
			if seq == 3 {
				dropMu.Lock()
				defer dropMu.Unlock()
				if !droppedOnce {
					droppedOnce = true
					return true
				}
			}
		}
		return false
	})

	var mu sync.Mutex
	var got []rtps.SequenceNumber
	_, w, _ := bringUp(t, tr, testQoS(true), 0, func(item DeliveryItem) {
		mu.Lock()
		got = append(got, item.Seq)
		mu.Unlock()
	})

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := w.Write(fmt.Sprintf("k%d", i), []byte("payload"), time.Second); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "lost sample was never recovered")

	mu.Lock()
	for i, seq := range got {
		if seq != rtps.SequenceNumber(i+1) {
			mu.Unlock()
			t.Fatalf("recovery broke ordering at %d: %v", i, got)
		}
	}
	mu.Unlock()

	if err := w.WaitForAcks(3 * time.Second); err != nil {
		t.Fatalf("WaitForAcks after full delivery: %v", err)
	}
	if got := w.Stats().WHCLen; got != 0 {
		t.Fatalf("WHC should be empty after full acknowledgment, %d entries remain", got)
	}
}

func TestBestEffortLossSkipsMissingSeqs(t *testing.T) {
	tr := newOrderedTransport()
	t.Cleanup(func() { tr.Close() })

	tr.setDrop(func(raw []byte) bool {
		for _, seq := range dataSeqs(raw) {
			if seq == 3 || seq == 7 {
				return true
			}
		}
		return false
	})

	var mu sync.Mutex
	var got []rtps.SequenceNumber
	_, w, _ := bringUp(t, tr, testQoS(false), 0, func(item DeliveryItem) {
		mu.Lock()
		got = append(got, item.Seq)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		if _, err := w.Write(fmt.Sprintf("k%d", i), []byte("payload"), time.Second); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	want := []rtps.SequenceNumber{1, 2, 4, 5, 6, 8, 9, 10}
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, "surviving samples not all delivered")

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFragmentedSampleSurvivesFragmentLoss(t *testing.T) {
	tr := newOrderedTransport()
	t.Cleanup(func() { tr.Close() })

	var dropMu sync.Mutex
	droppedOnce := false
	tr.setDrop(func(raw []byte) bool {
		for _, sf := range fragStarts(raw) {
			if sf[0] == 1 && sf[1] == 5 {
				dropMu.Lock()
				defer dropMu.Unlock()
				if !droppedOnce {
					droppedOnce = true
					return true
				}
			}
		}
		return false
	})

	payload := make([]byte, 9000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var mu sync.Mutex
	var delivered [][]byte
	_, w, _ := bringUp(t, tr, testQoS(true), 1024, func(item DeliveryItem) {
		mu.Lock()
		delivered = append(delivered, item.Data)
		mu.Unlock()
	})

	if _, err := w.Write("k", payload, time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, "fragmented sample never completed")

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(delivered[0], payload) {
		t.Fatalf("reassembled sample differs from original (%d vs %d bytes)", len(delivered[0]), len(payload))
	}
}

func TestWriteTimeoutZeroOnFullWHC(t *testing.T) {
	tr := transport.NewLoopback()
	t.Cleanup(func() { tr.Close() })
	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	var prefix rtps.GUIDPrefix
	copy(prefix[:], t.Name())
	self := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7501, Address: [16]byte{15: 1}}
	dom, err := New(1, prefix, self, tr, sched, gc.New(), nil, nil)
	if err != nil {
		t.Fatalf("bring up domain: %v", err)
	}
	t.Cleanup(dom.Close)

	w, err := dom.CreateWriter(testQoS(true), whc.QoS{
		Kind:          whc.KeepAll,
		HighWatermark: 1000,
		LowWatermark:  500,
		FragmentSize:  1 << 20,
	}, heartbeat.QoS{
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 100 * time.Millisecond,
	}, 1<<20, 0)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	payload := make([]byte, 600)
	if _, err := w.Write("k1", payload, 0); err != nil {
		t.Fatalf("first write should fit below the high watermark: %v", err)
	}
	if _, err := w.Write("k2", payload, 0); err != nil {
		t.Fatalf("second write starts below the high watermark: %v", err)
	}
	if _, err := w.Write("k3", payload, 0); err != ErrTimeout {
		t.Fatalf("expected immediate ErrTimeout on a full WHC, got %v", err)
	}
	if got := w.Stats().LastSeq; got != 2 {
		t.Fatalf("rejected write must not advance seq: got %d", got)
	}
}

func TestLeaseExpiryTearsDownMatches(t *testing.T) {
	tr := newOrderedTransport()
	t.Cleanup(func() { tr.Close() })
	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	var prefix rtps.GUIDPrefix
	copy(prefix[:], t.Name())
	self := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7502, Address: [16]byte{15: 1}}
	dom, err := New(1, prefix, self, tr, sched, gc.New(), nil, nil)
	if err != nil {
		t.Fatalf("bring up domain: %v", err)
	}
	t.Cleanup(dom.Close)

	qos := testQoS(true)
	qos.Liveliness.LeaseDuration = rtps.Duration(100 * time.Millisecond)

	w, err := dom.CreateWriter(qos, whc.QoS{
		Kind:          whc.KeepAll,
		HighWatermark: 1 << 20,
		LowWatermark:  1 << 19,
		FragmentSize:  1 << 20,
	}, heartbeat.QoS{
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 100 * time.Millisecond,
	}, 1<<20, 0)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	r, err := dom.CreateReader(qos, 64, nil)
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}

	// A fictitious remote endpoint that will never renew its lease.
	var remotePrefix rtps.GUIDPrefix
	remotePrefix[0] = 0xfe
	remoteReader := rtps.GUID{Prefix: remotePrefix, Entity: rtps.NewEntityID(1, rtps.EntityKindReaderWithKey)}
	remoteWriter := rtps.GUID{Prefix: remotePrefix, Entity: rtps.NewEntityID(2, rtps.EntityKindWriterWithKey)}
	far := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 9999, Address: [16]byte{15: 2}}

	if err := dom.Match(w, remoteReader, far, qos); err != nil {
		t.Fatalf("match remote reader: %v", err)
	}
	if err := dom.MatchReader(r, remoteWriter, far, qos, ProxyWriterConfig{
		MaxFragmentedInFlight:  4,
		FragmentOverflowPolicy: defrag.DropOldest,
		ReorderCapacity:        64,
		ReorderOverflowPolicy:  reorder.NotAccepted,
	}); err != nil {
		t.Fatalf("match remote writer: %v", err)
	}
	if w.Stats().MatchCount != 1 || r.Stats().ProxyWriterCount != 1 {
		t.Fatal("expected both matches established")
	}

	waitFor(t, 2*time.Second, func() bool {
		return w.Stats().MatchCount == 0 && r.Stats().ProxyWriterCount == 0
	}, "lease expiry never tore down the silent remote's matches")
}

func TestDeleteWriterLingersUntilDeadline(t *testing.T) {
	tr := newOrderedTransport()
	t.Cleanup(func() { tr.Close() })
	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	var prefix rtps.GUIDPrefix
	copy(prefix[:], t.Name())
	self := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7503, Address: [16]byte{15: 1}}
	dom, err := New(1, prefix, self, tr, sched, gc.New(), nil, nil)
	if err != nil {
		t.Fatalf("bring up domain: %v", err)
	}
	t.Cleanup(dom.Close)

	qos := testQoS(true)
	w, err := dom.CreateWriter(qos, whc.QoS{
		Kind:          whc.KeepAll,
		HighWatermark: 1 << 20,
		LowWatermark:  1 << 19,
		FragmentSize:  1 << 20,
	}, heartbeat.QoS{
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 100 * time.Millisecond,
	}, 1<<20, 0)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	// A reliable remote that will never acknowledge anything.
	var remotePrefix rtps.GUIDPrefix
	remotePrefix[0] = 0xfd
	remoteReader := rtps.GUID{Prefix: remotePrefix, Entity: rtps.NewEntityID(1, rtps.EntityKindReaderWithKey)}
	far := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 9998, Address: [16]byte{15: 2}}
	if err := dom.Match(w, remoteReader, far, qos); err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, err := w.Write("k", []byte("unacked"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	dom.DeleteWriterLinger(w, 150*time.Millisecond)
	if got := w.State(); got != WriterLingering {
		t.Fatalf("writer with unacked data should linger, state = %d", got)
	}
	if _, ok := dom.LookupWriter(w.GUID); !ok {
		t.Fatal("lingering writer must stay resolvable for retransmit requests")
	}
	if _, err := w.Write("k2", []byte("late"), 0); err != ErrDeleted {
		t.Fatalf("write on a lingering writer should fail with ErrDeleted, got %v", err)
	}
	if err := dom.Match(w, remoteReader, far, qos); err != ErrDeleted {
		t.Fatalf("match on a lingering writer should fail with ErrDeleted, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := dom.LookupWriter(w.GUID)
		return !ok && w.State() == WriterDeleting
	}, "lingering writer was never forcibly reclaimed at the deadline")
}
