package reliability

import (
	"testing"

	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/whc"
	"github.com/rtps-core/ddsi/internal/wire"
)

func guid(b byte) rtps.GUID {
	var g rtps.GUID
	g.Prefix[0] = b
	return g
}

func newTestWHC() *whc.WHC {
	return whc.New(whc.QoS{Kind: whc.KeepAll, HighWatermark: 1 << 20, LowWatermark: 1 << 19, FragmentSize: 64})
}

func TestWriterOnAckNackRetransmitsRequestedSeqs(t *testing.T) {
	w := newTestWHC()
	w.Insert(1, "k", []byte("a"), false)
	w.Insert(2, "k", []byte("b"), false)
	w.Insert(3, "k", []byte("c"), false)

	reader := guid(1)
	wr := NewWriter(guid(0), w, 1<<20)
	wr.AddMatch(reader)

	an := wire.AckNack{
		ReaderSNState: wire.NewSequenceNumberSet(2, 2, []rtps.SequenceNumber{2, 3}),
		Count:         1,
	}
	res, err := wr.OnAckNack(reader, an)
	if err != nil {
		t.Fatalf("OnAckNack: %v", err)
	}
	if len(res.Retransmits) != 2 {
		t.Fatalf("expected 2 retransmits, got %d", len(res.Retransmits))
	}
}

func TestWriterOnAckNackStaleCountRejected(t *testing.T) {
	w := newTestWHC()
	reader := guid(1)
	wr := NewWriter(guid(0), w, 1<<20)
	wr.AddMatch(reader)

	an := wire.AckNack{ReaderSNState: wire.NewSequenceNumberSet(1, 0, nil), Count: 5}
	if _, err := wr.OnAckNack(reader, an); err != nil {
		t.Fatalf("first acknack: %v", err)
	}
	if _, err := wr.OnAckNack(reader, an); err != ErrStaleCount {
		t.Fatalf("expected ErrStaleCount for repeated count, got %v", err)
	}
}

func TestWriterOnAckNackRemovesAckedMessages(t *testing.T) {
	w := newTestWHC()
	w.Insert(1, "k", []byte("a"), false)
	w.Insert(2, "k", []byte("b"), false)

	reader := guid(1)
	wr := NewWriter(guid(0), w, 1<<20)
	wr.AddMatch(reader)

	an := wire.AckNack{ReaderSNState: wire.NewSequenceNumberSet(3, 0, nil), Count: 1} // acks everything up to 2
	if _, err := wr.OnAckNack(reader, an); err != nil {
		t.Fatalf("OnAckNack: %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("expected acked messages removed, %d remain", w.Len())
	}
}

func TestWriterOnNackFragTrimmedSampleGapsWhole(t *testing.T) {
	w := newTestWHC()
	w.Insert(1, "k", []byte("0123456789"), false)
	w.RemoveAckedMessages(1) // trims seq 1 entirely

	reader := guid(1)
	wr := NewWriter(guid(0), w, 1<<20)
	wr.AddMatch(reader)

	nf := wire.NackFrag{
		WriterSN:            1,
		FragmentNumberState: wire.NewFragmentNumberSet(1, 1, []rtps.FragmentNumber{1}),
		Count:               1,
	}
	res, err := wr.OnNackFrag(reader, nf)
	if err != nil {
		t.Fatalf("OnNackFrag: %v", err)
	}
	if !res.WholeSampleGapped {
		t.Fatal("expected WholeSampleGapped for a trimmed sample")
	}
}

func TestReaderOnHeartbeatSchedulesAckNackWhenMissing(t *testing.T) {
	r := NewReader(1)
	buf := reorder.New(64, reorder.NotAccepted, 1)
	writer := guid(2)
	r.AddProxyWriter(writer, buf)

	hb := wire.Heartbeat{FirstSN: 1, LastSN: 5, Count: 1, Final: true}
	schedule, _, err := r.OnHeartbeat(writer, hb)
	if err != nil {
		t.Fatalf("OnHeartbeat: %v", err)
	}
	if !schedule {
		t.Fatal("expected ACKNACK scheduled since samples 1..5 are all missing")
	}
}

func TestReaderOnHeartbeatAdvancesPastDiscardedPrefix(t *testing.T) {
	r := NewReader(1)
	buf := reorder.New(64, reorder.NotAccepted, 1)
	writer := guid(2)
	r.AddProxyWriter(writer, buf)

	buf.Accept(5, []byte("e")) // buffered ahead, waiting for 1..4

	hb := wire.Heartbeat{FirstSN: 5, LastSN: 5, Count: 1, Final: true}
	_, delivered, err := r.OnHeartbeat(writer, hb)
	if err != nil {
		t.Fatalf("OnHeartbeat: %v", err)
	}
	if len(delivered.Seqs) != 1 || delivered.Seqs[0] != 5 {
		t.Fatalf("expected seq 5 delivered once 1..4 declared gone, got %v", delivered.Seqs)
	}
}

func TestReaderGenerateAckNackSuppressesIdenticalBitmap(t *testing.T) {
	r := NewReader(1)
	buf := reorder.New(64, reorder.NotAccepted, 1)
	writer := guid(2)
	r.AddProxyWriter(writer, buf)

	hb := wire.Heartbeat{FirstSN: 1, LastSN: 3, Count: 1, Final: false}
	r.OnHeartbeat(writer, hb)

	an1, ok1 := r.GenerateAckNack(writer, rtps.EntityID{}, rtps.EntityID{})
	if !ok1 {
		t.Fatal("expected first ACKNACK to be generated")
	}
	_, ok2 := r.GenerateAckNack(writer, rtps.EntityID{}, rtps.EntityID{})
	if ok2 {
		t.Fatal("expected identical repeat ACKNACK to be suppressed")
	}
	if an1.Final {
		t.Fatal("expected non-final ACKNACK while samples are still missing")
	}
}

func TestReaderOnGapAdvancesBuffer(t *testing.T) {
	r := NewReader(1)
	buf := reorder.New(64, reorder.NotAccepted, 1)
	writer := guid(2)
	r.AddProxyWriter(writer, buf)
	buf.Accept(4, []byte("d"))

	gap := wire.Gap{GapStart: 1, GapList: wire.NewSequenceNumberSet(4, 0, nil)}
	delivered, err := r.OnGap(writer, gap)
	if err != nil {
		t.Fatalf("OnGap: %v", err)
	}
	if len(delivered.Seqs) != 1 || delivered.Seqs[0] != 4 {
		t.Fatalf("expected seq 4 delivered after gap, got %v", delivered.Seqs)
	}
}

func TestReaderOnGapConsumesScatteredBits(t *testing.T) {
	r := NewReader(1)
	buf := reorder.New(64, reorder.NotAccepted, 1)
	writer := guid(2)
	r.AddProxyWriter(writer, buf)
	buf.Accept(6, []byte("f")) // buffered, waiting on 1..5

	// gapStart=1, GapList.Base=2 declares {1} irrecoverable via the
	// contiguous range; bits set for 2, 3, 4 and 5 within [2,6) declare
	// the rest of the hole irrecoverable too. Every seq 1..5 is covered
	// by the gap, so 6 drains immediately.
	gap := wire.Gap{GapStart: 1, GapList: wire.NewSequenceNumberSet(2, 4, []rtps.SequenceNumber{2, 3, 4, 5})}
	delivered, err := r.OnGap(writer, gap)
	if err != nil {
		t.Fatalf("OnGap: %v", err)
	}
	if len(delivered.Seqs) != 1 || delivered.Seqs[0] != 6 {
		t.Fatalf("expected seq 6 delivered once the whole gap range is covered, got %v", delivered.Seqs)
	}
	if buf.ExpectedNext() != 7 {
		t.Fatalf("expected_next_seq should advance to 7, got %d", buf.ExpectedNext())
	}
}
