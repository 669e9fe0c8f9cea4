package reorder

import (
	"testing"

	"github.com/rtps-core/ddsi/internal/rtps"
)

func TestInOrderDeliveryImmediate(t *testing.T) {
	b := New(8, NotAccepted, 1)
	out, seqs, _ := b.Accept(1, []byte("a"))
	if out != Delivered || len(seqs) != 1 || seqs[0] != 1 {
		t.Fatalf("got (%v, %v)", out, seqs)
	}
}

func TestOutOfOrderBuffersThenDeliversContiguousRun(t *testing.T) {
	b := New(8, NotAccepted, 1)
	out, _, _ := b.Accept(3, []byte("c"))
	if out != Buffered {
		t.Fatalf("expected Buffered for seq ahead of expected, got %v", out)
	}
	out, _, _ = b.Accept(2, []byte("b"))
	if out != Buffered {
		t.Fatalf("expected Buffered, got %v", out)
	}
	out, seqs, payloads := b.Accept(1, []byte("a"))
	if out != Delivered {
		t.Fatalf("expected Delivered once gap closes, got %v", out)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("expected contiguous run 1,2,3 delivered, got %v", seqs)
	}
	if string(payloads[0]) != "a" || string(payloads[1]) != "b" || string(payloads[2]) != "c" {
		t.Fatalf("unexpected payload order: %v", payloads)
	}
	if b.ExpectedNext() != 4 {
		t.Fatalf("expected_next_seq should be 4, got %d", b.ExpectedNext())
	}
}

func TestBehindExpectedDiscarded(t *testing.T) {
	b := New(8, NotAccepted, 5)
	out, _, _ := b.Accept(3, []byte("stale"))
	if out != Discarded {
		t.Fatalf("expected Discarded for seq < expected_next, got %v", out)
	}
	if b.Stats().DiscardedSampleBytes != 5 {
		t.Fatalf("expected 5 discarded bytes, got %d", b.Stats().DiscardedSampleBytes)
	}
}

func TestGapAdvancesAndUnblocksBuffered(t *testing.T) {
	b := New(8, NotAccepted, 1)
	b.Accept(3, []byte("c")) // buffered, waiting on 1,2

	seqs, payloads := b.AdvancePastGap(3) // declares 1,2 irrecoverable
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Fatalf("expected seq 3 to become deliverable after gap, got %v", seqs)
	}
	if string(payloads[0]) != "c" {
		t.Fatalf("unexpected payload: %q", payloads[0])
	}
	if b.ExpectedNext() != 4 {
		t.Fatalf("expected_next_seq should advance to 4, got %d", b.ExpectedNext())
	}
}

func TestMarkSkippedUnblocksBufferedRun(t *testing.T) {
	b := New(8, NotAccepted, 1)
	b.Accept(4, []byte("d")) // buffered, waiting on 1,2,3

	seqs, payloads := b.MarkSkipped([]rtps.SequenceNumber{1, 2, 3})
	if len(seqs) != 1 || seqs[0] != 4 {
		t.Fatalf("expected seq 4 to become deliverable once 1-3 are skipped, got %v", seqs)
	}
	if string(payloads[0]) != "d" {
		t.Fatalf("unexpected payload: %q", payloads[0])
	}
	if b.ExpectedNext() != 5 {
		t.Fatalf("expected_next_seq should advance to 5, got %d", b.ExpectedNext())
	}
}

func TestMarkSkippedIgnoresAlreadyBufferedData(t *testing.T) {
	b := New(8, NotAccepted, 1)
	b.Accept(2, []byte("real")) // buffered, waiting on 1

	// Seq 1 is marked skipped (no sample), seq 2 already carries real
	// data — marking it skipped too must not discard that data.
	seqs, payloads := b.MarkSkipped([]rtps.SequenceNumber{1, 2})
	if len(seqs) != 1 || seqs[0] != 2 || string(payloads[0]) != "real" {
		t.Fatalf("expected only seq 2's real payload to drain, got seqs=%v payloads=%v", seqs, payloads)
	}
	if b.ExpectedNext() != 3 {
		t.Fatalf("expected_next_seq should advance to 3, got %d", b.ExpectedNext())
	}
}

func TestMissingReportsGapRange(t *testing.T) {
	b := New(8, NotAccepted, 1)
	b.Accept(4, []byte("d"))
	missing := b.Missing(4)
	want := []rtps.SequenceNumber{1, 2, 3}
	if len(missing) != len(want) {
		t.Fatalf("expected %v, got %v", want, missing)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, missing)
		}
	}
}

func TestNotAcceptedPolicyRejectsOverCapacity(t *testing.T) {
	b := New(1, NotAccepted, 1)
	b.Accept(2, []byte("x")) // fills the one slot
	out, _, _ := b.Accept(3, []byte("y"))
	if out != Rejected {
		t.Fatalf("expected Rejected under NotAccepted policy at capacity, got %v", out)
	}
}

func TestDropOverCapacityPolicyDiscards(t *testing.T) {
	b := New(1, DropOverCapacity, 1)
	b.Accept(2, []byte("x"))
	out, _, _ := b.Accept(3, []byte("y"))
	if out != Discarded {
		t.Fatalf("expected Discarded under DropOverCapacity policy at capacity, got %v", out)
	}
}
