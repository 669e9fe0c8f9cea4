package defrag

import (
	"testing"

	"github.com/rtps-core/ddsi/internal/rtps"
)

func TestAssemblesInOrderArrival(t *testing.T) {
	d := New(8, DropOldest)
	if out, _ := d.Accept(1, 1, 2, []byte("ab")); out != InProgress {
		t.Fatalf("expected InProgress, got %v", out)
	}
	out, data := d.Accept(1, 2, 2, []byte("cd"))
	if out != Complete {
		t.Fatalf("expected Complete, got %v", out)
	}
	if string(data) != "abcd" {
		t.Fatalf("unexpected assembled data: %q", data)
	}
}

func TestAssemblesOutOfOrderArrival(t *testing.T) {
	d := New(8, DropOldest)
	d.Accept(1, 3, 3, []byte("C"))
	d.Accept(1, 1, 3, []byte("A"))
	out, data := d.Accept(1, 2, 3, []byte("B"))
	if out != Complete || string(data) != "ABC" {
		t.Fatalf("got (%v, %q)", out, data)
	}
}

func TestDuplicateFragmentDiscarded(t *testing.T) {
	d := New(8, DropOldest)
	d.Accept(1, 1, 2, []byte("ab"))
	out, _ := d.Accept(1, 1, 2, []byte("ab"))
	if out != InProgress {
		t.Fatalf("expected duplicate to report InProgress (not complete), got %v", out)
	}
	if d.Stats().DiscardedFragmentBytes != 2 {
		t.Fatalf("expected 2 discarded bytes, got %d", d.Stats().DiscardedFragmentBytes)
	}
}

func TestFragmentBelowLastDeliveredDiscarded(t *testing.T) {
	d := New(8, DropOldest)
	d.SetLastDeliveredSeq(5)
	out, _ := d.Accept(3, 1, 2, []byte("xy"))
	if out != Dropped {
		t.Fatalf("expected Dropped for seq <= last_delivered_seq, got %v", out)
	}
}

func TestDropOldestEvictsLowestSeqWhenFull(t *testing.T) {
	d := New(2, DropOldest)
	d.Accept(rtps.SequenceNumber(1), 1, 2, []byte("a"))
	d.Accept(rtps.SequenceNumber(2), 1, 2, []byte("b"))
	// Table full (2 partials in flight); a fragment for a new seq should
	// evict seq 1.
	d.Accept(rtps.SequenceNumber(3), 1, 2, []byte("c"))
	if d.InFlight() != 2 {
		t.Fatalf("expected 2 in flight after eviction, got %d", d.InFlight())
	}
	// seq 1's remaining fragment should now start a fresh partial (old
	// one was evicted), not complete the original half.
	out, _ := d.Accept(rtps.SequenceNumber(1), 2, 2, []byte("a2"))
	if out != InProgress {
		t.Fatalf("expected the evicted sample to restart as InProgress, got %v", out)
	}
}

func TestDropNewestRejectsIncomingWhenFull(t *testing.T) {
	d := New(1, DropNewest)
	d.Accept(rtps.SequenceNumber(1), 1, 2, []byte("a"))
	out, _ := d.Accept(rtps.SequenceNumber(2), 1, 2, []byte("b"))
	if out != Dropped {
		t.Fatalf("expected DROP_NEWEST to drop the incoming fragment, got %v", out)
	}
	if d.InFlight() != 1 {
		t.Fatalf("expected original partial still in flight, got %d", d.InFlight())
	}
}
