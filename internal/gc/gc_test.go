package gc

import (
	"testing"
	"time"

	"github.com/rtps-core/ddsi/internal/delivery"
)

func TestFreesOnceAllWorkersQuiesceByAdvancing(t *testing.T) {
	g := New()
	w1, w2 := &VTime{}, &VTime{}
	g.Register(w1)
	g.Register(w2)

	freed := make(chan struct{}, 1)
	g.Enqueue(func() { freed <- struct{}{} })

	g.Poll()
	select {
	case <-freed:
		t.Fatal("should not free before any worker advances")
	default:
	}

	w1.Tick()
	w2.Tick()
	g.Poll()
	select {
	case <-freed:
	default:
		t.Fatal("expected free once both workers advanced past the stamp")
	}
}

func TestFreesImmediatelyIfWorkerAlreadyAsleep(t *testing.T) {
	g := New()
	w := &VTime{}
	w.Tick() // now odd: asleep
	g.Register(w)

	freed := make(chan struct{}, 1)
	g.Enqueue(func() { freed <- struct{}{} })
	g.Poll()
	select {
	case <-freed:
	default:
		t.Fatal("expected immediate free when the worker was already asleep at enqueue time")
	}
}

func TestNotEligibleIfWorkerStaysAwake(t *testing.T) {
	g := New()
	w := &VTime{} // starts at 0 (even: awake)
	g.Register(w)

	freed := make(chan struct{}, 1)
	g.Enqueue(func() { freed <- struct{}{} })
	g.Poll()
	select {
	case <-freed:
		t.Fatal("should not free while the worker's vtime is unchanged and even (still awake)")
	default:
	}
}

func TestProxyWriterDeletionWaitsForBubbleDrain(t *testing.T) {
	g := New()
	w := &VTime{}
	w.Tick() // asleep, quiesces immediately
	g.Register(w)

	q := delivery.New(4)
	freed := make(chan struct{}, 1)
	g.EnqueueProxyWriterDeletion(func() { freed <- struct{}{} }, q)

	g.Poll() // should push the bubble now that the worker is quiesced
	time.Sleep(20 * time.Millisecond)

	item, ok := q.Pop()
	if !ok || !item.Bubble {
		t.Fatalf("expected a bubble marker in the queue, got %+v, %v", item, ok)
	}

	g.Poll()
	select {
	case <-freed:
		t.Fatal("should not free before the bubble is reported drained")
	default:
	}

	g.NotifyBubbleDrained(item.BubbleID)
	g.Poll()
	select {
	case <-freed:
	default:
		t.Fatal("expected free once the bubble was reported drained")
	}
}
