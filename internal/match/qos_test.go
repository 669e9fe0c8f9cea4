package match

import (
	"testing"

	"github.com/rtps-core/ddsi/internal/rtps"
)

func baseQoS() QoS {
	return QoS{
		TopicName:     "temperature",
		TypeName:      "Sensor",
		Reliability:   Reliable,
		Durability:    TransientLocal,
		Deadline:      rtps.DurationInfinite,
		LatencyBudget: rtps.DurationInfinite,
		Liveliness:    Liveliness{Kind: Automatic, LeaseDuration: rtps.DurationInfinite},
	}
}

func TestCompatibleIdenticalQoS(t *testing.T) {
	q := baseQoS()
	if !Compatible(q, q) {
		t.Fatal("identical QoS should be compatible")
	}
}

func TestTopicOrTypeMismatchRejected(t *testing.T) {
	offered, requested := baseQoS(), baseQoS()
	requested.TopicName = "humidity"
	if Compatible(offered, requested) {
		t.Fatal("mismatched topic names should not match")
	}
	requested = baseQoS()
	requested.TypeName = "Other"
	if Compatible(offered, requested) {
		t.Fatal("mismatched type names should not match")
	}
}

func TestReliabilityRxO(t *testing.T) {
	offered, requested := baseQoS(), baseQoS()
	offered.Reliability = BestEffort
	requested.Reliability = Reliable
	if Compatible(offered, requested) {
		t.Fatal("best-effort writer must not match a reliable-requiring reader")
	}
	offered.Reliability = Reliable
	requested.Reliability = BestEffort
	if !Compatible(offered, requested) {
		t.Fatal("reliable writer should satisfy a best-effort request")
	}
}

func TestDeadlineRxO(t *testing.T) {
	offered, requested := baseQoS(), baseQoS()
	offered.Deadline = rtps.Duration(100)
	requested.Deadline = rtps.Duration(50)
	if Compatible(offered, requested) {
		t.Fatal("offered deadline weaker (larger) than requested should fail")
	}
	offered.Deadline = rtps.Duration(50)
	requested.Deadline = rtps.Duration(100)
	if !Compatible(offered, requested) {
		t.Fatal("offered deadline tighter (smaller) than requested should pass")
	}
}

func TestOwnershipMustMatchExactly(t *testing.T) {
	offered, requested := baseQoS(), baseQoS()
	offered.Ownership = Exclusive
	requested.Ownership = Shared
	if Compatible(offered, requested) {
		t.Fatal("ownership kinds must match exactly, not RxO-compare")
	}
}

func TestPartitionOverlap(t *testing.T) {
	offered, requested := baseQoS(), baseQoS()
	offered.Partitions = []string{"A", "B"}
	requested.Partitions = []string{"C"}
	if Compatible(offered, requested) {
		t.Fatal("disjoint partitions should not match")
	}
	requested.Partitions = []string{"B"}
	if !Compatible(offered, requested) {
		t.Fatal("overlapping partitions should match")
	}
	requested.Partitions = []string{"*"}
	if !Compatible(offered, requested) {
		t.Fatal("wildcard partition should match anything")
	}
}

func TestEmptyPartitionListsMatchDefault(t *testing.T) {
	offered, requested := baseQoS(), baseQoS()
	if !Compatible(offered, requested) {
		t.Fatal("both-empty partition lists should match the default partition")
	}
}
