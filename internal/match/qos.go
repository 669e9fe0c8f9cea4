// Package match implements the request/offered QoS compatibility rule
// that decides whether a local writer and a remote reader (or vice
// versa) may be matched, the per-endpoint AVL trees that record active
// matches, and the per-participant lease administration heap that
// tracks liveliness deadlines.
package match

import "github.com/rtps-core/ddsi/internal/rtps"

// ReliabilityKind orders BestEffort below Reliable so "offered >=
// requested" is a plain integer comparison.
type ReliabilityKind int

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

// DurabilityKind is ordered weakest to strongest.
type DurabilityKind int

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

// LivelinessKind is ordered weakest to strongest.
type LivelinessKind int

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

// OwnershipKind has no RxO ordering: offered and requested must match
// exactly.
type OwnershipKind int

const (
	Shared OwnershipKind = iota
	Exclusive
)

// DestinationOrderKind is ordered weakest to strongest.
type DestinationOrderKind int

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

// PresentationAccessScope is ordered weakest to strongest.
type PresentationAccessScope int

const (
	Instance PresentationAccessScope = iota
	Topic
	Group
)

// Liveliness bundles the kind and lease duration, both of which must
// satisfy RxO independently: offered kind >= requested kind AND offered
// lease duration <= requested lease duration.
type Liveliness struct {
	Kind          LivelinessKind
	LeaseDuration rtps.Duration
}

// QoS is the subset of endpoint QoS policies relevant to matching.
type QoS struct {
	TopicName        string
	TypeName         string
	Partitions       []string
	Reliability      ReliabilityKind
	Durability       DurabilityKind
	Deadline         rtps.Duration // offered <= requested
	LatencyBudget    rtps.Duration // offered <= requested
	Liveliness       Liveliness
	Ownership        OwnershipKind
	DestinationOrder DestinationOrderKind
	Presentation     PresentationAccessScope
}

func partitionsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true // empty partition list matches the default partition
	}
	for _, pa := range a {
		if pa == "*" {
			return true
		}
		for _, pb := range b {
			if pb == "*" || pb == pa {
				return true
			}
		}
	}
	return false
}

// Compatible reports whether a local writer offering `offered` QoS may
// match a remote reader requesting `requested` QoS. Caller
// is responsible for the topic/type lookup that produced these two QoS
// values and for the "ignore local" rule when both endpoints live in
// the same participant.
func Compatible(offered, requested QoS) bool {
	if offered.TopicName != requested.TopicName || offered.TypeName != requested.TypeName {
		return false
	}
	if offered.Reliability < requested.Reliability {
		return false
	}
	if offered.Durability < requested.Durability {
		return false
	}
	if requested.Deadline != rtps.DurationInfinite && offered.Deadline > requested.Deadline {
		return false
	}
	if requested.LatencyBudget != rtps.DurationInfinite && offered.LatencyBudget > requested.LatencyBudget {
		return false
	}
	if offered.Liveliness.Kind < requested.Liveliness.Kind {
		return false
	}
	if requested.Liveliness.LeaseDuration != rtps.DurationInfinite &&
		offered.Liveliness.LeaseDuration > requested.Liveliness.LeaseDuration {
		return false
	}
	if offered.Ownership != requested.Ownership {
		return false
	}
	if offered.DestinationOrder < requested.DestinationOrder {
		return false
	}
	if offered.Presentation < requested.Presentation {
		return false
	}
	return partitionsOverlap(offered.Partitions, requested.Partitions)
}
