package sharding

type (
	// MembershipEventKind classifies cluster membership transitions.
	MembershipEventKind int

	// MembershipEvent is delivered by the external membership collaborator
	// (gossip, failure detector). The sharding layer never detects failures
	// itself.
	MembershipEvent struct {
		Kind   MembershipEventKind
		Region RegionID
	}

	// MembershipSource feeds membership events into the coordinator.
	MembershipSource interface {
		Events() <-chan MembershipEvent
	}
)

const (
	// RegionUp means the region joined the cluster.
	RegionUp MembershipEventKind = iota
	// RegionUnreachable means the failure detector suspects the region.
	// Suspicion alone does not free its shards.
	RegionUnreachable
	// RegionRemoved means the region permanently left. All of its allocations
	// are dropped without waiting for handoff.
	RegionRemoved
)

func (k MembershipEventKind) String() string {
	switch k {
	case RegionUp:
		return "up"
	case RegionUnreachable:
		return "unreachable"
	case RegionRemoved:
		return "removed"
	default:
		return "unknown"
	}
}
