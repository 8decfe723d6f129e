package coordinator

import (
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/ports/journal"
)

// Journal events. The allocation table is fully rebuildable from these; the
// handoff-started event is written before the old owner is contacted, so a
// coordinator that dies mid-handoff recovers the shard as unallocated.
type (
	ShardHomeAllocated struct {
		Shard  sharding.ShardKey `json:"shard"`
		Region sharding.RegionID `json:"region"`
	}

	ShardHandoffStarted struct {
		Shard sharding.ShardKey `json:"shard"`
	}

	ShardHomeDeallocated struct {
		Shard sharding.ShardKey `json:"shard"`
	}
)

func (ShardHomeAllocated) EventType() string   { return "shardr.coord.allocated" }
func (ShardHandoffStarted) EventType() string  { return "shardr.coord.handoff-started" }
func (ShardHomeDeallocated) EventType() string { return "shardr.coord.deallocated" }

// NewEventRegistry returns a registry that decodes all coordinator events.
func NewEventRegistry() *journal.Registry {
	r := journal.NewRegistry()
	r.RegisterEvents(
		journal.Event[ShardHomeAllocated](),
		journal.Event[ShardHandoffStarted](),
		journal.Event[ShardHomeDeallocated](),
	)
	return r
}
