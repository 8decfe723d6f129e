package sharding

import "github.com/codewandler/shardr-go/core/metrics"

// CoordinatorMetrics instruments the coordinator. All methods are safe for
// concurrent use.
type CoordinatorMetrics interface {
	RegionsRegistered(count int)
	ShardsAllocated(count int)
	AllocationCompleted(success bool)
	RebalanceRound(moved int)
	HandoffCompleted(forced bool)
	JournalAppendDuration() metrics.Timer
}

// RegionMetrics instruments a region's routing and cache behavior.
type RegionMetrics interface {
	CacheHit(local bool)
	CacheMiss()
	CacheInvalidated()
	ResolveDuration() metrics.Timer
	ResolveCompleted(success bool)
	DeliveryCompleted(success bool)
	MessagesBuffered(count int)
}

// ShardMetrics instruments entity lifecycle inside shards.
type ShardMetrics interface {
	EntitiesActive(shard string, count int)
	EntityPassivated()
	EntitiesRecovered(count int)
	HandoffDrainDuration() metrics.Timer
}

type (
	nopCoordinatorMetrics struct{}
	nopRegionMetrics      struct{}
	nopShardMetrics       struct{}
)

func (nopCoordinatorMetrics) RegionsRegistered(int)                {}
func (nopCoordinatorMetrics) ShardsAllocated(int)                  {}
func (nopCoordinatorMetrics) AllocationCompleted(bool)             {}
func (nopCoordinatorMetrics) RebalanceRound(int)                   {}
func (nopCoordinatorMetrics) HandoffCompleted(bool)                {}
func (nopCoordinatorMetrics) JournalAppendDuration() metrics.Timer { return metrics.NopTimer() }

func (nopRegionMetrics) CacheHit(bool)                  {}
func (nopRegionMetrics) CacheMiss()                     {}
func (nopRegionMetrics) CacheInvalidated()              {}
func (nopRegionMetrics) ResolveDuration() metrics.Timer { return metrics.NopTimer() }
func (nopRegionMetrics) ResolveCompleted(bool)          {}
func (nopRegionMetrics) DeliveryCompleted(bool)         {}
func (nopRegionMetrics) MessagesBuffered(int)           {}

func (nopShardMetrics) EntitiesActive(string, int)          {}
func (nopShardMetrics) EntityPassivated()                   {}
func (nopShardMetrics) EntitiesRecovered(int)               {}
func (nopShardMetrics) HandoffDrainDuration() metrics.Timer { return metrics.NopTimer() }

// NopCoordinatorMetrics returns a no-op CoordinatorMetrics implementation.
func NopCoordinatorMetrics() CoordinatorMetrics { return nopCoordinatorMetrics{} }

// NopRegionMetrics returns a no-op RegionMetrics implementation.
func NopRegionMetrics() RegionMetrics { return nopRegionMetrics{} }

// NopShardMetrics returns a no-op ShardMetrics implementation.
func NopShardMetrics() ShardMetrics { return nopShardMetrics{} }
