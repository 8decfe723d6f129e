package sharding

import "sort"

type (
	// AllocationStrategy decides where new shards live and which shards move
	// during rebalancing. Implementations must be pure: no I/O, no hidden
	// state, identical inputs producing identical output. The coordinator
	// relies on that determinism when replaying history after a restart.
	AllocationStrategy interface {
		// AllocateShard picks an owner for an unallocated shard from the
		// candidate regions.
		AllocateShard(candidates []RegionID, current map[ShardKey]RegionID, shard ShardKey) (RegionID, error)

		// RebalanceShards returns the shards to move this round. regions is
		// the full set of live regions, including ones that own nothing yet.
		// Shards in inHandoff are never selected. shardSizes weights region
		// load; a missing size counts as 1.
		RebalanceShards(regions []RegionID, current map[ShardKey]RegionID, shardSizes map[ShardKey]int, inHandoff map[ShardKey]struct{}) []ShardKey
	}

	// LeastShardStrategy allocates to the candidate owning the fewest shards
	// and rebalances away from the most loaded regions, bounded per round to
	// avoid churn. Ties break on RegionID ordering so decisions are
	// reproducible.
	LeastShardStrategy struct {
		// MaxShardsPerRound caps how many shards one rebalance round may move.
		MaxShardsPerRound int
		// RebalanceThreshold is the minimum load difference between the most
		// and least loaded region before a shard is moved.
		RebalanceThreshold int
	}
)

// DefaultStrategy returns a LeastShardStrategy with conservative bounds.
func DefaultStrategy() LeastShardStrategy {
	return LeastShardStrategy{MaxShardsPerRound: 2, RebalanceThreshold: 1}
}

func (s LeastShardStrategy) AllocateShard(candidates []RegionID, current map[ShardKey]RegionID, _ ShardKey) (RegionID, error) {
	if len(candidates) == 0 {
		return "", ErrNoRegionsAvailable
	}

	counts := make(map[RegionID]int, len(candidates))
	for _, r := range candidates {
		counts[r] = 0
	}
	for _, owner := range current {
		if _, ok := counts[owner]; ok {
			counts[owner]++
		}
	}

	sorted := append([]RegionID(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	best := sorted[0]
	for _, r := range sorted[1:] {
		if counts[r] < counts[best] {
			best = r
		}
	}
	return best, nil
}

func (s LeastShardStrategy) RebalanceShards(regions []RegionID, current map[ShardKey]RegionID, shardSizes map[ShardKey]int, inHandoff map[ShardKey]struct{}) []ShardKey {
	if len(regions) < 2 {
		return nil
	}
	max := s.MaxShardsPerRound
	if max <= 0 {
		max = 1
	}
	threshold := s.RebalanceThreshold
	if threshold <= 0 {
		threshold = 1
	}

	// region -> movable shards, sorted for determinism
	byRegion := make(map[RegionID][]ShardKey)
	load := make(map[RegionID]int, len(regions))
	for _, r := range regions {
		load[r] = 0
	}
	for shard, owner := range current {
		if _, live := load[owner]; !live {
			continue
		}
		load[owner] += sizeOf(shardSizes, shard)
		if _, moving := inHandoff[shard]; moving {
			continue
		}
		byRegion[owner] = append(byRegion[owner], shard)
	}

	ordered := append([]RegionID(nil), regions...)
	for _, r := range ordered {
		sort.Slice(byRegion[r], func(i, j int) bool { return byRegion[r][i] < byRegion[r][j] })
	}
	// most loaded first, ties by id
	sort.Slice(ordered, func(i, j int) bool {
		if load[ordered[i]] != load[ordered[j]] {
			return load[ordered[i]] > load[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})

	minLoad := load[ordered[len(ordered)-1]]

	selected := make([]ShardKey, 0, max)
	for _, r := range ordered {
		surplus := load[r] - minLoad
		for _, shard := range byRegion[r] {
			if len(selected) >= max || surplus < threshold {
				break
			}
			selected = append(selected, shard)
			surplus -= sizeOf(shardSizes, shard)
		}
		if len(selected) >= max {
			break
		}
	}
	return selected
}

func sizeOf(sizes map[ShardKey]int, shard ShardKey) int {
	if n, ok := sizes[shard]; ok && n > 0 {
		return n
	}
	return 1
}

var _ AllocationStrategy = LeastShardStrategy{}
