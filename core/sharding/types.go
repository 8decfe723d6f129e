// Package sharding holds the identifiers, protocol messages and pure decision
// logic of the entity-sharding layer. The stateful machines built on top of it
// live in core/coordinator, core/region and core/shard.
package sharding

// EntityKey identifies a single addressable entity. It is stable for the
// entity's logical lifetime.
type EntityKey string

// ShardKey identifies a partition. Many entity keys map to one shard key via
// an Extractor.
type ShardKey string

// RegionID identifies a node-level region instance. On the wire it doubles as
// the region's transport address.
type RegionID string
