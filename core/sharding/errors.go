package sharding

import "errors"

var (
	// ErrAllocationConflict indicates two concurrent grants were observed for
	// the same shard. The coordinator serializes grants, so seeing this is a
	// protocol bug, not a recoverable runtime condition.
	ErrAllocationConflict = errors.New("allocation conflict")

	// ErrHandoffTimeout indicates the previous owner did not confirm a handoff
	// within the configured timeout. The coordinator proceeds to reallocate.
	ErrHandoffTimeout = errors.New("handoff timeout")

	// ErrPersistenceFailure indicates the coordinator could not durably record
	// a decision. Fatal to the coordinator instance.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrRegionUnreachable indicates a transient delivery failure to a region.
	// The sender invalidates its cache and re-resolves.
	ErrRegionUnreachable = errors.New("region unreachable")

	// ErrDeliveryFailed is the only failure surfaced to message senders, after
	// the retry budget is exhausted.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrUnknownPartition indicates the partition function returned nothing
	// for a message. The message is undeliverable, never silently dropped.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrNoRegionsAvailable indicates no region is registered (or all are
	// leaving), so a shard cannot be allocated.
	ErrNoRegionsAvailable = errors.New("no regions available")
)
