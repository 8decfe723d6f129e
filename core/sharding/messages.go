package sharding

// Wire message types of the sharding protocol. Coordinator-bound messages are
// prefixed coord, region-bound messages region.
const (
	MsgRegisterRegion   = "shardr.coord.register"
	MsgGetShardHome     = "shardr.coord.get-home"
	MsgShardStarted     = "shardr.coord.shard-started"
	MsgShardStopped     = "shardr.coord.shard-stopped"
	MsgGracefulShutdown = "shardr.coord.graceful-shutdown"

	MsgBeginHandoff   = "shardr.region.begin-handoff"
	MsgEntityEnvelope = "shardr.region.entity"
)

type (
	// RegisterRegion announces a region to the coordinator. Idempotent; regions
	// re-register after a coordinator restart.
	RegisterRegion struct {
		Region RegionID `json:"region"`
	}

	RegisterRegionAck struct{}

	// GetShardHome asks the coordinator for the owner of a shard, allocating
	// one if the shard is unallocated. Safe to retry: an already-allocated
	// shard always yields the recorded owner.
	GetShardHome struct {
		Shard     ShardKey `json:"shard"`
		Requester RegionID `json:"requester"`
	}

	// ShardHome is the coordinator's reply to GetShardHome.
	ShardHome struct {
		Shard  ShardKey `json:"shard"`
		Region RegionID `json:"region"`
	}

	// ShardStarted notifies the coordinator that a granted shard finished
	// starting on its region.
	ShardStarted struct {
		Shard  ShardKey `json:"shard"`
		Region RegionID `json:"region"`
	}

	// BeginHandoff instructs the current owner to drain a shard. The owner
	// confirms with ShardStopped once the shard is quiescent.
	BeginHandoff struct {
		Shard ShardKey `json:"shard"`
	}

	BeginHandoffAck struct{}

	// ShardStopped confirms a completed handoff to the coordinator.
	ShardStopped struct {
		Shard  ShardKey `json:"shard"`
		Region RegionID `json:"region"`
	}

	// GracefulShutdown asks the coordinator to move all shards owned by the
	// region before the region leaves the cluster.
	GracefulShutdown struct {
		Region RegionID `json:"region"`
	}

	// GracefulShutdownAck reports how many shards are being handed off.
	GracefulShutdownAck struct {
		Shards int `json:"shards"`
	}

	// EntityEnvelope carries an application message between regions.
	EntityEnvelope struct {
		Shard   ShardKey  `json:"shard"`
		Entity  EntityKey `json:"entity"`
		MsgType string    `json:"msg_type"`
		Data    []byte    `json:"data"`
	}
)

func (RegisterRegion) MessageType() string   { return MsgRegisterRegion }
func (GetShardHome) MessageType() string     { return MsgGetShardHome }
func (ShardStarted) MessageType() string     { return MsgShardStarted }
func (BeginHandoff) MessageType() string     { return MsgBeginHandoff }
func (ShardStopped) MessageType() string     { return MsgShardStopped }
func (GracefulShutdown) MessageType() string { return MsgGracefulShutdown }
func (EntityEnvelope) MessageType() string   { return MsgEntityEnvelope }
