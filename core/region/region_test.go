package region

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardr-go/core/actor"
	"github.com/codewandler/shardr-go/core/coordinator"
	"github.com/codewandler/shardr-go/core/shard"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
	"github.com/codewandler/shardr-go/ports/journal"
	"github.com/codewandler/shardr-go/ports/remember"
)

type note struct {
	Entity string `json:"entity"`
	Text   string `json:"text"`
}

// inbox collects what the entity actors received, across all regions.
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) add(entity sharding.EntityKey, text string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, fmt.Sprintf("%s:%s", entity, text))
}

func (i *inbox) all() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

type cluster struct {
	t     *testing.T
	tr    *transport.MemoryTransport
	coord *coordinator.Coordinator
	inbox *inbox
	store remember.Store
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	tr := transport.NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	coord, err := coordinator.New(coordinator.Options{
		Journal:           journal.NewMemoryJournal(),
		Transport:         tr,
		RebalanceInterval: -1,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Run(t.Context()))

	return &cluster{
		t:     t,
		tr:    tr,
		coord: coord,
		inbox: &inbox{},
		store: remember.NewMemStore(),
	}
}

func (c *cluster) extractor() sharding.Extractor {
	return sharding.HashExtractor{
		NumShards: 8,
		EntityKey: func(msg any) (sharding.EntityKey, any, bool) {
			n, ok := msg.(note)
			if !ok {
				return "", nil, false
			}
			return sharding.EntityKey(n.Entity), n, true
		},
	}
}

func (c *cluster) region(id sharding.RegionID) *Region {
	c.t.Helper()
	r, err := New(Options{
		ID:        id,
		Transport: c.tr,
		Extractor: c.extractor(),
		Remember:  c.store,
		Factory: func(key sharding.EntityKey) (actor.Actor, error) {
			return actor.TypedHandlers(
				actor.HandleMsg(func(_ actor.HandlerCtx, n note) error {
					c.inbox.add(key, n.Text)
					return nil
				}),
			).ToActor(actor.Options{}), nil
		},
	})
	require.NoError(c.t, err)
	require.NoError(c.t, r.Run(c.t.Context()))
	return r
}

func TestRegion_DeliverStartsLocalShard(t *testing.T) {
	c := newCluster(t)
	r := c.region("r1")
	ctx := t.Context()

	require.NoError(t, r.Deliver(ctx, note{Entity: "e1", Text: "hello"}))

	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"e1:hello"}, c.inbox.all())
	require.NotEmpty(t, r.HostedShards())

	table, err := c.coord.Table(ctx)
	require.NoError(t, err)
	require.Len(t, table, 1)
	for _, owner := range table {
		require.Equal(t, sharding.RegionID("r1"), owner)
	}
}

func TestRegion_UnknownMessage(t *testing.T) {
	c := newCluster(t)
	r := c.region("r1")

	err := r.Deliver(t.Context(), "not a note")
	require.ErrorIs(t, err, sharding.ErrUnknownPartition)
}

func TestRegion_OrderPreservedPerEntity(t *testing.T) {
	c := newCluster(t)
	r := c.region("r1")
	ctx := t.Context()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, r.Deliver(ctx, note{Entity: "e1", Text: fmt.Sprintf("%03d", i)}))
	}

	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == n
	}, 5*time.Second, 10*time.Millisecond)

	got := c.inbox.all()
	for i, msg := range got {
		require.Equal(t, fmt.Sprintf("e1:%03d", i), msg)
	}
}

func TestRegion_ForwardsToRemoteOwner(t *testing.T) {
	c := newCluster(t)
	r1 := c.region("r1")
	r2 := c.region("r2")
	ctx := t.Context()

	// Let r1 claim the entity's shard first.
	require.NoError(t, r1.Deliver(ctx, note{Entity: "e1", Text: "first"}))
	require.Eventually(t, func() bool { return len(r1.HostedShards()) == 1 }, 2*time.Second, 10*time.Millisecond)
	owned := r1.HostedShards()[0]

	// The same entity through r2 must land on r1's shard host.
	require.NoError(t, r2.Deliver(ctx, note{Entity: "e1", Text: "second"}))

	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"e1:first", "e1:second"}, c.inbox.all())

	require.Empty(t, r2.HostedShards())
	require.Equal(t, []sharding.ShardKey{owned}, r1.HostedShards())
}

func TestRegion_GracefulShutdownMovesShards(t *testing.T) {
	c := newCluster(t)
	r1 := c.region("r1")
	r2 := c.region("r2")
	ctx := t.Context()

	// Spread entities over both regions.
	for i := 0; i < 8; i++ {
		require.NoError(t, r1.Deliver(ctx, note{Entity: fmt.Sprintf("e%d", i), Text: "x"}))
	}
	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == 8
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, r1.Shutdown(shutdownCtx))
	require.Empty(t, r1.HostedShards())

	// All traffic keeps flowing through the surviving region.
	before := len(c.inbox.all())
	for i := 0; i < 8; i++ {
		require.NoError(t, r2.Deliver(ctx, note{Entity: fmt.Sprintf("e%d", i), Text: "y"}))
	}
	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == before+8
	}, 5*time.Second, 10*time.Millisecond)

	// Nothing points at the departed region anymore.
	table, err := c.coord.Table(ctx)
	require.NoError(t, err)
	for _, owner := range table {
		require.Equal(t, sharding.RegionID("r2"), owner)
	}
}

func TestRegion_DeliverFailsWhenOwnerUnreachable(t *testing.T) {
	c := newCluster(t)
	ctx := t.Context()

	// "r1" is registered with the coordinator but never subscribes, so it wins
	// the allocation and every forward to it fails.
	require.NoError(t, c.coord.RegisterRegion(ctx, "r1"))
	r2 := c.region("r2")

	deliverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := r2.Deliver(deliverCtx, note{Entity: "e1", Text: "x"})
	require.ErrorIs(t, err, sharding.ErrDeliveryFailed)
	require.ErrorIs(t, err, sharding.ErrRegionUnreachable)
}

func TestRegion_DeliverFailsAfterContextCancel(t *testing.T) {
	c := newCluster(t)
	r, err := New(Options{
		ID:        "r1",
		Transport: c.tr,
		Extractor: c.extractor(),
		Factory: func(key sharding.EntityKey) (actor.Actor, error) {
			return actor.TypedHandlers(
				actor.HandleMsg(func(_ actor.HandlerCtx, n note) error { return nil }),
			).ToActor(actor.Options{}), nil
		},
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(t.Context())
	require.NoError(t, r.Run(runCtx))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("region did not stop")
	}

	// Far past the task buffer: every call returns instead of blocking.
	for i := 0; i < 300; i++ {
		require.ErrorIs(t, r.Deliver(t.Context(), note{Entity: "e1", Text: "x"}), shard.ErrStopped)
	}
}

func TestRegion_RecoversRememberedEntitiesOnNewOwner(t *testing.T) {
	c := newCluster(t)
	r1 := c.region("r1")
	ctx := t.Context()

	require.NoError(t, r1.Deliver(ctx, note{Entity: "e1", Text: "seed"}))
	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	shard := r1.HostedShards()[0]

	// Hand the shard to a fresh region; the remembered entity restarts there
	// without receiving a message first.
	r2 := c.region("r2")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, r1.Shutdown(shutdownCtx))

	require.NoError(t, r2.Deliver(ctx, note{Entity: "e1", Text: "again"}))
	require.Eventually(t, func() bool {
		return len(c.inbox.all()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []sharding.ShardKey{shard}, r2.HostedShards())

	keys, err := c.store.Entities(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"e1"}, keys)
}
