package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardr-go/core/sharding"
)

func TestMemoryTransport_RequestReply(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	_, err := tr.Subscribe(t.Context(), "node-a", func(_ context.Context, env Envelope) ([]byte, error) {
		require.Equal(t, "ping", env.Type)
		require.Equal(t, sharding.RegionID("node-b"), env.From)
		return []byte(`"pong"`), nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	res, err := tr.Request(ctx, Envelope{To: "node-a", From: "node-b", Type: "ping"})
	require.NoError(t, err)
	require.Equal(t, `"pong"`, string(res))
}

func TestMemoryTransport_NoSubscriber(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	_, err := tr.Request(t.Context(), Envelope{To: "nobody", Type: "ping"})
	require.ErrorIs(t, err, ErrNoSubscriber)
}

func TestMemoryTransport_HandlerError(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	boom := errors.New("boom")
	_, err := tr.Subscribe(t.Context(), "node-a", func(_ context.Context, _ Envelope) ([]byte, error) {
		return nil, boom
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	_, err = tr.Request(ctx, Envelope{To: "node-a", Type: "ping"})
	require.Error(t, err)
	require.Equal(t, "boom", err.Error())
}

func TestMemoryTransport_Unsubscribe(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	sub, err := tr.Subscribe(t.Context(), "node-a", func(_ context.Context, _ Envelope) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, err = tr.Request(t.Context(), Envelope{To: "node-a", Type: "ping"})
	require.ErrorIs(t, err, ErrNoSubscriber)
}

func TestMemoryTransport_Closed(t *testing.T) {
	tr := NewMemoryTransport()
	require.NoError(t, tr.Close())

	_, err := tr.Request(t.Context(), Envelope{To: "node-a", Type: "ping"})
	require.ErrorIs(t, err, ErrClosed)

	_, err = tr.Subscribe(t.Context(), "node-a", func(_ context.Context, _ Envelope) ([]byte, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRequest_TypedHelper(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	var calls atomic.Int32
	_, err := tr.Subscribe(t.Context(), CoordinatorAddress, func(_ context.Context, env Envelope) ([]byte, error) {
		calls.Add(1)
		require.Equal(t, sharding.MsgGetShardHome, env.Type)
		return []byte(`{"shard":"s1","region":"r1"}`), nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	home, err := Request[sharding.ShardHome](ctx, tr, "r1", CoordinatorAddress,
		sharding.GetShardHome{Shard: "s1", Requester: "r1"})
	require.NoError(t, err)
	require.Equal(t, sharding.ShardKey("s1"), home.Shard)
	require.Equal(t, sharding.RegionID("r1"), home.Region)
	require.Equal(t, int32(1), calls.Load())
}
