package shard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardr-go/core/actor"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/ports/remember"
)

// recorder is a minimal entity handle capturing everything sent to it.
type recorder struct {
	mu        sync.Mutex
	msgs      []string
	stopDelay time.Duration
	done      chan struct{}
	stopOnce  sync.Once
}

func (r *recorder) Send(_ context.Context, e actor.Envelope) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(e.Data))
	r.mu.Unlock()
	if e.Reply != nil {
		e.Reply <- actor.Reply{}
	}
	return nil
}

func (r *recorder) Stop() {
	r.stopOnce.Do(func() {
		time.Sleep(r.stopDelay)
		close(r.done)
	})
}

func (r *recorder) Done() <-chan struct{} { return r.done }

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// tracker hands out recorders and keeps every generation per entity.
type tracker struct {
	mu        sync.Mutex
	byKey     map[sharding.EntityKey][]*recorder
	stopDelay time.Duration
}

func newTracker() *tracker {
	return &tracker{byKey: map[sharding.EntityKey][]*recorder{}}
}

func (tr *tracker) factory(key sharding.EntityKey) (actor.Actor, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := &recorder{stopDelay: tr.stopDelay, done: make(chan struct{})}
	tr.byKey[key] = append(tr.byKey[key], r)
	return r, nil
}

func (tr *tracker) generations(key sharding.EntityKey) []*recorder {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]*recorder(nil), tr.byKey[key]...)
}

func newTestShard(t *testing.T, mutate func(*Options)) (*Shard, *tracker, remember.Store) {
	t.Helper()
	tr := newTracker()
	store := remember.NewMemStore()
	opts := Options{
		Key:            "shard-1",
		Factory:        tr.factory,
		Remember:       store,
		PassivateAfter: -1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	if opts.Factory == nil {
		opts.Factory = tr.factory
	}
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Run(t.Context()))
	require.NoError(t, s.Wait(t.Context()))
	return s, tr, opts.Remember
}

func TestShard_DeliverActivatesEntity(t *testing.T) {
	s, tr, store := newTestShard(t, nil)
	ctx := t.Context()

	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("a")))
	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("b")))
	require.NoError(t, s.Deliver(ctx, "e2", "msg", []byte("c")))

	gens := tr.generations("e1")
	require.Len(t, gens, 1)
	require.Eventually(t, func() bool {
		return len(gens[0].messages()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b"}, gens[0].messages())

	// First activation recorded the entity for later recovery.
	keys, err := store.Entities(ctx, s.Key())
	require.NoError(t, err)
	require.ElementsMatch(t, []sharding.EntityKey{"e1", "e2"}, keys)
}

type slowStore struct {
	remember.Store
	delay time.Duration
}

func (s slowStore) Entities(ctx context.Context, shard sharding.ShardKey) ([]sharding.EntityKey, error) {
	time.Sleep(s.delay)
	return s.Store.Entities(ctx, shard)
}

func TestShard_BuffersWhileStarting(t *testing.T) {
	tr := newTracker()
	s, err := New(Options{
		Key:            "shard-1",
		Factory:        tr.factory,
		Remember:       slowStore{Store: remember.NewMemStore(), delay: 100 * time.Millisecond},
		PassivateAfter: -1,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(t.Context()))

	ctx := t.Context()
	// Sent before the shard finished recovering; must be kept in order.
	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("1")))
	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("2")))

	require.NoError(t, s.Wait(ctx))
	require.Eventually(t, func() bool {
		gens := tr.generations("e1")
		return len(gens) == 1 && len(gens[0].messages()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"1", "2"}, tr.generations("e1")[0].messages())
}

func TestShard_RecoversRememberedEntities(t *testing.T) {
	store := remember.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, "shard-1", "e1"))
	require.NoError(t, store.Add(ctx, "shard-1", "e2"))

	s, tr, _ := newTestShard(t, func(o *Options) { o.Remember = store })

	require.ElementsMatch(t, []sharding.EntityKey{"e1", "e2"}, s.Entities())
	require.Len(t, tr.generations("e1"), 1)
	require.Len(t, tr.generations("e2"), 1)
}

type failingStore struct{ remember.Store }

func (failingStore) Entities(context.Context, sharding.ShardKey) ([]sharding.EntityKey, error) {
	return nil, errors.New("store down")
}

func TestShard_StartFailsWhenRecoveryFails(t *testing.T) {
	tr := newTracker()
	s, err := New(Options{
		Key:      "shard-1",
		Factory:  tr.factory,
		Remember: failingStore{},
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(t.Context()))

	err = s.Wait(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "store down")
}

func TestShard_PassivatesIdleEntities(t *testing.T) {
	s, _, store := newTestShard(t, func(o *Options) {
		o.PassivateAfter = 30 * time.Millisecond
	})
	ctx := t.Context()

	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("a")))

	require.Eventually(t, func() bool {
		return len(s.Entities()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Passivation leaves the remember record intact.
	keys, err := store.Entities(ctx, s.Key())
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"e1"}, keys)
}

func TestShard_PassivationBuffersAndReplays(t *testing.T) {
	tr := newTracker()
	tr.stopDelay = 150 * time.Millisecond // hold entities in the stopping window
	s, err := New(Options{
		Key:            "shard-1",
		Factory:        tr.factory,
		Remember:       remember.NewMemStore(),
		PassivateAfter: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(t.Context()))
	ctx := t.Context()
	require.NoError(t, s.Wait(ctx))

	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("before")))

	// Wait for the sweep to mark the entity passivating, then send into the
	// stop window.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("during")))

	require.Eventually(t, func() bool {
		gens := tr.generations("e1")
		return len(gens) == 2 && len(gens[1].messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"during"}, tr.generations("e1")[1].messages())
}

func TestShard_Handoff(t *testing.T) {
	s, tr, store := newTestShard(t, nil)
	ctx := t.Context()

	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("a")))
	require.NoError(t, s.Deliver(ctx, "e2", "msg", []byte("b")))

	done := make(chan struct{})
	require.NoError(t, s.BeginHandoff(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handoff never completed")
	}

	// Entity handles were stopped.
	for _, key := range []sharding.EntityKey{"e1", "e2"} {
		for _, gen := range tr.generations(key) {
			select {
			case <-gen.Done():
			default:
				t.Fatalf("entity %s was not stopped", key)
			}
		}
	}

	// New deliveries are refused.
	err := s.Deliver(ctx, "e3", "msg", []byte("c"))
	require.Error(t, err)

	// Remember records survive the handoff for the next owner.
	keys, err := store.Entities(ctx, s.Key())
	require.NoError(t, err)
	require.ElementsMatch(t, []sharding.EntityKey{"e1", "e2"}, keys)
}

func TestShard_DeliverDuringHandoffRefused(t *testing.T) {
	tr := newTracker()
	tr.stopDelay = 200 * time.Millisecond
	s, err := New(Options{
		Key:            "shard-1",
		Factory:        tr.factory,
		PassivateAfter: -1,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(t.Context()))
	ctx := t.Context()
	require.NoError(t, s.Wait(ctx))

	require.NoError(t, s.Deliver(ctx, "e1", "msg", []byte("a")))
	require.NoError(t, s.BeginHandoff(nil))

	// Drain is still in progress thanks to the slow stop.
	err = s.Deliver(ctx, "e2", "msg", []byte("b"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrHandingOff) || errors.Is(err, ErrStopped))
}

func TestShard_DeliverFailsAfterContextCancel(t *testing.T) {
	tr := newTracker()
	s, err := New(Options{
		Key:            "shard-1",
		Factory:        tr.factory,
		PassivateAfter: -1,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(t.Context())
	require.NoError(t, s.Run(runCtx))
	require.NoError(t, s.Wait(t.Context()))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("shard did not stop")
	}

	// Far past the task buffer: every call returns instead of blocking.
	for i := 0; i < 300; i++ {
		require.ErrorIs(t, s.Deliver(t.Context(), "e1", "msg", nil), ErrStopped)
	}
}
