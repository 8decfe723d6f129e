package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/shardr-go/core/ds"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/ports/remember"
)

type RememberConfig struct {
	Connect Connector // nil means ConnectDefault()
	Bucket  string    // required
}

// RememberStore keeps each shard's remembered-entity set in a JetStream KV
// bucket, one key per shard. Writes use optimistic concurrency and retry on
// revision conflicts.
type RememberStore struct {
	kv      jetstream.KeyValue
	release closeFunc
}

func NewRememberStore(cfg RememberConfig) (*RememberStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, release, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		release()
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		release()
		return nil, err
	}

	return &RememberStore{kv: kv, release: release}, nil
}

func (s *RememberStore) Close() error {
	if s.release != nil {
		s.release()
	}
	return nil
}

func (s *RememberStore) Entities(ctx context.Context, shard sharding.ShardKey) ([]sharding.EntityKey, error) {
	set, _, err := s.load(ctx, shard)
	if err != nil {
		return nil, err
	}
	return set.Values(), nil
}

func (s *RememberStore) Add(ctx context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error {
	return s.mutate(ctx, shard, func(set *ds.Set[sharding.EntityKey]) bool {
		if set.Contains(entity) {
			return false
		}
		set.Add(entity)
		return true
	})
}

func (s *RememberStore) Remove(ctx context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error {
	return s.mutate(ctx, shard, func(set *ds.Set[sharding.EntityKey]) bool {
		if !set.Contains(entity) {
			return false
		}
		set.Remove(entity)
		return true
	})
}

// mutate applies fn to the shard's set under optimistic concurrency. fn
// returns false when the set is unchanged and no write is needed.
func (s *RememberStore) mutate(ctx context.Context, shard sharding.ShardKey, fn func(*ds.Set[sharding.EntityKey]) bool) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		set, rev, err := s.load(ctx, shard)
		if err != nil {
			return err
		}
		if !fn(set) {
			return nil
		}
		data, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("encode entity set: %w", err)
		}

		if rev == 0 {
			_, err = s.kv.Create(ctx, string(shard), data)
		} else {
			_, err = s.kv.Update(ctx, string(shard), data, rev)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, jetstream.ErrKeyExists) && !isWrongLastSequence(err) {
			return fmt.Errorf("write entity set for shard %s: %w", shard, err)
		}
	}
	return fmt.Errorf("write entity set for shard %s: %w", shard, lastErr)
}

func (s *RememberStore) load(ctx context.Context, shard sharding.ShardKey) (*ds.Set[sharding.EntityKey], uint64, error) {
	entry, err := s.kv.Get(ctx, string(shard))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ds.NewSet[sharding.EntityKey](), 0, nil
		}
		return nil, 0, fmt.Errorf("read entity set for shard %s: %w", shard, err)
	}
	set := ds.NewSet[sharding.EntityKey]()
	if len(entry.Value()) > 0 {
		if err := json.Unmarshal(entry.Value(), set); err != nil {
			return nil, 0, fmt.Errorf("decode entity set for shard %s: %w", shard, err)
		}
	}
	return set, entry.Revision(), nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var _ remember.Store = (*RememberStore)(nil)
