// Package bolt implements the coordinator journal on a single-file bolt
// database, giving the allocation table a durable write-ahead log without an
// external service.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/codewandler/shardr-go/ports/journal"
)

var bucketEntries = []byte("entries")

type Options struct {
	// Path of the database file, created if absent.
	Path string
	// OpenTimeout bounds waiting for the file lock, defaults to 1s.
	OpenTimeout time.Duration
}

// Journal stores entries under 8-byte big-endian sequence keys so a bucket
// cursor walks them in order. Sequence numbers come from the bucket's
// internal counter and survive reopen.
type Journal struct {
	db *bolt.DB
}

func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("bolt: Options.Path is required")
	}
	openTimeout := opts.OpenTimeout
	if openTimeout == 0 {
		openTimeout = time.Second
	}

	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", opts.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Append(ctx context.Context, entries ...journal.Entry) (uint64, error) {
	if len(entries) == 0 {
		return 0, journal.ErrNoEntries
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var lastSeq uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i := range entries {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			entries[i].Seq = seq
			data, err := json.Marshal(entries[i])
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
			lastSeq = seq
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: append: %w", err)
	}
	return lastSeq, nil
}

func (j *Journal) Replay(ctx context.Context, fromSeq uint64, fn func(journal.Entry) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e journal.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("bolt: decode entry %x: %w", k, err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

var _ journal.Journal = (*Journal)(nil)
