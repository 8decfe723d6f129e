// Package journal defines the append-only durable log the coordinator uses
// as its single source of truth. An in-memory implementation lives here; a
// file-backed one in adapters/bolt.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoEntries        = errors.New("no entries to append")
	ErrUnknownEventType = errors.New("unknown event type")
)

type (
	// Entry is the unit of storage. Seq is assigned by the journal on append,
	// strictly increasing.
	Entry struct {
		Seq        uint64    `json:"seq"`
		ID         string    `json:"id"`
		Type       string    `json:"type"`
		Data       []byte    `json:"data"`
		OccurredAt time.Time `json:"occurred_at"`
	}

	// Journal is an append-only log with sequential replay.
	Journal interface {
		// Append durably stores the entries and returns the last assigned
		// sequence number. Entries are visible to Replay only after Append
		// returns.
		Append(ctx context.Context, entries ...Entry) (lastSeq uint64, err error)

		// Replay calls fn for every entry with Seq >= fromSeq, in sequence
		// order. fn returning an error aborts the replay.
		Replay(ctx context.Context, fromSeq uint64, fn func(Entry) error) error
	}
)

// EventPayload is implemented by every event stored in a journal.
type EventPayload interface{ EventType() string }

// AppendEvents marshals the events and appends them as entries.
func AppendEvents(ctx context.Context, j Journal, events ...EventPayload) (uint64, error) {
	if len(events) == 0 {
		return 0, ErrNoEntries
	}
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, err
		}
		entries = append(entries, Entry{
			ID:         uuid.NewString(),
			Type:       ev.EventType(),
			Data:       data,
			OccurredAt: time.Now(),
		})
	}
	return j.Append(ctx, entries...)
}
