package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testAllocated struct {
	Shard  string `json:"shard"`
	Region string `json:"region"`
}

func (testAllocated) EventType() string { return "test.allocated" }

type testReleased struct {
	Shard string `json:"shard"`
}

func (testReleased) EventType() string { return "test.released" }

func TestMemoryJournal_AppendAssignsSequence(t *testing.T) {
	j := NewMemoryJournal()
	ctx := t.Context()

	last, err := j.Append(ctx, Entry{ID: "a", Type: "t"}, Entry{ID: "b", Type: "t"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	last, err = j.Append(ctx, Entry{ID: "c", Type: "t"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
	require.Equal(t, 3, j.Len())
}

func TestMemoryJournal_AppendEmpty(t *testing.T) {
	j := NewMemoryJournal()
	_, err := j.Append(t.Context())
	require.ErrorIs(t, err, ErrNoEntries)
}

func TestMemoryJournal_ReplayFromSeq(t *testing.T) {
	j := NewMemoryJournal()
	ctx := t.Context()
	_, err := j.Append(ctx, Entry{ID: "a", Type: "t"}, Entry{ID: "b", Type: "t"}, Entry{ID: "c", Type: "t"})
	require.NoError(t, err)

	var ids []string
	require.NoError(t, j.Replay(ctx, 2, func(e Entry) error {
		ids = append(ids, e.ID)
		return nil
	}))
	require.Equal(t, []string{"b", "c"}, ids)
}

func TestMemoryJournal_ReplayAborts(t *testing.T) {
	j := NewMemoryJournal()
	ctx := t.Context()
	_, err := j.Append(ctx, Entry{ID: "a", Type: "t"}, Entry{ID: "b", Type: "t"})
	require.NoError(t, err)

	var seen int
	err = j.Replay(ctx, 0, func(Entry) error {
		seen++
		return ErrUnknownEventType
	})
	require.ErrorIs(t, err, ErrUnknownEventType)
	require.Equal(t, 1, seen)
}

func TestAppendEvents_RoundTrip(t *testing.T) {
	j := NewMemoryJournal()
	ctx := t.Context()

	last, err := AppendEvents(ctx, j,
		testAllocated{Shard: "s1", Region: "r1"},
		testReleased{Shard: "s1"},
	)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	reg := NewRegistry()
	reg.RegisterEvents(Event[testAllocated](), Event[testReleased]())

	var events []any
	require.NoError(t, j.Replay(ctx, 0, func(e Entry) error {
		ev, err := reg.Decode(e)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}))

	require.Len(t, events, 2)
	require.Equal(t, &testAllocated{Shard: "s1", Region: "r1"}, events[0])
	require.Equal(t, &testReleased{Shard: "s1"}, events[1])
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Decode(Entry{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownEventType)
}
