package journal

import (
	"context"
	"sync"
)

// MemoryJournal is a correct in-process journal for tests and development.
type MemoryJournal struct {
	mu      sync.Mutex
	seq     uint64
	entries []Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(_ context.Context, entries ...Entry) (uint64, error) {
	if len(entries) == 0 {
		return 0, ErrNoEntries
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.seq++
		e.Seq = m.seq
		m.entries = append(m.entries, e)
	}
	return m.seq, nil
}

func (m *MemoryJournal) Replay(ctx context.Context, fromSeq uint64, fn func(Entry) error) error {
	m.mu.Lock()
	snapshot := append([]Entry(nil), m.entries...)
	m.mu.Unlock()

	for _, e := range snapshot {
		if e.Seq < fromSeq {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryJournal) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var _ Journal = (*MemoryJournal)(nil)
