package journal

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Registry maps event type names to constructors so persisted entries can be
// decoded during replay.
type Registry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{news: map[string]func() any{}}
}

func (r *Registry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

// Decode reconstructs the event stored in an entry.
func (r *Registry) Decode(e Entry) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[e.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	ev := ctor()
	if e.Data != nil {
		if err := json.Unmarshal(e.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// RegisterEvents registers constructors, deriving each type name from a
// sample instance.
func (r *Registry) RegisterEvents(ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		et, ok := sample.(EventPayload)
		if !ok {
			panic(fmt.Sprintf("journal: event %T does not implement EventType()", sample))
		}
		r.Register(et.EventType(), ctor)
	}
}

// Event returns a constructor producing a fresh *T per call.
func Event[T any]() func() any { return func() any { return new(T) } }
