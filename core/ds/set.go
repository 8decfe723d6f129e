// Package ds provides small generic data structures used by the sharding
// state machines.
package ds

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Set is an ordered set: O(1) membership with insertion-order iteration, so
// state machines iterate deterministically.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

// NewSet creates a set containing the given values.
func NewSet[T comparable](values ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

func (s *Set[T]) String() string { return fmt.Sprintf("%v", s.order) }

// Add adds v to the set. No-op if already present.
func (s *Set[T]) Add(v T) {
	if s.Contains(v) {
		return
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Remove removes v from the set. No-op if absent.
func (s *Set[T]) Remove(v T) {
	if !s.Contains(v) {
		return
	}
	delete(s.items, v)
	for i, o := range s.order {
		if o == v {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether v is in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements.
func (s *Set[T]) Len() int { return len(s.items) }

// Values returns the elements in insertion order. The slice is a copy.
func (s *Set[T]) Values() []T {
	return append([]T(nil), s.order...)
}

// Sorted returns the elements sorted ascending. The slice is a copy.
func (s *Set[T]) Sorted(less func(a, b T) bool) []T {
	out := s.Values()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (s *Set[T]) MarshalJSON() ([]byte, error) { return json.Marshal(s.order) }

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var values []T
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.items = make(map[T]struct{}, len(values))
	s.order = nil
	for _, v := range values {
		s.Add(v)
	}
	return nil
}
