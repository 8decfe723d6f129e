// Package sf wraps x/sync/singleflight with a typed API.
package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent calls with the same key: the first
// caller executes fn, the rest wait and receive the same result.
type Singleflight[T any] struct {
	group singleflight.Group
}

// New creates a Singleflight for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Do executes fn for key, deduplicating concurrent calls. fn runs at most
// once per key at any given time.
func (s *Singleflight[T]) Do(key string, fn func() (*T, error)) (*T, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}
