// Package sf wraps golang.org/x/sync/singleflight with generics.
//
// The cluster node uses it to deduplicate concurrent actor activations:
// when two envelopes for the same key arrive at once, only one activation
// is created and both requests use it.
package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent function calls with the same key.
type Singleflight[T any] struct {
	group singleflight.Group
}

// Do executes fn for the given key, deduplicating concurrent calls.
// If a call is already in-flight for this key, Do blocks until it completes
// and returns the same result.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (out T, err error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return out, err
	}
	return v.(T), nil
}

// New creates a new Singleflight instance for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}
