// Package ds provides small generic data structures shared by the hub actors.
package ds

import (
	"encoding/json"
	"fmt"
)

type StringSet = Set[string]

// Set is an ordered set: O(1) membership testing plus insertion-order
// preservation, so fan-out iteration and JSON snapshots are deterministic.
//
// Add, Remove, Clear mutate the receiver; Values and Copy return copies.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T // preserves insertion order
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items))}
	for _, v := range items {
		s.Add(v)
	}
	return s
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add adds v to the set. No-op if already present. (mutates)
func (s *Set[T]) Add(v T) {
	if s.items == nil {
		s.items = make(map[T]struct{})
	}
	if s.Contains(v) {
		return
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Remove removes the given values from the set. (mutates)
// This operation is O(n) where n is the set size.
func (s *Set[T]) Remove(values ...T) {
	if len(values) == 0 {
		return
	}

	toRemove := make(map[T]struct{}, len(values))
	for _, v := range values {
		if _, ok := s.items[v]; ok {
			toRemove[v] = struct{}{}
			delete(s.items, v)
		}
	}
	if len(toRemove) == 0 {
		return
	}

	newOrder := make([]T, 0, len(s.order)-len(toRemove))
	for _, v := range s.order {
		if _, removed := toRemove[v]; !removed {
			newOrder = append(newOrder, v)
		}
	}
	s.order = newOrder
}

// Contains returns true if v is present in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements in the set.
func (s *Set[T]) Len() int { return len(s.items) }

// IsEmpty returns true if the set contains no elements.
func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// Clear removes all elements. (mutates)
func (s *Set[T]) Clear() {
	s.items = make(map[T]struct{})
	s.order = nil
}

// ForEach iterates over all elements in insertion order.
func (s *Set[T]) ForEach(fn func(T)) {
	for _, v := range s.order {
		fn(v)
	}
}

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// Copy returns a new set with the same elements and order.
func (s *Set[T]) Copy() *Set[T] {
	return NewSet(s.Values()...)
}

func (s *Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.order)
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var values []T
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.Clear()
	for _, v := range values {
		s.Add(v)
	}
	return nil
}
