// Package util holds small generic helpers shared across the engine's
// subsystems: a colour-marking set used by the dependency resolver, and a
// bounded semaphore.
package util

import (
	mapset "github.com/deckarep/golang-set"
)

// Set is a thin wrapper around deckarep/golang-set giving it the call shape
// the rest of the engine expects (Add/Includes/Delete/Len), matching the
// teacher's own util.Set surface.
type Set struct {
	inner mapset.Set
}

// NewSet constructs an empty Set.
func NewSet() Set {
	return Set{inner: mapset.NewSet()}
}

// SetFromStrings creates a Set containing the strings from the given slice.
func SetFromStrings(sl []string) Set {
	s := NewSet()
	for _, item := range sl {
		s.Add(item)
	}
	return s
}

// Add adds an item to the set.
func (s Set) Add(v interface{}) { s.inner.Add(v) }

// Delete removes an item from the set.
func (s Set) Delete(v interface{}) { s.inner.Remove(v) }

// Includes returns true if v is in the set.
func (s Set) Includes(v interface{}) bool { return s.inner.Contains(v) }

// Len returns the number of items in the set.
func (s Set) Len() int { return s.inner.Cardinality() }

// UnsafeListOfStrings returns the set's contents as a []string. Panics if
// any element is not a string; callers only ever populate Sets of strings.
func (s Set) UnsafeListOfStrings() []string {
	out := make([]string, 0, s.inner.Cardinality())
	for _, v := range s.inner.ToSlice() {
		out = append(out, v.(string))
	}
	return out
}

// Semaphore bounds concurrent access to at most n holders.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a Semaphore allowing n concurrent holders. n <= 0
// means unbounded (acquire/release become no-ops).
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available.
func (s *Semaphore) Acquire() {
	if s.ch != nil {
		s.ch <- struct{}{}
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	if s.ch != nil {
		<-s.ch
	}
}
