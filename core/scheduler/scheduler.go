// Package scheduler provides a positional ordered multimap: values are held
// in ordered lists at integer positions and iterated in ascending (natural)
// or descending (reverse) position order. It orders two-phase-commit
// participants and completion synchronizations.
package scheduler

import (
	"fmt"
	"math"

	"github.com/google/btree"
)

const (
	// DefaultPosition is where values land when the caller expresses no
	// preference.
	DefaultPosition = 0
	// AlwaysLastPosition sorts after every other position.
	AlwaysLastPosition = math.MaxInt32
)

// Scheduler maps integer positions to insertion-ordered lists of values.
// Values must be comparable so Remove can find them. Not safe for
// concurrent use; callers synchronize externally.
type Scheduler[T comparable] struct {
	positions *btree.BTreeG[int]
	values    map[int][]T
	size      int
}

// New creates an empty Scheduler.
func New[T comparable]() *Scheduler[T] {
	return &Scheduler[T]{
		positions: btree.NewG(2, func(a, b int) bool { return a < b }),
		values:    make(map[int][]T),
	}
}

// Add appends a value at the given position, after any value already there.
func (s *Scheduler[T]) Add(value T, position int) {
	if _, ok := s.values[position]; !ok {
		s.positions.ReplaceOrInsert(position)
	}
	s.values[position] = append(s.values[position], value)
	s.size++
}

// Remove deletes the first occurrence of the value. Removing an absent
// value is a no-op; other entries keep their order.
func (s *Scheduler[T]) Remove(value T) {
	var emptied []int
	s.positions.Ascend(func(position int) bool {
		list := s.values[position]
		for i, v := range list {
			if v == value {
				s.values[position] = append(list[:i], list[i+1:]...)
				s.size--
				if len(s.values[position]) == 0 {
					emptied = append(emptied, position)
				}
				return false
			}
		}
		return true
	})
	for _, position := range emptied {
		delete(s.values, position)
		s.positions.Delete(position)
	}
}

// Size returns the total number of held values.
func (s *Scheduler[T]) Size() int {
	return s.size
}

// NaturalPositions returns the occupied positions in ascending order.
func (s *Scheduler[T]) NaturalPositions() []int {
	out := make([]int, 0, s.positions.Len())
	s.positions.Ascend(func(position int) bool {
		out = append(out, position)
		return true
	})
	return out
}

// ReversePositions returns the occupied positions in descending order.
func (s *Scheduler[T]) ReversePositions() []int {
	out := make([]int, 0, s.positions.Len())
	s.positions.Descend(func(position int) bool {
		out = append(out, position)
		return true
	})
	return out
}

// ValuesAt returns the values at a position in insertion order.
func (s *Scheduler[T]) ValuesAt(position int) []T {
	list := s.values[position]
	out := make([]T, len(list))
	copy(out, list)
	return out
}

// ReverseValuesAt returns the values at a position in reverse insertion
// order.
func (s *Scheduler[T]) ReverseValuesAt(position int) []T {
	list := s.values[position]
	out := make([]T, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out
}

// All returns every value, positions ascending, insertion order within a
// position.
func (s *Scheduler[T]) All() []T {
	out := make([]T, 0, s.size)
	for _, position := range s.NaturalPositions() {
		out = append(out, s.values[position]...)
	}
	return out
}

// AllReverse returns every value, positions descending, reverse insertion
// order within a position.
func (s *Scheduler[T]) AllReverse() []T {
	out := make([]T, 0, s.size)
	for _, position := range s.ReversePositions() {
		out = append(out, s.ReverseValuesAt(position)...)
	}
	return out
}

func (s *Scheduler[T]) String() string {
	return fmt.Sprintf("a Scheduler with %d object(s) in %d position(s)", s.size, s.positions.Len())
}
