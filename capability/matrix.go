// Package capability provides immutable capability matrices: the set of
// optional behaviors a service, mode or solver declares up front so that
// callers can branch before attempting an operation.
package capability

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Matrix is an immutable set of granted values of the enumerated type E.
// The zero Matrix grants nothing. A Matrix is safe for concurrent use.
type Matrix[E cmp.Ordered] struct {
	granted map[E]struct{}
}

// New builds a Matrix granting exactly the given values.
// Construction is the only point where the set is written.
func New[E cmp.Ordered](values ...E) Matrix[E] {
	granted := make(map[E]struct{}, len(values))
	for _, v := range values {
		granted[v] = struct{}{}
	}
	return Matrix[E]{granted: granted}
}

// Has reports whether c was granted at construction
func (m Matrix[E]) Has(c E) bool {
	_, ok := m.granted[c]
	return ok
}

// HasAll reports whether every one of cs was granted
func (m Matrix[E]) HasAll(cs ...E) bool {
	for _, c := range cs {
		if !m.Has(c) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one of cs was granted
func (m Matrix[E]) HasAny(cs ...E) bool {
	for _, c := range cs {
		if m.Has(c) {
			return true
		}
	}
	return false
}

// Len returns the number of granted values
func (m Matrix[E]) Len() int {
	return len(m.granted)
}

// Values returns the granted values in ascending order.
// The slice is a copy; changing it does not affect the Matrix.
func (m Matrix[E]) Values() []E {
	out := make([]E, 0, len(m.granted))
	for v := range m.granted {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (m Matrix[E]) String() string {
	values := m.Values()
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(names, ", ") + "]"
}
