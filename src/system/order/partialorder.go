// Package order holds the execution-order primitives of the engine: the
// partial order derived from REQUIRES edges between filters, and the
// permutations the optimizers search over.
package order

import (
	"errors"
	"fmt"
	"strings"
)

// Relation is the pairwise ordering between two filter indices. The numeric
// values are chosen so that the inverse of a comparable relation is its
// negation (EQ is its own inverse).
type Relation int8

const (
	REL_LT           Relation = -1
	REL_EQ           Relation = 0
	REL_GT           Relation = 1
	REL_INCOMPARABLE Relation = 2
)

// ErrCycle indicates the REQUIRES digraph is cyclic: closure derived both
// LT and GT between the same pair of filters.
var ErrCycle = errors.New("partial order contains a cycle")

func (r Relation) Inverse() Relation {
	if r == REL_INCOMPARABLE {
		return r
	}
	return -r
}

func (r Relation) String() string {
	switch r {
	case REL_LT:
		return "<"
	case REL_GT:
		return ">"
	case REL_EQ:
		return "="
	}
	return "?"
}

// PartialOrder is an n x n relation matrix over filter indices. It is built
// once from the parsed REQUIRES edges, closed transitively, and never
// mutated afterwards. Entries on the diagonal stay REL_INCOMPARABLE; callers
// do not query u == v.
type PartialOrder struct {
	dim  int
	data []Relation
}

func NewPartialOrder(n int) *PartialOrder {
	po := &PartialOrder{
		dim:  n,
		data: make([]Relation, n*n),
	}
	for i := range po.data {
		po.data[i] = REL_INCOMPARABLE
	}
	return po
}

func (po *PartialOrder) Dim() int {
	return po.dim
}

// Set stores the relation u rel v and its inverse at v,u.
func (po *PartialOrder) Set(u int, v int, rel Relation) {
	po.data[u*po.dim+v] = rel
	po.data[v*po.dim+u] = rel.Inverse()
}

func (po *PartialOrder) Get(u int, v int) Relation {
	return po.data[u*po.dim+v]
}

func (po *PartialOrder) Comparable(u int, v int) bool {
	return po.data[u*po.dim+v] != REL_INCOMPARABLE
}

func (po *PartialOrder) Incomparable(u int, v int) bool {
	return po.data[u*po.dim+v] == REL_INCOMPARABLE
}

// IsMin reports whether u has no predecessor, meaning no v with u > v.
func (po *PartialOrder) IsMin(u int) bool {
	for v := 0; v < po.dim; v++ {
		if po.Get(u, v) == REL_GT {
			return false
		}
	}
	return true
}

// Closure computes the transitive closure with a Warshall-style triple loop
// and then verifies consistency. A contradiction (some pair derivable as
// both LT and GT) means the REQUIRES digraph is cyclic and yields ErrCycle.
// Closure is idempotent.
func (po *PartialOrder) Closure() error {
	n := po.dim
	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				if po.Incomparable(i, j) {
					if po.Get(i, k) != REL_INCOMPARABLE && po.Get(i, k) == po.Get(k, j) {
						po.Set(i, j, po.Get(i, k))
					}
				}
			}
		}
	}

	// verify pass: a cyclic input leaves the filled matrix transitively
	// inconsistent, which the fill loop alone does not surface because it
	// only ever writes incomparable cells
	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			if rel := po.Get(i, k); rel != REL_INCOMPARABLE && i != k {
				for j := 0; j < n; j++ {
					if j == k || j == i {
						continue
					}
					if po.Get(k, j) == rel && po.Get(i, j) != rel {
						return fmt.Errorf("%w: %d %s %d but %d %s %d", ErrCycle, i, rel, k, i, po.Get(i, j), j)
					}
				}
			}
		}
	}
	return nil
}

func (po *PartialOrder) String() string {
	var sb strings.Builder
	for i := 0; i < po.dim; i++ {
		for j := 0; j < po.dim; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(po.Get(i, j).String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// IsValidPrefix reports whether the fixed prefix of perm can be extended to
// a topologically valid total order: no element in the prefix may be GT any
// element to its right, tail included.
func IsValidPrefix(po *PartialOrder, perm *Permutation) bool {
	n := perm.Capacity()
	for i := 0; i < perm.Size(); i++ {
		for j := i + 1; j < n; j++ {
			if po.Get(perm.Elt(i), perm.Elt(j)) == REL_GT {
				return false
			}
		}
	}
	return true
}

// MakeValid completes perm into a topologically valid total order by
// running a bubble-style pass over the tail positions [perm.Size(), n).
// The prefix is left untouched; callers extend Size afterwards.
func MakeValid(po *PartialOrder, perm *Permutation) {
	n := perm.Capacity()
	for i := perm.Size(); i < n; i++ {
		v1 := perm.Elt(i)
		for j := i + 1; j < n; j++ {
			v2 := perm.Elt(j)
			if po.Get(v1, v2) == REL_GT {
				perm.Swap(i, j)
				v1 = v2
			}
		}
	}
}
