package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain builds a partial order over n filters with the given LT edges.
func chain(t *testing.T, n int, edges [][2]int) *PartialOrder {
	po := NewPartialOrder(n)
	for _, edge := range edges {
		po.Set(edge[0], edge[1], REL_LT)
	}
	require.NoError(t, po.Closure())
	return po
}

func Test_PartialOrder_InverseSymmetry(t *testing.T) {
	po := NewPartialOrder(3)
	po.Set(0, 1, REL_LT)
	assert.Equal(t, REL_LT, po.Get(0, 1))
	assert.Equal(t, REL_GT, po.Get(1, 0))
	assert.True(t, po.Incomparable(0, 2))
	assert.True(t, po.Incomparable(2, 0))
}

func Test_PartialOrder_ClosureTransitive(t *testing.T) {
	// 0 < 1 and 1 < 2 must close to 0 < 2
	po := chain(t, 3, [][2]int{{0, 1}, {1, 2}})
	assert.Equal(t, REL_LT, po.Get(0, 2))
	assert.Equal(t, REL_GT, po.Get(2, 0))
}

func Test_PartialOrder_ClosureIdempotent(t *testing.T) {
	po := chain(t, 4, [][2]int{{0, 1}, {1, 2}})
	before := po.String()
	require.NoError(t, po.Closure())
	assert.Equal(t, before, po.String())
}

func Test_PartialOrder_ClosureDetectsCycle(t *testing.T) {
	po := NewPartialOrder(3)
	po.Set(0, 1, REL_LT)
	po.Set(1, 2, REL_LT)
	po.Set(2, 0, REL_LT)
	err := po.Closure()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
}

func Test_PartialOrder_IsMin(t *testing.T) {
	po := chain(t, 3, [][2]int{{0, 1}, {1, 2}})
	assert.True(t, po.IsMin(0))
	assert.False(t, po.IsMin(1))
	assert.False(t, po.IsMin(2))
}

func Test_Permutation_IdentityAndSwap(t *testing.T) {
	perm := Identity(4)
	assert.Equal(t, 4, perm.Size())
	assert.Equal(t, 4, perm.Capacity())
	assert.True(t, perm.IsPermutation())

	perm.Swap(0, 3)
	assert.Equal(t, 3, perm.Elt(0))
	assert.Equal(t, 0, perm.Elt(3))
	assert.True(t, perm.IsPermutation())
	assert.Equal(t, "[3 1 2 0]", perm.String())
}

func Test_Permutation_SetEltExtendsPrefix(t *testing.T) {
	perm := NewPermutation(3)
	assert.Equal(t, 0, perm.Size())
	perm.SetElt(1, 2)
	assert.Equal(t, 2, perm.Size())
}

func Test_Permutation_CopyWithTailPreservesUnplaced(t *testing.T) {
	src := Identity(4)
	src.Swap(0, 2)
	src.SetSize(1) // prefix [2], tail holds 1 0 3

	dst := NewPermutation(4)
	dst.CopyWithTail(src)
	assert.Equal(t, 1, dst.Size())
	assert.Equal(t, 2, dst.Elt(0))
	// the tail beyond the prefix must survive the copy
	assert.Equal(t, 1, dst.Elt(1))
	assert.Equal(t, 0, dst.Elt(2))
	assert.Equal(t, 3, dst.Elt(3))
	assert.True(t, dst.IsPermutation())
}

func Test_Permutation_EqualComparesPrefix(t *testing.T) {
	a := Identity(3)
	b := Identity(3)
	assert.True(t, a.Equal(b))
	b.Swap(0, 1)
	assert.False(t, a.Equal(b))
	// differing tails with equal prefixes still compare equal
	a.SetSize(1)
	b.SetSize(1)
	b.Swap(0, 1)
	b.Swap(1, 2) // b = [0 2 1], a = [0 1 2]
	assert.True(t, a.Equal(b))
}

func Test_IsValidPrefix(t *testing.T) {
	po := chain(t, 3, [][2]int{{0, 1}, {1, 2}})

	perm := Identity(3)
	perm.SetSize(1)
	assert.True(t, IsValidPrefix(po, perm))

	// prefix [1] leaves 0 in the tail with 1 > 0
	bad := Identity(3)
	bad.Swap(0, 1)
	bad.SetSize(1)
	assert.False(t, IsValidPrefix(po, bad))
}

func Test_MakeValid_SortsTailTopologically(t *testing.T) {
	po := chain(t, 4, [][2]int{{0, 1}, {1, 2}})

	perm := NewPermutation(4)
	perm.SetElt(0, 2)
	perm.SetElt(1, 3)
	perm.SetElt(2, 1)
	perm.SetElt(3, 0)
	perm.SetSize(0)

	MakeValid(po, perm)
	perm.SetSize(4)
	assert.True(t, perm.IsPermutation())
	assert.True(t, IsValidPrefix(po, perm))
}

func Test_MakeValid_SingleValidOrder(t *testing.T) {
	// a total REQUIRES chain admits exactly one order
	po := chain(t, 3, [][2]int{{0, 1}, {1, 2}})
	perm := NewPermutation(3)
	perm.SetElt(0, 2)
	perm.SetElt(1, 1)
	perm.SetElt(2, 0)
	perm.SetSize(0)
	MakeValid(po, perm)
	perm.SetSize(3)
	assert.Equal(t, "[0 1 2]", perm.String())
}
