package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voodooEntity/prospector/src/system/order"
)

func permOf(vals ...int) *order.Permutation {
	perm := order.NewPermutation(len(vals))
	for i, val := range vals {
		perm.SetElt(i, val)
	}
	return perm
}

func Test_Heap_ExtractsInScoreOrder(t *testing.T) {
	heap := NewHeap(8)
	heap.Insert(-30, permOf(2))
	heap.Insert(-10, permOf(0))
	heap.Insert(-20, permOf(1))

	require.Equal(t, 3, heap.Len())
	assert.Equal(t, 0, heap.ExtractMax().Elt(0))
	assert.Equal(t, 1, heap.ExtractMax().Elt(0))
	assert.Equal(t, 2, heap.ExtractMax().Elt(0))
	assert.Nil(t, heap.ExtractMax())
}

func Test_Heap_TieBreakByInsertionOrder(t *testing.T) {
	heap := NewHeap(4)
	heap.Insert(-5, permOf(0))
	heap.Insert(-5, permOf(1))
	heap.Insert(-5, permOf(2))

	assert.Equal(t, 0, heap.ExtractMax().Elt(0))
	assert.Equal(t, 1, heap.ExtractMax().Elt(0))
	assert.Equal(t, 2, heap.ExtractMax().Elt(0))
}

// The reference heapify compared the right child against the wrong index,
// which could demote a correct root. Scores spread over both subtrees must
// still be extracted in descending score order.
func Test_Heap_SiftDownKeepsMaxOnTop(t *testing.T) {
	heap := NewHeap(16)
	scores := []float64{-1, -50, -2, -60, -55, -3, -4}
	for i, score := range scores {
		heap.Insert(score, permOf(i))
	}

	last := 0.0
	first := true
	for heap.Len() > 0 {
		perm := heap.ExtractMax()
		score := scores[perm.Elt(0)]
		if !first {
			assert.LessOrEqual(t, score, last)
		}
		last = score
		first = false
	}
}

func Test_Heap_Reset(t *testing.T) {
	heap := NewHeap(4)
	heap.Insert(-1, permOf(0))
	heap.Insert(-2, permOf(1))
	heap.Reset()
	assert.Equal(t, 0, heap.Len())
	assert.Nil(t, heap.ExtractMax())
}

func Test_Heap_GrowsPastHint(t *testing.T) {
	heap := NewHeap(1)
	for i := 0; i < 64; i++ {
		heap.Insert(float64(-i), permOf(i%4, (i+1)%4, (i+2)%4, (i+3)%4))
	}
	assert.Equal(t, 64, heap.Len())
	assert.Equal(t, 0, heap.ExtractMax().Elt(0))
}
