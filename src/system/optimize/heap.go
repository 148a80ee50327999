// Package optimize searches the space of topologically valid filter
// orderings. Two strategies are provided: pairwise-swap hill climbing and
// best-first construction of permutation prefixes. Both consume scores from
// an Evaluator and suspend cooperatively when measurements are missing.
package optimize

import (
	"github.com/voodooEntity/prospector/src/system/order"
)

// Evaluator scores the prefix of a permutation. A higher score is better.
// ok=false means the filter identified by missing has too few samples; the
// caller gathers more measurements before asking again.
type Evaluator interface {
	Evaluate(perm *order.Permutation) (score float64, missing int, ok bool)
}

// StepResult is returned by the optimizers' Step methods.
type StepResult int

const (
	// STEP_CONTINUE means more steps are needed.
	STEP_CONTINUE StepResult = iota
	// STEP_COMPLETE means the optimizer converged; Result holds the order.
	STEP_COMPLETE
	// STEP_NODATA means the evaluator lacks samples; Next holds a valid
	// total order whose execution will gather the missing measurements.
	STEP_NODATA
)

func (r StepResult) String() string {
	switch r {
	case STEP_COMPLETE:
		return "complete"
	case STEP_NODATA:
		return "nodata"
	}
	return "continue"
}

type heapEntry struct {
	key float64
	seq uint64
	val *order.Permutation
}

// Heap is a max-heap of permutations keyed by score, with insertion order
// breaking ties. The backing sequence grows as needed; sift-down is
// iterative.
type Heap struct {
	entries []heapEntry
	counter uint64
}

func NewHeap(capacityHint int) *Heap {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &Heap{
		entries: make([]heapEntry, 0, capacityHint),
	}
}

func (h *Heap) Len() int {
	return len(h.entries)
}

// before reports whether entry a should sit above entry b: higher key wins,
// earlier insertion wins on equal keys.
func (h *Heap) before(a heapEntry, b heapEntry) bool {
	if a.key != b.key {
		return a.key > b.key
	}
	return a.seq < b.seq
}

func (h *Heap) Insert(key float64, val *order.Permutation) {
	h.counter++
	h.entries = append(h.entries, heapEntry{key: key, seq: h.counter, val: val})

	// sift up
	i := len(h.entries) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !h.before(h.entries[i], h.entries[parent]) {
			break
		}
		h.entries[i], h.entries[parent] = h.entries[parent], h.entries[i]
		i = parent
	}
}

// ExtractMax removes and returns the best-scored permutation, or nil when
// the heap is empty.
func (h *Heap) ExtractMax() *order.Permutation {
	n := len(h.entries)
	if n == 0 {
		return nil
	}
	max := h.entries[0].val
	h.entries[0] = h.entries[n-1]
	h.entries[n-1] = heapEntry{}
	h.entries = h.entries[:n-1]
	h.siftDown(0)
	return max
}

func (h *Heap) siftDown(i int) {
	n := len(h.entries)
	for {
		left := 2*i + 1
		right := 2*i + 2
		largest := i
		if left < n && h.before(h.entries[left], h.entries[largest]) {
			largest = left
		}
		if right < n && h.before(h.entries[right], h.entries[largest]) {
			largest = right
		}
		if largest == i {
			return
		}
		h.entries[i], h.entries[largest] = h.entries[largest], h.entries[i]
		i = largest
	}
}

// Reset drops all queued permutations.
func (h *Heap) Reset() {
	for i := range h.entries {
		h.entries[i] = heapEntry{}
	}
	h.entries = h.entries[:0]
}
