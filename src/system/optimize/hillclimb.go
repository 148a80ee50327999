package optimize

import (
	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/order"
)

// HillClimb performs local search over pairwise swaps of a total order,
// constrained by the partial order. One Step runs a single pass over all
// swap positions (i, j); a pass without improvement means convergence.
type HillClimb struct {
	best      *order.Permutation
	next      *order.Permutation
	n         int
	i         int
	j         int
	improved  bool
	bestScore float64
	log       *archivist.Archivist
}

// NewHillClimb seeds the search with the given total order, usually the
// driver's current permutation.
func NewHillClimb(seed *order.Permutation, logger *archivist.Archivist) *HillClimb {
	return &HillClimb{
		best:     seed.Dup(),
		next:     seed.Dup(),
		n:        seed.Size(),
		i:        0,
		j:        1,
		improved: true,
		log:      logger,
	}
}

// checkValidSwap verifies all the pairwise transpositions a general swap of
// positions u,v would decompose into: the two swapped elements must be
// incomparable, and every element between them must be incomparable with
// both.
func checkValidSwap(po *order.PartialOrder, perm *order.Permutation, u int, v int) bool {
	if po.Comparable(perm.Elt(u), perm.Elt(v)) {
		return false
	}
	for i := u + 1; i < v; i++ {
		if po.Comparable(perm.Elt(u), perm.Elt(i)) ||
			po.Comparable(perm.Elt(i), perm.Elt(v)) {
			return false
		}
	}
	return true
}

// Step runs one pass over every swap pair i < j, resuming at the saved
// (i, j) after a STEP_NODATA suspension. Each candidate swap is applied,
// scored and reverted; an improving candidate is adopted as the new best.
func (hc *HillClimb) Step(po *order.PartialOrder, ev Evaluator) StepResult {
	bestScore, _, ok := ev.Evaluate(hc.best)
	if !ok {
		// not even the current best can be scored yet; run it as-is
		hc.next.CopyWithTail(hc.best)
		return STEP_NODATA
	}
	hc.bestScore = bestScore

	hc.next.CopyWithTail(hc.best)
	improvedThisPass := false

	i, j := hc.i, hc.j
	for i < hc.n-1 {
		if checkValidSwap(po, hc.next, i, j) {
			hc.next.Swap(i, j)
			score, _, ok := ev.Evaluate(hc.next)
			if !ok {
				// suspend here; the driver executes hc.next to gather the
				// missing samples and calls Step again
				hc.i, hc.j = i, j
				return STEP_NODATA
			}
			if score > hc.bestScore {
				hc.log.Debug(archivist.DEBUG_LEVEL_TRACE, "hillclimb improved perm=", hc.next.String(), " score=", score)
				hc.bestScore = score
				hc.best.CopyWithTail(hc.next)
				improvedThisPass = true
			}
			// swap back to restore the baseline, cheaper than a copy
			hc.next.Swap(i, j)
		}

		j++
		if j >= hc.n {
			i++
			j = i + 1
		}
	}

	// pass finished, start the next one from the top
	hc.i, hc.j = 0, 1
	hc.improved = improvedThisPass
	if !improvedThisPass {
		return STEP_COMPLETE
	}
	return STEP_CONTINUE
}

// Result is the best total order found so far.
func (hc *HillClimb) Result() *order.Permutation {
	return hc.best
}

// Next is the candidate to execute after a STEP_NODATA suspension.
func (hc *HillClimb) Next() *order.Permutation {
	return hc.next
}
