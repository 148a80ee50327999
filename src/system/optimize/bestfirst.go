package optimize

import (
	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/order"
)

type bfPhase int

const (
	BFS_INIT bfPhase = iota
	BFS_VISIT
	BFS_EXPAND
	BFS_DONE
)

// BestFirst builds permutations prefix by prefix. Length-1 prefixes seeded
// from the minima of the partial order enter a priority queue; the best
// prefix is repeatedly extracted and expanded by one filter until a full
// permutation surfaces as the maximum.
type BestFirst struct {
	n     int
	i     int
	j     int
	pq    *Heap
	po    *order.PartialOrder
	best  *order.Permutation
	next  *order.Permutation
	phase bfPhase
	log   *archivist.Archivist
}

func NewBestFirst(n int, po *order.PartialOrder, logger *archivist.Archivist) *BestFirst {
	return &BestFirst{
		n:     n,
		pq:    NewHeap(n * n),
		po:    po,
		best:  order.Identity(n),
		next:  order.Identity(n),
		phase: BFS_INIT,
		log:   logger,
	}
}

// Step advances the state machine by one phase transition.
func (bf *BestFirst) Step(ev Evaluator) StepResult {
	n := bf.n

	switch bf.phase {
	case BFS_INIT:
		for bf.i < n {
			if bf.po.IsMin(bf.i) {
				// seed a length-1 prefix; the tail keeps the unused filters
				perm := order.Identity(n)
				perm.Swap(0, bf.i)
				perm.SetSize(1)

				score, missing, ok := ev.Evaluate(perm)
				if !ok {
					bf.suspend(perm, missing)
					return STEP_NODATA
				}
				bf.log.Debug(archivist.DEBUG_LEVEL_TRACE, "bestfirst seed perm=", perm.String(), " score=", score)
				bf.pq.Insert(score, perm)
			}
			bf.i++
		}
		bf.phase = BFS_VISIT

	case BFS_VISIT:
		if bf.pq.Len() == 0 {
			// every reachable prefix visited; best holds the result
			return STEP_COMPLETE
		}
		bf.best.CopyWithTail(bf.pq.ExtractMax())
		bf.log.Debug(archivist.DEBUG_LEVEL_TRACE, "bestfirst visiting perm=", bf.best.String())

		if bf.best.Size() == n {
			bf.phase = BFS_DONE
			return STEP_COMPLETE
		}
		bf.phase = BFS_EXPAND
		bf.j = bf.best.Size()

	case BFS_EXPAND:
		for bf.j < n {
			pos := bf.best.Size()
			bf.next.CopyWithTail(bf.best)
			bf.next.Swap(pos, bf.j)
			bf.next.SetSize(pos + 1)
			if order.IsValidPrefix(bf.po, bf.next) {
				score, missing, ok := ev.Evaluate(bf.next)
				if !ok {
					bf.suspend(bf.next, missing)
					return STEP_NODATA
				}
				bf.pq.Insert(score, bf.next.Dup())
			}
			bf.j++
		}
		bf.phase = BFS_VISIT

	case BFS_DONE:
		// drain and rewind so the next search starts fresh
		bf.Reset()
	}

	return STEP_CONTINUE
}

// suspend turns the unscorable prefix into a valid total order for the
// driver to execute, so the missing measurements get gathered.
func (bf *BestFirst) suspend(perm *order.Permutation, missing int) {
	bf.log.Debug(archivist.DEBUG_LEVEL_TRACE, "bestfirst needs data perm=", perm.String(), " filter=", missing)
	if bf.next != perm {
		bf.next.CopyWithTail(perm)
	}
	order.MakeValid(bf.po, bf.next)
	bf.next.SetSize(bf.n)
}

// Reset drains the queue and rewinds to the seeding phase.
func (bf *BestFirst) Reset() {
	bf.pq.Reset()
	bf.i = 0
	bf.j = 0
	bf.phase = BFS_INIT
}

// Result is the best permutation found; it is a full order once Step has
// returned STEP_COMPLETE out of the visit phase.
func (bf *BestFirst) Result() *order.Permutation {
	return bf.best
}

// Next is the candidate to execute after a STEP_NODATA suspension.
func (bf *BestFirst) Next() *order.Permutation {
	return bf.next
}
