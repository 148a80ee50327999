// Package stats keeps the per-filter measurements the optimizers feed on:
// how often a filter passes objects and how long an invocation takes.
// A tracker is owned by a single search and reset with it; nothing here is
// process-wide.
package stats

import (
	"sync"

	"github.com/voodooEntity/prospector/src/system/order"
)

const (
	DEFAULT_MIN_SAMPLES = 8
	DEFAULT_COST        = 1000.0
)

type Config struct {
	// MinSamples is the number of recorded invocations a filter needs
	// before Evaluate trusts its numbers.
	MinSamples uint64
	// DefaultCost is the assumed mean cost in ticks for unseen filters.
	DefaultCost float64
}

type filterStats struct {
	seen   uint64
	passed uint64
	ticks  uint64
}

// Tracker accumulates running counts per filter. Record is called by every
// worker, so updates run under a single short-held lock; Evaluate takes the
// same lock and therefore reads a consistent snapshot.
type Tracker struct {
	mu          sync.Mutex
	filters     []filterStats
	minSamples  uint64
	defaultCost float64
}

func NewTracker(n int, conf *Config) *Tracker {
	tracker := &Tracker{
		filters:     make([]filterStats, n),
		minSamples:  DEFAULT_MIN_SAMPLES,
		defaultCost: DEFAULT_COST,
	}
	if conf != nil {
		if conf.MinSamples > 0 {
			tracker.minSamples = conf.MinSamples
		}
		if conf.DefaultCost > 0 {
			tracker.defaultCost = conf.DefaultCost
		}
	}
	return tracker
}

// Record feeds one filter invocation outcome into the running counts.
func (t *Tracker) Record(filter int, passed bool, ticks uint64) {
	t.mu.Lock()
	fs := &t.filters[filter]
	fs.seen++
	if passed {
		fs.passed++
	}
	fs.ticks += ticks
	t.mu.Unlock()
}

// Samples returns the number of recorded invocations for a filter.
func (t *Tracker) Samples(filter int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filters[filter].seen
}

// Selectivity is the Laplace-smoothed pass rate, 0.5 for unseen filters.
func (t *Tracker) Selectivity(filter int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selectivityLocked(filter)
}

func (t *Tracker) selectivityLocked(filter int) float64 {
	fs := &t.filters[filter]
	return float64(fs.passed+1) / float64(fs.seen+2)
}

// Cost is the mean ticks per invocation, DefaultCost for unseen filters.
func (t *Tracker) Cost(filter int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costLocked(filter)
}

func (t *Tracker) costLocked(filter int) float64 {
	fs := &t.filters[filter]
	if fs.seen == 0 {
		return t.defaultCost
	}
	return float64(fs.ticks) / float64(fs.seen)
}

// Evaluate scores the prefix of perm as the negated expected cost
//
//	-( sum_i cost(perm[i]) * prod_{j<i} selectivity(perm[j]) )
//
// so that a higher score means a cheaper ordering. If any filter in the
// prefix has fewer than MinSamples recorded invocations, ok is false and
// missing names the first such filter; the caller is expected to gather
// measurements for it before asking again.
func (t *Tracker) Evaluate(perm *order.Permutation) (score float64, missing int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := 0.0
	reach := 1.0
	for i := 0; i < perm.Size(); i++ {
		filter := perm.Elt(i)
		if t.filters[filter].seen < t.minSamples {
			return 0, filter, false
		}
		cost += t.costLocked(filter) * reach
		reach *= t.selectivityLocked(filter)
	}
	return -cost, -1, true
}

// FilterSnapshot is a read-only view of one filter's counters.
type FilterSnapshot struct {
	Seen        uint64
	Passed      uint64
	Ticks       uint64
	Selectivity float64
	Cost        float64
}

// Snapshot returns a consistent copy of all per-filter counters.
func (t *Tracker) Snapshot() []FilterSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make([]FilterSnapshot, len(t.filters))
	for i := range t.filters {
		snap[i] = FilterSnapshot{
			Seen:        t.filters[i].seen,
			Passed:      t.filters[i].passed,
			Ticks:       t.filters[i].ticks,
			Selectivity: t.selectivityLocked(i),
			Cost:        t.costLocked(i),
		}
	}
	return snap
}

// Reset clears all counters for a fresh search.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for i := range t.filters {
		t.filters[i] = filterStats{}
	}
	t.mu.Unlock()
}
