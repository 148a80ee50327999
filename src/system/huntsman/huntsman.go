// Package huntsman drives the per-object execution loop of a search: it
// fetches candidates, runs the filters in the currently best-known order,
// short-circuits drops, feeds measurements back into the statistics and
// periodically asks an optimizer for a better ordering.
package huntsman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/attrcache"
	"github.com/voodooEntity/prospector/src/system/fspec"
	"github.com/voodooEntity/prospector/src/system/interfaces"
	"github.com/voodooEntity/prospector/src/system/memory"
	"github.com/voodooEntity/prospector/src/system/optimize"
	"github.com/voodooEntity/prospector/src/system/order"
	"github.com/voodooEntity/prospector/src/system/stats"
)

const (
	OPTIMIZER_HILLCLIMB = "hillclimb"
	OPTIMIZER_BESTFIRST = "bestfirst"
)

// search states
const (
	STATE_RUNNING int32 = iota
	STATE_DONE
	STATE_CANCELLED
	STATE_FAILED
)

var (
	ErrCancelled    = errors.New("search cancelled")
	ErrFilterEval   = errors.New("filter evaluation failed")
	ErrCollaborator = errors.New("collaborator unavailable")
)

// Settings carries the tunables of one search. Zero values fall back to
// the defaults below.
type Settings struct {
	Workers        int
	ReoptInterval  uint64
	MaxOptSteps    int
	MinSamples     uint64
	DefaultCost    float64
	MaxConsecFails int64
	CacheBytes     int64
	Optimizer      string
	RetryBase      time.Duration
	RetryCap       time.Duration
	RetryAttempts  int
}

func (s *Settings) applyDefaults() {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.ReoptInterval == 0 {
		s.ReoptInterval = 64
	}
	if s.MaxOptSteps <= 0 {
		s.MaxOptSteps = 256
	}
	if s.MinSamples == 0 {
		s.MinSamples = stats.DEFAULT_MIN_SAMPLES
	}
	if s.MaxConsecFails <= 0 {
		s.MaxConsecFails = 16
	}
	if s.Optimizer == "" {
		s.Optimizer = OPTIMIZER_HILLCLIMB
	}
	if s.RetryBase <= 0 {
		s.RetryBase = 100 * time.Millisecond
	}
	if s.RetryCap <= 0 {
		s.RetryCap = 30 * time.Second
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = 5
	}
}

// Collaborators are the external parties a search talks to. Objects,
// Runtime and Sink are mandatory; Blobs is optional (filters without a
// blob argument run fine without a blob store).
type Collaborators struct {
	Objects interfaces.ObjectStoreInterface
	Blobs   interfaces.BlobStoreInterface
	Runtime interfaces.FilterRuntimeInterface
	Sink    interfaces.ResultSinkInterface
}

// Search is one running search session. The filter table and partial order
// are immutable; the current permutation is swapped atomically so workers
// never observe a torn ordering.
type Search struct {
	id       string
	settings Settings
	table    *fspec.Table
	po       *order.PartialOrder
	tracker  *stats.Tracker
	cache    *attrcache.Cache
	collab   Collaborators
	log      *archivist.Archivist
	memory   *memory.Memory

	current atomic.Pointer[order.Permutation]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	optMu sync.Mutex
	hill  *optimize.HillClimb
	bfs   *optimize.BestFirst

	state       atomic.Int32
	errMu       sync.Mutex
	err         error
	processed   atomic.Uint64
	passed      atomic.Uint64
	dropped     atomic.Uint64
	unloadable  atomic.Uint64
	consecFails []atomic.Int64

	started     time.Time
	firstResult atomic.Int64 // microseconds since start, 0 = none yet
}

// NewSearch wires up a search session. mem may be nil for embedders that
// do not keep a graph registry.
func NewSearch(id string, table *fspec.Table, collab Collaborators, settings Settings, logger *archivist.Archivist, mem *memory.Memory) (*Search, error) {
	settings.applyDefaults()

	po, err := table.PartialOrder()
	if err != nil {
		return nil, err
	}

	cache, err := attrcache.New(settings.CacheBytes, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	search := &Search{
		id:       id,
		settings: settings,
		table:    table,
		po:       po,
		tracker: stats.NewTracker(table.Len(), &stats.Config{
			MinSamples:  settings.MinSamples,
			DefaultCost: settings.DefaultCost,
		}),
		cache:       cache,
		collab:      collab,
		log:         logger,
		memory:      mem,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		consecFails: make([]atomic.Int64, table.Len()),
	}

	// initial permutation: higher merit starts earlier, then a topological
	// pass settles the REQUIRES constraints; the optimizer takes it from
	// there
	byMerit := make([]int, table.Len())
	for i := range byMerit {
		byMerit[i] = i
	}
	sort.SliceStable(byMerit, func(a, b int) bool {
		return table.Filters[byMerit[a]].Merit > table.Filters[byMerit[b]].Merit
	})
	seed := order.NewPermutation(table.Len())
	for pos, filter := range byMerit {
		seed.SetElt(pos, filter)
	}
	seed.SetSize(0)
	order.MakeValid(po, seed)
	seed.SetSize(table.Len())
	search.current.Store(seed)

	return search, nil
}

func (s *Search) ID() string {
	return s.id
}

// CurrentOrder returns the filter names of the permutation workers load.
func (s *Search) CurrentOrder() []string {
	perm := s.current.Load()
	names := make([]string, perm.Size())
	for i := 0; i < perm.Size(); i++ {
		names[i] = s.table.Filters[perm.Elt(i)].Name
	}
	return names
}

// CurrentPermutation returns a copy of the active permutation.
func (s *Search) CurrentPermutation() *order.Permutation {
	return s.current.Load().Dup()
}

// Start initializes the filters and spawns the worker pool. It returns an
// error if any filter fails to come up; partially initialized filters get
// their fini invoked.
func (s *Search) Start() error {
	s.log.Info("starting search ", s.id)
	if s.memory != nil {
		s.memory.RegisterSearch(s.id, s.table)
	}

	initialized := 0
	for _, filt := range s.table.Filters {
		blob, err := s.fetchBlob(filt)
		if err != nil {
			s.finiFilters(initialized)
			return err
		}
		if err := s.collab.Runtime.Init(filt.Name, filt.Args, blob); err != nil {
			s.finiFilters(initialized)
			return fmt.Errorf("%w: filter %s failed to initialize: %v", ErrFilterEval, filt.Name, err)
		}
		initialized++
	}

	s.started = time.Now()
	for i := 0; i < s.settings.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	go s.finish()
	return nil
}

// worker is one search thread: fetch, evaluate, repeat.
func (s *Search) worker(id int) {
	defer s.wg.Done()
	s.log.Debug(archivist.DEBUG_LEVEL_TRACE, "worker starting search=", s.id, " worker=", id)
	for {
		if s.ctx.Err() != nil {
			return
		}
		obj, err := s.fetchObject()
		if err != nil {
			if errors.Is(err, interfaces.ErrEndOfStream) || errors.Is(err, context.Canceled) {
				return
			}
			s.fail(err)
			return
		}
		if obj == nil {
			s.unloadable.Add(1)
			continue
		}
		s.processObject(obj)
	}
}

// fetchObject pulls the next candidate, retrying transient object store
// failures with exponential backoff before declaring the collaborator gone.
func (s *Search) fetchObject() (*interfaces.ObjectRecord, error) {
	backoff := s.settings.RetryBase
	for attempt := 1; ; attempt++ {
		obj, err := s.collab.Objects.Next(s.ctx)
		if err == nil {
			return obj, nil
		}
		if errors.Is(err, interfaces.ErrEndOfStream) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if attempt >= s.settings.RetryAttempts {
			return nil, fmt.Errorf("%w: object store: %v", ErrCollaborator, err)
		}
		s.log.Warning("object store fetch failed, retrying attempt=", attempt, " err=", err)
		select {
		case <-s.ctx.Done():
			return nil, context.Canceled
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.settings.RetryCap {
			backoff = s.settings.RetryCap
		}
	}
}

// processObject runs the filter pipeline on one object under the
// permutation loaded at entry; a reorder happening mid-object does not
// affect it. Outcomes are routed through the attribute cache.
func (s *Search) processObject(obj *interfaces.ObjectRecord) {
	perm := s.current.Load()

	for i := 0; i < perm.Size(); i++ {
		// cancellation is checked between filter invocations
		if s.ctx.Err() != nil {
			return
		}
		filterID := perm.Elt(i)
		filt := s.table.Filters[filterID]

		var score int
		if entry, hit := s.cache.Get(filt.Signature(), obj.ID); hit {
			// reuse the cached score and emitted attributes; cached
			// outcomes carry no execution time so they are not fed back
			// into the cost statistics
			score = entry.Score
			obj.MergeAttrs(entry.Attrs)
		} else {
			begin := time.Now()
			result, err := s.collab.Runtime.Eval(s.ctx, filt.Name, obj)
			ticks := uint64(time.Since(begin).Microseconds())
			if err != nil {
				s.filterFailure(filt, filterID, obj, err)
				return
			}
			s.consecFails[filterID].Store(0)
			score = result.Score
			s.cache.Put(filt.Signature(), obj.ID, result.Score, result.Attrs)
			obj.MergeAttrs(result.Attrs)
			s.tracker.Record(filterID, score >= filt.Threshold, ticks)
			if s.tracker.Samples(filterID) == s.settings.MinSamples {
				// this filter just became scorable; give the optimizer an
				// early chance instead of waiting out the interval
				s.reoptimize()
			}
		}
		obj.Scores[filt.Name] = score

		if score < filt.Threshold {
			s.log.Debug(archivist.DEBUG_LEVEL_TRACE, "drop object=", obj.ID, " filter=", filt.Name, " score=", score, " threshold=", filt.Threshold)
			s.dropped.Add(1)
			s.finishObject()
			return
		}
	}

	if err := s.collab.Sink.Emit(obj); err != nil {
		s.log.Error("result sink emit failed object=", obj.ID, " err=", err)
	} else {
		s.passed.Add(1)
		s.firstResult.CompareAndSwap(0, time.Since(s.started).Microseconds())
	}
	s.finishObject()
}

func (s *Search) finishObject() {
	total := s.processed.Add(1)
	if total%s.settings.ReoptInterval == 0 {
		s.reoptimize()
	}
}

// filterFailure implements the per-object recovery policy: the object is
// dropped and the search only aborts when the same filter keeps failing on
// consecutive objects.
func (s *Search) filterFailure(filt *fspec.Filter, filterID int, obj *interfaces.ObjectRecord, err error) {
	if s.ctx.Err() != nil {
		return
	}
	fails := s.consecFails[filterID].Add(1)
	s.log.Error("filter eval error filter=", filt.Name, " object=", obj.ID, " consecutive=", fails, " err=", err)
	s.dropped.Add(1)
	s.finishObject()
	if fails > s.settings.MaxConsecFails {
		s.fail(fmt.Errorf("%w: filter %s failed %d consecutive objects: %v", ErrFilterEval, filt.Name, fails, err))
	}
}

// reoptimize runs the active optimizer for up to MaxOptSteps. It is
// best-effort: when another worker is already optimizing, this invocation
// simply returns.
func (s *Search) reoptimize() {
	if !s.optMu.TryLock() {
		return
	}
	defer s.optMu.Unlock()

	switch s.settings.Optimizer {
	case OPTIMIZER_BESTFIRST:
		s.reoptimizeBestFirst()
	default:
		s.reoptimizeHillClimb()
	}
}

func (s *Search) reoptimizeHillClimb() {
	if s.hill == nil {
		s.hill = optimize.NewHillClimb(s.current.Load(), s.log)
	}
	for step := 0; step < s.settings.MaxOptSteps; step++ {
		switch s.hill.Step(s.po, s.tracker) {
		case optimize.STEP_NODATA:
			// adopt the candidate so its measurements get gathered, but
			// keep the climb suspended rather than finalized
			s.publish(s.hill.Next())
			return
		case optimize.STEP_COMPLETE:
			s.publish(s.hill.Result())
			s.hill = nil
			return
		}
	}
}

func (s *Search) reoptimizeBestFirst() {
	if s.bfs == nil {
		s.bfs = optimize.NewBestFirst(s.table.Len(), s.po, s.log)
	}
	for step := 0; step < s.settings.MaxOptSteps; step++ {
		switch s.bfs.Step(s.tracker) {
		case optimize.STEP_NODATA:
			s.publish(s.bfs.Next())
			return
		case optimize.STEP_COMPLETE:
			s.publish(s.bfs.Result())
			s.bfs.Reset()
			return
		}
	}
}

// publish replaces the current permutation. A candidate that is not a
// topologically valid total order is rejected here, so workers can trust
// whatever they load.
func (s *Search) publish(perm *order.Permutation) {
	candidate := perm.Dup()
	candidate.SetSize(s.table.Len())
	if !candidate.IsPermutation() || !order.IsValidPrefix(s.po, candidate) {
		s.log.Error("optimizer produced invalid permutation, rejected: ", candidate.String())
		return
	}
	if candidate.Equal(s.current.Load()) {
		return
	}
	s.log.Debug(archivist.DEBUG_LEVEL_INFO, "adopting permutation ", candidate.String())
	s.current.Store(candidate)
}

// fail records the first terminal error and cancels the search.
func (s *Search) fail(err error) {
	if s.state.CompareAndSwap(STATE_RUNNING, STATE_FAILED) {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		s.log.Error("search failed id=", s.id, " err=", err)
		s.cancel()
	}
}

// Cancel requests a cooperative shutdown. In-flight objects stop at the
// next filter boundary; fini still runs for every filter.
func (s *Search) Cancel() {
	if s.state.CompareAndSwap(STATE_RUNNING, STATE_CANCELLED) {
		s.errMu.Lock()
		s.err = ErrCancelled
		s.errMu.Unlock()
		s.log.Info("cancelling search ", s.id)
		s.cancel()
	}
}

// finish waits for the workers and tears the session down. Fini functions
// are always invoked, abort included.
func (s *Search) finish() {
	s.wg.Wait()
	s.state.CompareAndSwap(STATE_RUNNING, STATE_DONE)
	s.finiFilters(len(s.table.Filters))
	s.cache.Purge()
	if s.memory != nil {
		s.memory.CompleteSearch(s.id, s.StateName(), s.processed.Load(), s.passed.Load(), s.dropped.Load())
	}
	s.cancel()
	s.log.Info("search finished id=", s.id, " state=", s.StateName(), " processed=", s.processed.Load(), " passed=", s.passed.Load())
	close(s.done)
}

func (s *Search) finiFilters(count int) {
	for i := 0; i < count; i++ {
		filt := s.table.Filters[i]
		if err := s.collab.Runtime.Fini(filt.Name); err != nil {
			s.log.Warning("filter fini failed filter=", filt.Name, " err=", err)
		}
	}
}

// Wait blocks until the search has fully shut down and returns its
// terminal error: nil on a drained stream, ErrCancelled after Cancel, or
// the fatal error that aborted it.
func (s *Search) Wait() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done exposes the completion channel for observers.
func (s *Search) Done() <-chan struct{} {
	return s.done
}

func (s *Search) StateName() string {
	switch s.state.Load() {
	case STATE_DONE:
		return "Done"
	case STATE_CANCELLED:
		return "Cancelled"
	case STATE_FAILED:
		return "Failed"
	}
	return "Running"
}

func (s *Search) fetchBlob(filt *fspec.Filter) ([]byte, error) {
	if s.collab.Blobs == nil || filt.InObjectSize == 0 {
		return nil, nil
	}
	backoff := s.settings.RetryBase
	for attempt := 1; ; attempt++ {
		blob, err := s.collab.Blobs.Get(filt.Signature())
		if err == nil {
			return blob, nil
		}
		if attempt >= s.settings.RetryAttempts {
			return nil, fmt.Errorf("%w: blob store: filter %s: %v", ErrCollaborator, filt.Name, err)
		}
		s.log.Warning("blob store fetch failed, retrying filter=", filt.Name, " attempt=", attempt)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > s.settings.RetryCap {
			backoff = s.settings.RetryCap
		}
	}
}

// FilterStats is the per-filter slice of a stats snapshot.
type FilterStats struct {
	Name string
	stats.FilterSnapshot
}

// SearchStats is a point-in-time view of a search.
type SearchStats struct {
	State             string
	ObjectsProcessed  uint64
	ObjectsPassed     uint64
	ObjectsDropped    uint64
	ObjectsUnloadable uint64
	TimeToFirstResult time.Duration
	CacheHits         uint64
	CacheMisses       uint64
	CacheBytes        int64
	CurrentOrder      []string
	Filters           []FilterStats
}

// Stats snapshots the search counters and per-filter statistics.
func (s *Search) Stats() SearchStats {
	hits, misses, bytes := s.cache.Stats()
	snap := s.tracker.Snapshot()
	filters := make([]FilterStats, len(snap))
	for i := range snap {
		filters[i] = FilterStats{
			Name:           s.table.Filters[i].Name,
			FilterSnapshot: snap[i],
		}
	}
	return SearchStats{
		State:             s.StateName(),
		ObjectsProcessed:  s.processed.Load(),
		ObjectsPassed:     s.passed.Load(),
		ObjectsDropped:    s.dropped.Load(),
		ObjectsUnloadable: s.unloadable.Load(),
		TimeToFirstResult: time.Duration(s.firstResult.Load()) * time.Microsecond,
		CacheHits:         hits,
		CacheMisses:       misses,
		CacheBytes:        bytes,
		CurrentOrder:      s.CurrentOrder(),
		Filters:           filters,
	}
}
