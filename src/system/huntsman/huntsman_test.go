package huntsman

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/fspec"
	"github.com/voodooEntity/prospector/src/system/interfaces"
	"github.com/voodooEntity/prospector/src/system/order"
)

func quietLog() *archivist.Archivist {
	return archivist.New(&archivist.Config{LogLevel: archivist.LEVEL_FATAL})
}

// sliceStore hands out a fixed set of objects, then end-of-stream.
type sliceStore struct {
	mu   sync.Mutex
	objs []*interfaces.ObjectRecord
	pos  int
}

func (s *sliceStore) Next(ctx context.Context) (*interfaces.ObjectRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Canceled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.objs) {
		return nil, interfaces.ErrEndOfStream
	}
	obj := s.objs[s.pos]
	s.pos++
	return obj, nil
}

// blockingStore never produces an object; it unblocks on cancellation.
type blockingStore struct{}

func (b *blockingStore) Next(ctx context.Context) (*interfaces.ObjectRecord, error) {
	<-ctx.Done()
	return nil, context.Canceled
}

// flakyStore fails a number of times before delegating.
type flakyStore struct {
	inner    *sliceStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Next(ctx context.Context) (*interfaces.ObjectRecord, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, fmt.Errorf("store hiccup")
	}
	f.mu.Unlock()
	return f.inner.Next(ctx)
}

// testRuntime scores objects from their "score.<filter>" attributes and
// records every entry-point invocation.
type testRuntime struct {
	mu        sync.Mutex
	evals     map[string]int
	inits     []string
	finis     []string
	failing   map[string]bool
	evalDelay time.Duration
}

func newTestRuntime() *testRuntime {
	return &testRuntime{
		evals:   make(map[string]int),
		failing: make(map[string]bool),
	}
}

func (r *testRuntime) Init(name string, args []string, blob []byte) error {
	r.mu.Lock()
	r.inits = append(r.inits, name)
	r.mu.Unlock()
	return nil
}

func (r *testRuntime) Eval(ctx context.Context, name string, obj *interfaces.ObjectRecord) (interfaces.EvalResult, error) {
	r.mu.Lock()
	r.evals[name]++
	failing := r.failing[name]
	r.mu.Unlock()
	if r.evalDelay > 0 {
		time.Sleep(r.evalDelay)
	}
	if failing {
		return interfaces.EvalResult{}, fmt.Errorf("filter crashed")
	}
	score := 0
	if raw, ok := obj.Attrs["score."+name]; ok {
		score, _ = strconv.Atoi(string(raw))
	}
	return interfaces.EvalResult{
		Score: score,
		Attrs: map[string][]byte{"ran." + name: []byte("1")},
	}, nil
}

func (r *testRuntime) Fini(name string) error {
	r.mu.Lock()
	r.finis = append(r.finis, name)
	r.mu.Unlock()
	return nil
}

func (r *testRuntime) evalCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evals[name]
}

// collectSink gathers emitted objects.
type collectSink struct {
	mu   sync.Mutex
	objs []*interfaces.ObjectRecord
}

func (c *collectSink) Emit(obj *interfaces.ObjectRecord) error {
	c.mu.Lock()
	c.objs = append(c.objs, obj)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) results() []*interfaces.ObjectRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*interfaces.ObjectRecord, len(c.objs))
	copy(out, c.objs)
	return out
}

func makeObject(id string, scores map[string]int) *interfaces.ObjectRecord {
	obj := interfaces.NewObjectRecord(id)
	for name, score := range scores {
		obj.Attrs["score."+name] = []byte(strconv.Itoa(score))
	}
	return obj
}

func simpleTable(t *testing.T) *fspec.Table {
	t.Helper()
	table, err := fspec.NewBuilder().
		Filter("A").Threshold(10).EvalFunction("a_eval").
		Filter("B").Threshold(0).EvalFunction("b_eval").
		Build()
	require.NoError(t, err)
	return table
}

// noReopt keeps the optimizer out of the way for deterministic ordering.
func noReopt() Settings {
	return Settings{
		Workers:       1,
		ReoptInterval: 1 << 40,
		MinSamples:    1 << 40,
	}
}

// Filter A drops object X before B ever runs; the drop is recorded.
func Test_Search_ShortCircuitOnDrop(t *testing.T) {
	store := &sliceStore{objs: []*interfaces.ObjectRecord{
		makeObject("x", map[string]int{"A": 3, "B": 100}),
	}}
	runtime := newTestRuntime()
	sink := &collectSink{}

	search, err := NewSearch("s1", simpleTable(t), Collaborators{
		Objects: store, Runtime: runtime, Sink: sink,
	}, noReopt(), quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	assert.Equal(t, 1, runtime.evalCount("A"))
	assert.Equal(t, 0, runtime.evalCount("B"))
	assert.Empty(t, sink.results())

	st := search.Stats()
	assert.Equal(t, uint64(1), st.ObjectsProcessed)
	assert.Equal(t, uint64(1), st.ObjectsDropped)
	require.Equal(t, "A", st.Filters[0].Name)
	assert.Equal(t, uint64(1), st.Filters[0].Seen)
	assert.Equal(t, uint64(0), st.Filters[0].Passed)
}

// Everything the sink receives passed every filter; everything dropped has
// a witnessing filter whose score fell below threshold.
func Test_Search_EmittedObjectsPassedAllFilters(t *testing.T) {
	var objs []*interfaces.ObjectRecord
	for i := 0; i < 40; i++ {
		objs = append(objs, makeObject(fmt.Sprintf("obj-%d", i), map[string]int{
			"A": (i % 4) * 5, // 0 5 10 15: half pass threshold 10
			"B": i % 2,       // 0 1: B threshold 0 always passes
		}))
	}
	store := &sliceStore{objs: objs}
	runtime := newTestRuntime()
	sink := &collectSink{}

	settings := noReopt()
	settings.Workers = 4
	search, err := NewSearch("s2", simpleTable(t), Collaborators{
		Objects: store, Runtime: runtime, Sink: sink,
	}, settings, quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	table := simpleTable(t)
	for _, obj := range sink.results() {
		for _, filt := range table.Filters {
			score, ok := obj.Scores[filt.Name]
			require.True(t, ok, "emitted object missing score for %s", filt.Name)
			assert.GreaterOrEqual(t, score, filt.Threshold)
		}
	}
	assert.Len(t, sink.results(), 20)

	st := search.Stats()
	assert.Equal(t, uint64(40), st.ObjectsProcessed)
	assert.Equal(t, uint64(20), st.ObjectsPassed)
	assert.Equal(t, uint64(20), st.ObjectsDropped)
}

// B requires A and C requires B: only one order is valid and the driver
// keeps it through a hundred objects of reoptimization.
func Test_Search_DependencyOrderingHolds(t *testing.T) {
	table, err := fspec.NewBuilder().
		Filter("A").Threshold(50).EvalFunction("a_eval").
		Filter("B").Threshold(50).EvalFunction("b_eval").Requires("A").
		Filter("C").Threshold(50).EvalFunction("c_eval").Requires("B").
		Build()
	require.NoError(t, err)

	var objs []*interfaces.ObjectRecord
	for i := 0; i < 100; i++ {
		scoreOf := func(passEvery int) int {
			if i%passEvery == 0 {
				return 100
			}
			return 0
		}
		objs = append(objs, makeObject(fmt.Sprintf("obj-%d", i), map[string]int{
			"A": scoreOf(10), "B": scoreOf(2), "C": scoreOf(2),
		}))
	}
	runtime := newTestRuntime()
	sink := &collectSink{}

	settings := Settings{Workers: 1, ReoptInterval: 10, MinSamples: 4}
	search, err := NewSearch("s3", table, Collaborators{
		Objects: &sliceStore{objs: objs}, Runtime: runtime, Sink: sink,
	}, settings, quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	assert.Equal(t, []string{"A", "B", "C"}, search.CurrentOrder())

	po, err := table.PartialOrder()
	require.NoError(t, err)
	perm := search.CurrentPermutation()
	assert.True(t, perm.IsPermutation())
	assert.True(t, order.IsValidPrefix(po, perm))
}

// Two incomparable filters with equal cost: the far more selective one
// ends up first after reoptimization.
func Test_Search_SelectivityDrivenReorder(t *testing.T) {
	table, err := fspec.NewBuilder().
		Filter("A").Threshold(50).EvalFunction("a_eval").
		Filter("B").Threshold(50).EvalFunction("b_eval").
		Build()
	require.NoError(t, err)

	var objs []*interfaces.ObjectRecord
	for i := 0; i < 200; i++ {
		scores := map[string]int{"A": 100, "B": 0}
		if i%10 == 0 {
			scores["B"] = 100 // B passes 10%
		}
		if i%10 == 9 {
			scores["A"] = 0 // A passes 90%
		}
		objs = append(objs, makeObject(fmt.Sprintf("obj-%d", i), scores))
	}
	runtime := newTestRuntime()
	runtime.evalDelay = 500 * time.Microsecond
	sink := &collectSink{}

	settings := Settings{Workers: 1, ReoptInterval: 16, MinSamples: 4}
	search, err := NewSearch("s4", table, Collaborators{
		Objects: &sliceStore{objs: objs}, Runtime: runtime, Sink: sink,
	}, settings, quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	assert.Equal(t, []string{"B", "A"}, search.CurrentOrder())
}

// With no constraints and no samples, merit decides who starts first.
func Test_Search_MeritBiasesInitialOrder(t *testing.T) {
	table, err := fspec.NewBuilder().
		Filter("A").Threshold(1).EvalFunction("a_eval").
		Filter("B").Threshold(1).EvalFunction("b_eval").Merit(5).
		Build()
	require.NoError(t, err)

	search, err := NewSearch("sm", table, Collaborators{
		Objects: &sliceStore{}, Runtime: newTestRuntime(), Sink: &collectSink{},
	}, noReopt(), quietLog(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, search.CurrentOrder())
}

func Test_Search_CancelShutsDownCleanly(t *testing.T) {
	runtime := newTestRuntime()
	sink := &collectSink{}

	search, err := NewSearch("s5", simpleTable(t), Collaborators{
		Objects: &blockingStore{}, Runtime: runtime, Sink: sink,
	}, noReopt(), quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())

	search.Cancel()
	err = search.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "Cancelled", search.StateName())

	// fini runs for every filter even on cancellation
	runtime.mu.Lock()
	finis := append([]string(nil), runtime.finis...)
	runtime.mu.Unlock()
	assert.ElementsMatch(t, []string{"A", "B"}, finis)
}

func Test_Search_AbortsAfterConsecutiveFilterFailures(t *testing.T) {
	var objs []*interfaces.ObjectRecord
	for i := 0; i < 50; i++ {
		objs = append(objs, makeObject(fmt.Sprintf("obj-%d", i), map[string]int{"A": 100, "B": 100}))
	}
	runtime := newTestRuntime()
	runtime.failing["A"] = true
	sink := &collectSink{}

	settings := noReopt()
	settings.MaxConsecFails = 3
	search, err := NewSearch("s6", simpleTable(t), Collaborators{
		Objects: &sliceStore{objs: objs}, Runtime: runtime, Sink: sink,
	}, settings, quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())

	err = search.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFilterEval)
	assert.Equal(t, "Failed", search.StateName())
	assert.Empty(t, sink.results())
}

// The same object identity coming around twice is evaluated at most once
// per filter; the second pass is served from the attribute cache.
func Test_Search_CacheAvoidsReevaluation(t *testing.T) {
	first := makeObject("same-object", map[string]int{"A": 100, "B": 100})
	second := makeObject("same-object", map[string]int{"A": 100, "B": 100})
	runtime := newTestRuntime()
	sink := &collectSink{}

	search, err := NewSearch("s7", simpleTable(t), Collaborators{
		Objects: &sliceStore{objs: []*interfaces.ObjectRecord{first, second}},
		Runtime: runtime, Sink: sink,
	}, noReopt(), quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	assert.Equal(t, 1, runtime.evalCount("A"))
	assert.Equal(t, 1, runtime.evalCount("B"))
	assert.Len(t, sink.results(), 2)

	st := search.Stats()
	assert.Equal(t, uint64(2), st.CacheHits)
	// cached outcomes still carry the emitted attributes
	assert.Equal(t, []byte("1"), second.Attrs["ran.A"])
}

func Test_Search_TransientStoreFailuresAreRetried(t *testing.T) {
	inner := &sliceStore{objs: []*interfaces.ObjectRecord{
		makeObject("x", map[string]int{"A": 100, "B": 100}),
	}}
	store := &flakyStore{inner: inner, failures: 2}
	runtime := newTestRuntime()
	sink := &collectSink{}

	settings := noReopt()
	settings.RetryBase = time.Millisecond
	search, err := NewSearch("s8", simpleTable(t), Collaborators{
		Objects: store, Runtime: runtime, Sink: sink,
	}, settings, quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	assert.Len(t, sink.results(), 1)
}

func Test_Search_PersistentStoreFailureIsFatal(t *testing.T) {
	store := &flakyStore{inner: &sliceStore{}, failures: 100}
	runtime := newTestRuntime()
	sink := &collectSink{}

	settings := noReopt()
	settings.RetryBase = time.Millisecond
	settings.RetryAttempts = 3
	search, err := NewSearch("s9", simpleTable(t), Collaborators{
		Objects: store, Runtime: runtime, Sink: sink,
	}, settings, quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())

	err = search.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollaborator)
}

func Test_Search_RejectsCyclicTable(t *testing.T) {
	table, err := fspec.NewBuilder().
		Filter("A").Threshold(1).Requires("B").
		Filter("B").Threshold(1).Requires("A").
		Build()
	// the builder itself refuses a cyclic table during validation
	require.Error(t, err)
	assert.ErrorIs(t, err, fspec.ErrInvalidSpec)
	assert.Nil(t, table)
}

func Test_Search_TimeToFirstResult(t *testing.T) {
	store := &sliceStore{objs: []*interfaces.ObjectRecord{
		makeObject("x", map[string]int{"A": 100, "B": 100}),
	}}
	runtime := newTestRuntime()
	runtime.evalDelay = time.Millisecond
	sink := &collectSink{}

	search, err := NewSearch("s10", simpleTable(t), Collaborators{
		Objects: store, Runtime: runtime, Sink: sink,
	}, noReopt(), quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())

	assert.Greater(t, search.Stats().TimeToFirstResult, time.Duration(0))
}

func Test_Search_ErrEndOfStreamIsCleanCompletion(t *testing.T) {
	runtime := newTestRuntime()
	sink := &collectSink{}
	search, err := NewSearch("s11", simpleTable(t), Collaborators{
		Objects: &sliceStore{}, Runtime: runtime, Sink: sink,
	}, noReopt(), quietLog(), nil)
	require.NoError(t, err)
	require.NoError(t, search.Start())
	require.NoError(t, search.Wait())
	assert.Equal(t, "Done", search.StateName())
	assert.False(t, errors.Is(search.Wait(), ErrCancelled))
}
