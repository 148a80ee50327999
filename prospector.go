// Package prospector is an adaptive filter-execution engine for
// brute-force search over large corpora. A search streams candidate
// objects past a pipeline of scoring filters, dropping an object as soon
// as any filter scores it below threshold; the engine continuously
// reorders the pipeline so the cheapest, most selective filters run first,
// within the partial order the filter authors declared.
package prospector

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/fspec"
	"github.com/voodooEntity/prospector/src/system/huntsman"
	"github.com/voodooEntity/prospector/src/system/interfaces"
	"github.com/voodooEntity/prospector/src/system/memory"
)

// Settings configures an engine instance. WorkerAmount defaults to the
// number of logical CPUs.
type Settings struct {
	Ident          string
	WorkerAmount   int
	LogLevel       int
	DebugLevel     int
	Logger         interfaces.LoggerInterface
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

// Prospector is the engine instance: it owns the logger, the gits-backed
// session memory and the registered collaborators, and hands out search
// handles.
type Prospector struct {
	settings Settings
	log      *archivist.Archivist
	memory   *memory.Memory
	collab   huntsman.Collaborators

	mu       sync.Mutex
	searches map[string]*huntsman.Search
}

func New(settings Settings) *Prospector {
	if settings.Ident == "" {
		settings.Ident = "prospector"
	}
	if settings.WorkerAmount <= 0 {
		settings.WorkerAmount = runtime.NumCPU()
	}

	logger := archivist.New(&archivist.Config{
		Logger:     settings.Logger,
		LogLevel:   settings.LogLevel,
		DebugLevel: settings.DebugLevel,
	})

	return &Prospector{
		settings: settings,
		log:      logger,
		memory:   memory.New(settings.Ident, logger),
		searches: make(map[string]*huntsman.Search),
	}
}

func (p *Prospector) Log() *archivist.Archivist {
	return p.log
}

func (p *Prospector) Memory() *memory.Memory {
	return p.memory
}

// RegisterObjectStore wires the object source.
func (p *Prospector) RegisterObjectStore(store interfaces.ObjectStoreInterface) {
	p.collab.Objects = store
}

// RegisterBlobStore wires the optional blob source for filter arguments.
func (p *Prospector) RegisterBlobStore(store interfaces.BlobStoreInterface) {
	p.collab.Blobs = store
}

// RegisterFilterRuntime wires the runtime that executes filter code.
func (p *Prospector) RegisterFilterRuntime(rt interfaces.FilterRuntimeInterface) {
	p.collab.Runtime = rt
}

// RegisterResultSink wires the downstream consumer of passing objects.
func (p *Prospector) RegisterResultSink(sink interfaces.ResultSinkInterface) {
	p.collab.Sink = sink
}

// StartSearch validates the table, registers the session and starts the
// worker pool. The returned handle reports stats, cancels and waits.
func (p *Prospector) StartSearch(table *fspec.Table) (*huntsman.Search, error) {
	if p.collab.Objects == nil || p.collab.Runtime == nil || p.collab.Sink == nil {
		return nil, fmt.Errorf("object store, filter runtime and result sink must be registered before starting a search")
	}

	search, err := huntsman.NewSearch(
		uuid.NewString(),
		table,
		p.collab,
		huntsman.Settings{
			Workers:        p.settings.WorkerAmount,
			ReoptInterval:  p.settings.ReoptInterval,
			MaxOptSteps:    p.settings.MaxOptSteps,
			MinSamples:     p.settings.MinSamples,
			DefaultCost:    p.settings.DefaultCost,
			MaxConsecFails: p.settings.MaxConsecFails,
			CacheBytes:     p.settings.CacheBytes,
			Optimizer:      p.settings.Optimizer,
			RetryBase:      p.settings.RetryBase,
			RetryCap:       p.settings.RetryCap,
			RetryAttempts:  p.settings.RetryAttempts,
		},
		p.log,
		p.memory,
	)
	if err != nil {
		return nil, err
	}
	if err := search.Start(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.searches[search.ID()] = search
	p.mu.Unlock()
	return search, nil
}

// GetSearch resolves a running or finished search by id.
func (p *Prospector) GetSearch(id string) (*huntsman.Search, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	search, ok := p.searches[id]
	return search, ok
}

// Stats returns the stats snapshot of a search by id.
func (p *Prospector) Stats(id string) (huntsman.SearchStats, bool) {
	search, ok := p.GetSearch(id)
	if !ok {
		return huntsman.SearchStats{}, false
	}
	return search.Stats(), true
}

// Cancel requests cancellation of a search by id.
func (p *Prospector) Cancel(id string) bool {
	search, ok := p.GetSearch(id)
	if !ok {
		return false
	}
	search.Cancel()
	return true
}

// GetObserverInstance returns an observer for the given search. The
// callback runs once the search has fully shut down.
func (p *Prospector) GetObserverInstance(search *huntsman.Search, cb func(search *huntsman.Search)) *huntsman.Observer {
	return huntsman.NewObserver(search, cb, p.log)
}
