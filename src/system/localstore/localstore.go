// Package localstore provides collaborator implementations backed by the
// local machine: a directory-walking object store, an in-memory blob store,
// a collecting result sink and an attribute-driven filter runtime. They let
// the CLI and the end-to-end tests run the full pipeline without external
// services.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/voodooEntity/prospector/src/system/interfaces"
)

// ATTR_DATA is the attribute the object body is loaded into.
const ATTR_DATA = "data"

// DirectoryStore walks a directory tree once and hands out one object per
// regular file. Object identities are derived deterministically from the
// file path, so a repeated search over the same corpus hits the attribute
// cache.
type DirectoryStore struct {
	mu    sync.Mutex
	paths []string
	pos   int
}

func NewDirectoryStore(root string) (*DirectoryStore, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking corpus %s: %w", root, err)
	}
	return &DirectoryStore{paths: paths}, nil
}

func (d *DirectoryStore) Len() int {
	return len(d.paths)
}

func (d *DirectoryStore) Next(ctx context.Context) (*interfaces.ObjectRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.pos >= len(d.paths) {
		d.mu.Unlock()
		return nil, interfaces.ErrEndOfStream
	}
	path := d.paths[d.pos]
	d.pos++
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading object %s: %w", path, err)
	}

	obj := interfaces.NewObjectRecord(uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String())
	obj.Attrs[ATTR_DATA] = data
	obj.Attrs["path"] = []byte(path)
	return obj, nil
}

// MapBlobStore serves blobs from an in-memory map keyed by signature.
type MapBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMapBlobStore() *MapBlobStore {
	return &MapBlobStore{blobs: make(map[string][]byte)}
}

func (m *MapBlobStore) Put(signature string, data []byte) {
	m.mu.Lock()
	m.blobs[signature] = data
	m.mu.Unlock()
}

func (m *MapBlobStore) Get(signature string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[signature]
	if !ok {
		return nil, fmt.Errorf("no blob for signature %s", signature)
	}
	return blob, nil
}

// CollectSink gathers emitted objects in memory.
type CollectSink struct {
	mu      sync.Mutex
	objects []*interfaces.ObjectRecord
}

func NewCollectSink() *CollectSink {
	return &CollectSink{}
}

func (c *CollectSink) Emit(obj *interfaces.ObjectRecord) error {
	c.mu.Lock()
	c.objects = append(c.objects, obj)
	c.mu.Unlock()
	return nil
}

func (c *CollectSink) Results() []*interfaces.ObjectRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*interfaces.ObjectRecord, len(c.objects))
	copy(out, c.objects)
	return out
}

// AttrScoreRuntime is an in-process filter runtime that scores objects from
// their attributes: filter F reads the attribute "score.F" as an integer.
// Objects without the attribute get DefaultScore. Each evaluation emits a
// "ran.F" marker attribute.
type AttrScoreRuntime struct {
	DefaultScore int
}

func NewAttrScoreRuntime(defaultScore int) *AttrScoreRuntime {
	return &AttrScoreRuntime{DefaultScore: defaultScore}
}

func (r *AttrScoreRuntime) Init(name string, args []string, blob []byte) error {
	return nil
}

func (r *AttrScoreRuntime) Eval(ctx context.Context, name string, obj *interfaces.ObjectRecord) (interfaces.EvalResult, error) {
	score := r.DefaultScore
	if raw, ok := obj.Attrs["score."+name]; ok {
		parsed, err := strconv.Atoi(string(raw))
		if err != nil {
			return interfaces.EvalResult{}, fmt.Errorf("filter %s: bad score attribute %q", name, raw)
		}
		score = parsed
	}
	return interfaces.EvalResult{
		Score: score,
		Attrs: map[string][]byte{"ran." + name: []byte("1")},
	}, nil
}

func (r *AttrScoreRuntime) Fini(name string) error {
	return nil
}
