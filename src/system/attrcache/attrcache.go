// Package attrcache memoizes filter outcomes per object so that reordering
// the permutation never redoes work: within one session a filter runs at
// most once per object while its entry stays resident.
package attrcache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/voodooEntity/prospector/src/system/archivist"
)

const DEFAULT_MAX_BYTES = 64 << 20

// Key identifies one filter execution: the filter's content signature and
// the object's identity. The signature covers code, arguments and
// dependency signatures, so differently configured filters never collide.
type Key struct {
	Signature string
	ObjectID  string
}

// Entry holds what a filter produced on an object: its score and the
// attributes it emitted.
type Entry struct {
	Score int
	Attrs map[string][]byte
}

func entrySize(key Key, entry *Entry) int64 {
	size := int64(len(key.Signature) + len(key.ObjectID))
	for name, val := range entry.Attrs {
		size += int64(len(name) + len(val))
	}
	// account for the score and bookkeeping so empty entries still cost
	return size + 64
}

// Cache is a byte-bounded LRU over filter outcomes. The backing LRU is
// entry-count capped far above any realistic population; eviction is driven
// by the byte budget.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[Key, *Entry]
	maxBytes int64
	curBytes int64
	hits     atomic.Uint64
	misses   atomic.Uint64
	log      *archivist.Archivist
}

func New(maxBytes int64, logger *archivist.Archivist) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = DEFAULT_MAX_BYTES
	}
	cache := &Cache{
		maxBytes: maxBytes,
		log:      logger,
	}

	entries := int(maxBytes / 256)
	if entries < 1024 {
		entries = 1024
	}
	backing, err := lru.NewWithEvict[Key, *Entry](entries, func(key Key, entry *Entry) {
		cache.curBytes -= entrySize(key, entry)
	})
	if err != nil {
		return nil, err
	}
	cache.lru = backing
	return cache, nil
}

// Get returns the cached outcome for (signature, object id), if resident.
func (c *Cache) Get(signature string, objectID string) (*Entry, bool) {
	c.mu.Lock()
	entry, ok := c.lru.Get(Key{Signature: signature, ObjectID: objectID})
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
		return entry, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores a filter outcome and evicts least-recently-used entries until
// the byte budget holds again.
func (c *Cache) Put(signature string, objectID string, score int, attrs map[string][]byte) {
	key := Key{Signature: signature, ObjectID: objectID}
	entry := &Entry{Score: score, Attrs: attrs}
	size := entrySize(key, entry)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.lru.Peek(key); ok {
		c.curBytes -= entrySize(key, prev)
	}
	c.lru.Add(key, entry)
	c.curBytes += size

	for c.curBytes > c.maxBytes && c.lru.Len() > 1 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	if c.curBytes > c.maxBytes {
		c.log.Debug(archivist.DEBUG_LEVEL_DETAIL, "attrcache single entry above budget bytes=", size)
	}
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns hit/miss counters and the current resident byte size.
func (c *Cache) Stats() (hits uint64, misses uint64, bytes int64) {
	c.mu.Lock()
	bytes = c.curBytes
	c.mu.Unlock()
	return c.hits.Load(), c.misses.Load(), bytes
}

// Purge drops every entry; used on search teardown.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.curBytes = 0
	c.mu.Unlock()
}
