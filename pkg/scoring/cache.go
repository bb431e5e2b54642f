package scoring

import (
	"context"
	"sync"

	"github.com/Ramsey-B/yarrow/pkg/models"
)

// recordCache is the run-scoped record cache. It is read-mostly: a missing
// entry triggers one fetch that every other worker wanting the same record
// blocks on.
type recordCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ready  chan struct{}
	record *models.Record
	err    error
}

func newRecordCache() *recordCache {
	return &recordCache{entries: make(map[string]*cacheEntry)}
}

func cacheKey(collection, id string) string {
	return collection + "/" + id
}

// get returns the cached record or runs fetch exactly once per key.
func (c *recordCache) get(ctx context.Context, collection, id string, fetch func() (*models.Record, error)) (*models.Record, error) {
	key := cacheKey(collection, id)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		c.mu.Unlock()
		select {
		case <-entry.ready:
			return entry.record, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry = &cacheEntry{ready: make(chan struct{})}
	c.entries[key] = entry
	c.mu.Unlock()

	entry.record, entry.err = fetch()
	close(entry.ready)
	return entry.record, entry.err
}

// put seeds the cache from a batch fetch.
func (c *recordCache) put(collection string, record *models.Record) {
	key := cacheKey(collection, record.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	entry := &cacheEntry{ready: make(chan struct{}), record: record}
	close(entry.ready)
	c.entries[key] = entry
}

func (c *recordCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
