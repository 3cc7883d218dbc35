package storage

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/record"
)

const keyStripes = 64

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Capacity  int
}

// CachedStorage is a write-through LRU cache in front of another Storage.
//
// Operations on the same id are serialized by a striped key lock, so a fill
// after a miss can never resurrect a record that a concurrent Delete removed.
// The LRU list is guarded by the cache's own lock.
type CachedStorage struct {
	backing  Storage
	cache    *lru.Cache[string, *record.Record]
	capacity int
	locks    [keyStripes]sync.Mutex
	metrics  *metrics.Recorder

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// CacheOption configures a CachedStorage.
type CacheOption func(*CachedStorage)

// WithCacheMetrics reports hits, misses and evictions to rec.
func WithCacheMetrics(rec *metrics.Recorder) CacheOption {
	return func(c *CachedStorage) { c.metrics = rec }
}

// NewCachedStorage wraps backing with an LRU cache holding at most capacity
// records.
func NewCachedStorage(backing Storage, capacity int, opts ...CacheOption) (*CachedStorage, error) {
	if backing == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "cached storage needs a backing store")
	}
	if capacity <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "cache capacity must be positive").
			WithDetail("capacity", capacity)
	}
	cache, err := lru.New[string, *record.Record](capacity)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create LRU cache")
	}
	c := &CachedStorage{
		backing:  backing,
		cache:    cache,
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *CachedStorage) lock(id string) func() {
	m := &c.locks[xxhash.Sum64String(id)%keyStripes]
	m.Lock()
	return m.Unlock
}

// Store writes through to the backing store and caches the record only after
// the backing write succeeded. The cached copy is normalized by the backing
// store, so a hit returns what a miss would.
func (c *CachedStorage) Store(ctx context.Context, rec *record.Record) error {
	if err := checkStore(ctx, rec); err != nil {
		return err
	}
	cached, err := Normalize(c.backing, rec)
	if err != nil {
		return err
	}
	unlock := c.lock(rec.ID())
	defer unlock()

	if err := c.backing.Store(ctx, rec); err != nil {
		return err
	}
	c.add(rec.ID(), cached)
	return nil
}

// Update writes through like Store but fails with not_found, leaving the
// cache untouched, when the backing store has no record with rec's id.
func (c *CachedStorage) Update(ctx context.Context, rec *record.Record) error {
	if err := checkStore(ctx, rec); err != nil {
		return err
	}
	cached, err := Normalize(c.backing, rec)
	if err != nil {
		return err
	}
	unlock := c.lock(rec.ID())
	defer unlock()

	if err := Update(ctx, c.backing, rec); err != nil {
		return err
	}
	c.add(rec.ID(), cached)
	return nil
}

// Get serves from the cache when possible, refreshing recency, and fills
// the cache on a backing hit.
func (c *CachedStorage) Get(ctx context.Context, id string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, "get")
	}
	unlock := c.lock(id)
	defer unlock()

	if rec, ok := c.cache.Get(id); ok {
		c.hits.Add(1)
		c.metrics.RecordCacheHit()
		return rec.Clone(), nil
	}
	c.misses.Add(1)
	c.metrics.RecordCacheMiss()

	rec, err := c.backing.Get(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	c.add(id, rec.Clone())
	return rec, nil
}

// List delegates to the backing store.
func (c *CachedStorage) List(ctx context.Context) ([]string, error) {
	return c.backing.List(ctx)
}

// Delete drops the cached copy first, then deletes from the backing store.
// A backing failure is returned even though the cache entry is already gone.
func (c *CachedStorage) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return contextError(err, "delete")
	}
	unlock := c.lock(id)
	defer unlock()

	c.cache.Remove(id)
	return c.backing.Delete(ctx, id)
}

// Count delegates to the backing store.
func (c *CachedStorage) Count(ctx context.Context) (int, error) {
	return Count(ctx, c.backing)
}

// Clear purges the cache, then clears the backing store. Every key lock is
// held throughout so no concurrent write can repopulate the cache with a
// record the backing store is about to lose.
func (c *CachedStorage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return contextError(err, "clear")
	}
	for i := range c.locks {
		c.locks[i].Lock()
	}
	defer func() {
		for i := range c.locks {
			c.locks[i].Unlock()
		}
	}()

	c.cache.Purge()
	return Clear(ctx, c.backing)
}

func (c *CachedStorage) add(id string, rec *record.Record) {
	if evicted := c.cache.Add(id, rec); evicted {
		c.evictions.Add(1)
		c.metrics.RecordCacheEviction()
	}
}

// Contains reports whether id is cached, without touching its recency.
func (c *CachedStorage) Contains(id string) bool {
	return c.cache.Contains(id)
}

// Len returns the number of cached records.
func (c *CachedStorage) Len() int {
	return c.cache.Len()
}

// Capacity returns the maximum number of cached records.
func (c *CachedStorage) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the cache counters.
func (c *CachedStorage) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.cache.Len(),
		Capacity:  c.capacity,
	}
}

// Purge empties the cache without touching the backing store.
func (c *CachedStorage) Purge() {
	c.cache.Purge()
}

// Backing returns the wrapped store.
func (c *CachedStorage) Backing() Storage {
	return c.backing
}

// Close closes the backing store when it holds resources.
func (c *CachedStorage) Close() error {
	if closer, ok := c.backing.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
