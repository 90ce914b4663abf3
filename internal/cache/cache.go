// Package cache memoizes record reads and collection queries in front of the
// record store.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

// DefaultSize is the entry limit used when none is configured.
const DefaultSize = 1024

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Records int    `json:"records"`
	Lists   int    `json:"lists"`
}

// Cache holds single records and memoized collection queries. Values are
// cloned on the way in and out so callers never share cached state.
//
// Every invalidation bumps a per-type generation. A fill computed from a read
// that started before the bump is discarded, so a slow reader cannot reinstate
// data older than the latest write.
type Cache struct {
	records *lru.Cache[string, *models.Record]
	lists   *lru.Cache[string, []*models.Record]

	mu  sync.Mutex
	gen map[models.EntityType]uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a Cache holding up to size records and size collection results.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	records, err := lru.New[string, *models.Record](size)
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	lists, err := lru.New[string, []*models.Record](size)
	if err != nil {
		return nil, fmt.Errorf("create list cache: %w", err)
	}
	return &Cache{
		records: records,
		lists:   lists,
		gen:     make(map[models.EntityType]uint64),
	}, nil
}

func recordKey(t models.EntityType, id string) string {
	return string(t) + "/" + id
}

func listKey(t models.EntityType, query string) string {
	return string(t) + "?" + query
}

// Generation returns the current generation for t. Pass it to PutRecord or
// PutList after reading from the store.
func (c *Cache) Generation(t models.EntityType) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[t]
}

// GetRecord returns a cached record.
func (c *Cache) GetRecord(t models.EntityType, id string) (*models.Record, bool) {
	rec, ok := c.records.Get(recordKey(t, id))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return rec.Clone(), true
}

// PutRecord caches rec unless t was invalidated since gen was taken.
func (c *Cache) PutRecord(rec *models.Record, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[rec.Type] != gen {
		return
	}
	c.records.Add(recordKey(rec.Type, rec.ID), rec.Clone())
}

// GetList returns a memoized collection result.
func (c *Cache) GetList(t models.EntityType, query string) ([]*models.Record, bool) {
	recs, ok := c.lists.Get(listKey(t, query))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return cloneAll(recs), true
}

// PutList memoizes a collection result unless t was invalidated since gen.
func (c *Cache) PutList(t models.EntityType, query string, recs []*models.Record, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[t] != gen {
		return
	}
	c.lists.Add(listKey(t, query), cloneAll(recs))
}

// Invalidate drops the record and every collection result of its type.
func (c *Cache) Invalidate(t models.EntityType, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[t]++
	c.records.Remove(recordKey(t, id))

	prefix := string(t) + "?"
	for _, k := range c.lists.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lists.Remove(k)
		}
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range models.EntityTypes {
		c.gen[t]++
	}
	c.records.Purge()
	c.lists.Purge()
}

// Stats returns hit/miss counters and current sizes.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Records: c.records.Len(),
		Lists:   c.lists.Len(),
	}
}

func cloneAll(recs []*models.Record) []*models.Record {
	out := make([]*models.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
