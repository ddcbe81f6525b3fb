// Package treecache caches "children-of-node" fragments of the remote
// drive tree.
//
// Each fragment is the ordered list of one parent's immediate children and
// is fetched, cached and invalidated independently of every other fragment,
// which keeps expansion and collapse O(1) with respect to unrelated
// branches. Node identities within a fragment are preserved across
// refetches, so selection and expansion state keyed by node ID survive a
// refresh.
//
// Uses singleflight to coalesce duplicate fetches, preventing thundering
// herd on cache miss without holding locks during HTTP calls.
package treecache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/pkg/models"
)

// RootID is the synthetic parent ID of the drive root fragment.
const RootID = ""

// DefaultTTL is the staleness window for a fragment. Reads within the
// window return the cached value; reads outside it return the cached value
// and revalidate in the background.
const DefaultTTL = 5 * time.Minute

// FetchFunc loads the immediate children of a parent node from the gateway.
type FetchFunc func(ctx context.Context, parentID string) ([]models.Node, error)

// fragment holds one cached children list with its fetch time.
type fragment struct {
	nodes     []models.Node
	fetchedAt time.Time
}

// Cache is the fragment cache. All mutation happens as wholesale
// replacement of a fragment's slice under the cache lock, so readers never
// observe a partially merged view.
type Cache struct {
	fetch FetchFunc
	ttl   time.Duration

	mu        sync.RWMutex
	fragments map[string]*fragment

	// Singleflight for coalescing duplicate fetches per parent ID.
	sf singleflight.Group
}

// New creates a fragment cache backed by the given fetch function.
// A ttl of 0 selects DefaultTTL.
func New(fetch FetchFunc, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetch:     fetch,
		ttl:       ttl,
		fragments: make(map[string]*fragment),
	}
}

// Get returns the cached fragment for a parent regardless of freshness.
// The returned slice must not be modified by callers; every cache mutation
// replaces the slice, so held references stay consistent.
func (c *Cache) Get(parentID string) ([]models.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.fragments[parentID]
	if !ok {
		return nil, false
	}
	return f.nodes, true
}

// GetOrFetch returns the fragment for a parent.
//
// A fresh cached fragment is returned as-is. A stale cached fragment is
// returned immediately while a background revalidation is started
// (stale-while-revalidate). A missing fragment blocks on a fetch.
func (c *Cache) GetOrFetch(ctx context.Context, parentID string) ([]models.Node, error) {
	c.mu.RLock()
	f, ok := c.fragments[parentID]
	c.mu.RUnlock()

	if ok {
		fresh := time.Since(f.fetchedAt) < c.ttl
		metrics.RecordCacheHit(fresh)
		if !fresh {
			go c.revalidate(context.WithoutCancel(ctx), parentID)
		}
		return f.nodes, nil
	}

	metrics.RecordCacheMiss()
	return c.Fetch(ctx, parentID)
}

// Fetch always fetches the fragment, sharing concurrent fetches for the
// same parent through singleflight. On success the fragment is stored
// wholesale. A fetch error does not poison the cache: the previous value,
// if any, is retained and the error is returned to this caller only.
func (c *Cache) Fetch(ctx context.Context, parentID string) ([]models.Node, error) {
	result, err, _ := c.sf.Do(parentID, func() (interface{}, error) {
		start := time.Now()
		nodes, err := c.fetch(ctx, parentID)
		metrics.RecordFragmentFetch(time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}
		c.Set(parentID, nodes)
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Node), nil
}

// revalidate refreshes a stale fragment in the background. Errors are
// swallowed here; the stale value stands until the next natural fetch.
func (c *Cache) revalidate(ctx context.Context, parentID string) {
	_, _ = c.Fetch(ctx, parentID)
}

// Set stores a fragment wholesale and stamps its freshness.
func (c *Cache) Set(parentID string, nodes []models.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments[parentID] = &fragment{nodes: nodes, fetchedAt: time.Now()}
}

// Replace atomically swaps a fragment's nodes: fn receives a copy of the
// current slice and returns the replacement. Freshness is not extended, a
// merge is not a refetch. Returns false if no fragment is cached for the
// parent.
func (c *Cache) Replace(parentID string, fn func(nodes []models.Node) []models.Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fragments[parentID]
	if !ok {
		return false
	}
	cp := make([]models.Node, len(f.nodes))
	copy(cp, f.nodes)
	c.fragments[parentID] = &fragment{nodes: fn(cp), fetchedAt: f.fetchedAt}
	return true
}

// Invalidate discards the fragment for one parent.
func (c *Cache) Invalidate(parentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fragments, parentID)
}

// InvalidateAll discards every cached fragment.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments = make(map[string]*fragment)
}

// InvalidatePrefix discards every fragment containing a node whose path is
// the given directory path or lives under it.
func (c *Cache) InvalidatePrefix(dirPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for parentID, f := range c.fragments {
		for i := range f.nodes {
			n := &f.nodes[i]
			if n.Name == dirPath || n.IsDescendantOf(dirPath) {
				delete(c.fragments, parentID)
				break
			}
		}
	}
}

// Size returns the number of cached fragments.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fragments)
}
