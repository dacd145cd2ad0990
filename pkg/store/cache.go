package store

import (
	"container/list"

	"github.com/tdeslauriers/muse/pkg/api"
)

// albumCache is a small LRU cache of album shards so repeated lookups do not
// re-read the shard file.  Not safe for concurrent use on its own; the store
// serializes access.
type albumCache struct {
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

// cacheEntry is one cached album shard.
type cacheEntry struct {
	albumKey string
	records  []api.ImageRecord
}

func newAlbumCache(capacity int) *albumCache {
	return &albumCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// get returns the cached records for the album and marks it most recently used.
func (c *albumCache) get(albumKey string) ([]api.ImageRecord, bool) {

	elem, ok := c.entries[albumKey]
	if !ok {
		return nil, false
	}

	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).records, true
}

// put stores the album's records, evicting the least recently used shard when
// the cache is at capacity.
func (c *albumCache) put(albumKey string, records []api.ImageRecord) {

	if elem, ok := c.entries[albumKey]; ok {
		elem.Value.(*cacheEntry).records = records
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).albumKey)
		}
	}

	c.entries[albumKey] = c.order.PushFront(&cacheEntry{albumKey: albumKey, records: records})
}

// drop removes the album from the cache if present.
func (c *albumCache) drop(albumKey string) {
	if elem, ok := c.entries[albumKey]; ok {
		c.order.Remove(elem)
		delete(c.entries, albumKey)
	}
}

// len returns the number of cached shards.
func (c *albumCache) len() int {
	return c.order.Len()
}
