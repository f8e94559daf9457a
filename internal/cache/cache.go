// Package cache implements the fixed-capacity LRU block buffer cache
// sitting between the inode/directory layers and blockdev, grounded on
// biscuit's fs.bdev_cache_t / fs.bdev_block_t (hash-bucketed, refcounted
// buffer heads with a dirty bit and an LRU eviction list) and on
// Pintos's cache.c 64-slot buffer cache (BUFFER_CACHE_SIZE 64).
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
)

// Capacity is the fixed number of buffer slots (Pintos's
// BUFFER_CACHE_SIZE, biscuit's own cache sizes its pool similarly).
const Capacity = 64

/// Head is one cached sector: biscuit calls this a bdev_block_t, Pintos
/// a "cache entry". Data is exactly blockdev.SectorSize bytes.
type Head struct {
	Sector defs.Sector
	Data   []byte
	dirty  bool
	pinned int
	elem   *list.Element
}

/// Cache is a fixed-capacity, write-back LRU buffer cache for one
/// disk. Eviction picks the least-recently-used unpinned head, the way
/// biscuit's cache walks its LRU list looking for a refcount-zero
/// victim.
type Cache struct {
	mu       sync.Mutex
	disk     blockdev.Disk_i
	byon     map[defs.Sector]*Head
	lru      *list.List // front = most recently used
	capacity int
}

/// New wraps disk in a buffer cache of the given capacity (use
/// Capacity for the spec-mandated 64-slot pool).
func New(disk blockdev.Disk_i, capacity int) *Cache {
	return &Cache{
		disk:     disk,
		byon:     make(map[defs.Sector]*Head),
		lru:      list.New(),
		capacity: capacity,
	}
}

/// Get returns the cached Head for sector, reading it from disk on a
/// miss and evicting an LRU victim if the cache is full. The returned
/// Head is pinned; callers must Put it back when done, mirroring
/// biscuit's bdev_get/bdev_relse refcount pair.
func (c *Cache) Get(sector defs.Sector) (*Head, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.byon[sector]; ok {
		c.lru.MoveToFront(h.elem)
		h.pinned++
		return h, nil
	}

	if len(c.byon) >= c.capacity {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}

	data := make([]byte, blockdev.SectorSize)
	if err := c.disk.ReadSector(sector, data); err != nil {
		return nil, fmt.Errorf("cache: read sector %d: %w", sector, err)
	}
	h := &Head{Sector: sector, Data: data, pinned: 1}
	h.elem = c.lru.PushFront(h)
	c.byon[sector] = h
	return h, nil
}

/// evictLocked removes the least-recently-used unpinned head,
/// flushing it first if dirty. Must be called with c.mu held.
func (c *Cache) evictLocked() error {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		h := e.Value.(*Head)
		if h.pinned > 0 {
			continue
		}
		if h.dirty {
			if err := c.disk.WriteSector(h.Sector, h.Data); err != nil {
				return fmt.Errorf("cache: writeback sector %d during eviction: %w", h.Sector, err)
			}
		}
		c.lru.Remove(e)
		delete(c.byon, h.Sector)
		return nil
	}
	return fmt.Errorf("cache: all %d slots pinned, cannot evict", c.capacity)
}

/// Put unpins h, marking it dirty if the caller modified its Data.
func (c *Cache) Put(h *Head, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dirty {
		h.dirty = true
	}
	if h.pinned == 0 {
		panic(fmt.Sprintf("cache: Put of unpinned sector %d", h.Sector))
	}
	h.pinned--
}

/// Pdflush writes back every dirty head concurrently, the way
/// biscuit's filesys_done promises a synchronous flush on shutdown but
/// leaves write ordering among independent sectors unspecified; the
/// concurrency is bounded by the fixed cache capacity.
func (c *Cache) Pdflush() error {
	c.mu.Lock()
	dirty := make([]*Head, 0, len(c.byon))
	for _, h := range c.byon {
		if h.dirty {
			dirty = append(dirty, h)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, h := range dirty {
		h := h
		g.Go(func() error {
			if err := c.disk.WriteSector(h.Sector, h.Data); err != nil {
				return fmt.Errorf("cache: pdflush sector %d: %w", h.Sector, err)
			}
			c.mu.Lock()
			h.dirty = false
			c.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.disk.Sync()
}

/// Evict forcibly drops sector from the cache without writeback,
/// for use by fsck-style consistency tools that need a cold read.
/// Panics if the sector is pinned or dirty, to catch misuse early.
func (c *Cache) Evict(sector defs.Sector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byon[sector]
	if !ok {
		return
	}
	if h.pinned > 0 || h.dirty {
		panic(fmt.Sprintf("cache: Evict of busy sector %d (pinned=%d dirty=%v)", sector, h.pinned, h.dirty))
	}
	c.lru.Remove(h.elem)
	delete(c.byon, sector)
}
