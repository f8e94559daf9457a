// Package frame implements the physical frame arena, its global LRU
// eviction policy, and the swap-slot bookkeeping used to evict a
// resident page to disk, grounded on Pintos's src/vm/frame.c
// (frame table + clock/LRU eviction) and src/vm/swap.c (a bitmap of
// PGSIZE-granularity swap slots), and on biscuit's mem.Physmem_t
// refcounted frame pool.
//
// frame is a leaf package: it never imports internal/spt. Callers
// supply writeBack/onEvicted closures instead, avoiding the cyclic
// frame<->spt pointer pair DESIGN NOTES warns against.
package frame

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/bsuserfs/kernelcore/internal/bitmap"
	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
)

/// FrameID identifies one physical frame slot in the arena.
type FrameID uint32

/// Resident is the arena's record of one occupied frame: its data and
/// the closures needed to evict it without frame depending on the
/// owning page-table type.
type Resident struct {
	Owner Tid
	Data  []byte
	// WriteBack persists Data to swap/disk if the page is dirty;
	// called by the evictor before the frame is reused.
	WriteBack func(data []byte) error
	// OnEvicted notifies the owning SPT entry that its frame was
	// reclaimed, so it can record the new swap location.
	OnEvicted func()
	pinned bool
	elem   *list.Element
}

/// Tid identifies the owning task, mirroring defs.Tid_t without
/// importing defs into every call site unnecessarily (kept as its own
/// alias so frame's public API reads self-contained).
type Tid = defs.Tid_t

/// Arena is a fixed-capacity pool of physical frames with global LRU
/// eviction, the way Pintos's frame table is one global table shared
/// by all processes (no per-process frame quota).
type Arena struct {
	mu       sync.Mutex
	capacity int
	frames   map[FrameID]*Resident
	lru      *list.List // front = most recently used
	next     FrameID
	swap     *swapEngine
}

/// NewArena creates a frame arena of the given capacity backed by
/// swapDisk for eviction overflow.
func NewArena(capacity int, swapDisk blockdev.Disk_i) *Arena {
	return &Arena{
		capacity: capacity,
		frames:   make(map[FrameID]*Resident),
		lru:      list.New(),
		swap:     newSwapEngine(swapDisk),
	}
}

/// Alloc reserves a frame for owner, evicting the LRU unpinned
/// resident frame if the arena is full. The returned Resident's Data
/// is zeroed; callers fill it in (demand-load, stack growth, or mmap
/// fault). Panics if the arena is full and every frame is pinned: this
/// is frame-allocator exhaustion with nothing evictable, which spec.md
/// §4.9/§7 names as fatal (a kernel panic), distinct from a user fault
/// that kills only the faulting task.
func (a *Arena) Alloc(owner Tid) (FrameID, *Resident, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.frames) >= a.capacity {
		a.evictLocked()
	}

	id := a.next
	a.next++
	r := &Resident{Owner: owner, Data: make([]byte, defs.PageSize)}
	r.elem = a.lru.PushFront(r)
	a.frames[id] = r
	return id, r, 0
}

/// evictLocked reclaims the least-recently-used unpinned frame,
/// invoking its WriteBack and OnEvicted closures. Must be called with
/// a.mu held. Panics if no unpinned victim exists (frame exhaustion
/// with nothing to evict) or if a dirty victim's WriteBack fails,
/// matching spec.md §4.9/§7's "frame allocator exhaustion is fatal"
/// rule rather than returning a recoverable error up to the classifier.
func (a *Arena) evictLocked() {
	for e := a.lru.Back(); e != nil; e = e.Prev() {
		r := e.Value.(*Resident)
		if r.pinned {
			continue
		}
		var id FrameID
		for fid, rr := range a.frames {
			if rr == r {
				id = fid
				break
			}
		}
		if r.WriteBack != nil {
			if err := r.WriteBack(r.Data); err != nil {
				panic(fmt.Sprintf("frame: writeback failed evicting frame %d: %v", id, err))
			}
		}
		if r.OnEvicted != nil {
			r.OnEvicted()
		}
		a.lru.Remove(e)
		delete(a.frames, id)
		return
	}
	panic("frame: arena exhausted, no unpinned frame to evict")
}

/// Data returns the live byte slice backing a resident frame, for
/// callers that need to read (or msync-flush) its current contents
/// without evicting it, such as mmap's explicit Flush. The returned
/// slice aliases the frame's storage; callers must not retain it past
/// the frame's lifetime.
func (a *Arena) Data(id FrameID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.frames[id]
	if !ok {
		return nil, false
	}
	return r.Data, true
}

/// Touch moves id to the front of the LRU list, recording recent use
/// the way Pintos's access-bit refresh does. The fault classifier does
/// not call it; a frame's LRU position otherwise reflects allocation
/// order only.
func (a *Arena) Touch(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.frames[id]; ok {
		a.lru.MoveToFront(r.elem)
	}
}

/// Pin marks id ineligible for eviction, used while a frame is being
/// filled or DMA'd into.
func (a *Arena) Pin(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.frames[id]; ok {
		r.pinned = true
	}
}

/// Unpin clears the pin set by Pin.
func (a *Arena) Unpin(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.frames[id]; ok {
		r.pinned = false
	}
}

/// Free releases id without writeback, used when a page is unmapped
/// outright rather than evicted (e.g. process exit, munmap of a clean
/// page).
func (a *Arena) Free(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.frames[id]; ok {
		a.lru.Remove(r.elem)
		delete(a.frames, id)
	}
}

/// swapEngine manages a bitmap of PageSize-granularity swap slots on
/// swapDisk, grounded on Pintos's swap.c (swap_init divides the swap
/// partition into PGSIZE/DISK_SECTOR_SIZE-sector slots).
type swapEngine struct {
	mu    sync.Mutex
	disk  blockdev.Disk_i
	slots *bitmap.Bitmap
	sectorsPerSlot int
}

func newSwapEngine(disk blockdev.Disk_i) *swapEngine {
	if disk == nil {
		return &swapEngine{}
	}
	sectorsPerSlot := defs.PageSize / blockdev.SectorSize
	n := int(disk.SectorCount()) / sectorsPerSlot
	return &swapEngine{
		disk:           disk,
		slots:          bitmap.New(n),
		sectorsPerSlot: sectorsPerSlot,
	}
}

/// SwapSlot identifies one reserved page-sized region of the swap
/// device.
type SwapSlot int

/// ReserveSlot allocates a free swap slot, returning ok=false if the
/// swap device is exhausted (spec.md §2 "no swap space remains").
func (a *Arena) ReserveSlot() (SwapSlot, bool) {
	if a.swap.slots == nil {
		return 0, false
	}
	i, ok := a.swap.slots.Allocate()
	return SwapSlot(i), ok
}

/// ReleaseSlot frees a previously reserved swap slot.
func (a *Arena) ReleaseSlot(s SwapSlot) {
	a.swap.slots.Release(int(s))
}

/// WriteSlot writes data (exactly PageSize bytes) to swap slot s.
func (a *Arena) WriteSlot(s SwapSlot, data []byte) error {
	if len(data) != defs.PageSize {
		return fmt.Errorf("frame: swap write needs %d bytes, got %d", defs.PageSize, len(data))
	}
	a.swap.mu.Lock()
	defer a.swap.mu.Unlock()
	base := defs.Sector(int(s) * a.swap.sectorsPerSlot)
	for i := 0; i < a.swap.sectorsPerSlot; i++ {
		off := i * blockdev.SectorSize
		if err := a.swap.disk.WriteSector(base+defs.Sector(i), data[off:off+blockdev.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

/// ReadSlot reads PageSize bytes back from swap slot s into data.
func (a *Arena) ReadSlot(s SwapSlot, data []byte) error {
	if len(data) != defs.PageSize {
		return fmt.Errorf("frame: swap read needs %d bytes, got %d", defs.PageSize, len(data))
	}
	a.swap.mu.Lock()
	defer a.swap.mu.Unlock()
	base := defs.Sector(int(s) * a.swap.sectorsPerSlot)
	for i := 0; i < a.swap.sectorsPerSlot; i++ {
		off := i * blockdev.SectorSize
		if err := a.swap.disk.ReadSector(base+defs.Sector(i), data[off:off+blockdev.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}
