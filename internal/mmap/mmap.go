// Package mmap implements the per-task memory-mapped-file registry:
// tracking mapped regions and flushing their dirty pages back to the
// backing file on unmap, grounded on Pintos's mmap_file/do_munmap in
// src/userprog/syscall.c (the mmap table walks each page of a mapping,
// writes back dirty ones via pagedir_is_dirty, then removes the
// vm_entry).
package mmap

import (
	"sync"

	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/frame"
	"github.com/bsuserfs/kernelcore/internal/spt"
)

/// MapID identifies one active mapping within a task, returned to
/// user code the way Pintos's mmap() returns a mapid_t.
type MapID int

/// Region describes one active mapping: the backing file, the byte
/// range it covers, and the page-aligned vaddrs it occupies in the
/// owning task's address space.
type Region struct {
	ID         MapID
	FileSector defs.Sector
	FileOffset int
	Length     int
	Pages      []uintptr // page-aligned vaddrs covered, in order
}

/// WriteFile abstracts the backing write-back so this package never
/// imports internal/fs; implemented by a thin adapter over
/// fs.FS.WriteFile.
type WriteFile func(fileSector defs.Sector, buf []byte, off int) (int, defs.Err_t)

/// Registry tracks a task's active mappings.
type Registry struct {
	mu      sync.Mutex
	spt     *spt.Table
	arena   *frame.Arena
	write   WriteFile
	regions map[MapID]*Region
	next    MapID
}

/// New constructs an empty mmap registry for a task, sharing its SPT
/// and the global frame arena.
func New(table *spt.Table, arena *frame.Arena, write WriteFile) *Registry {
	return &Registry{spt: table, arena: arena, write: write, regions: make(map[MapID]*Region)}
}

/// Register installs a new mapping covering pages, each initialized to
/// an SPT entry of type PageMMAP in the Nowhere location (lazily
/// populated on first fault), matching Pintos's mmap() inserting one
/// vm_entry per page up front without reading the file yet.
func (r *Registry) Register(fileSector defs.Sector, fileOffset, length int, pages []uintptr) (MapID, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++

	inserted := make([]uintptr, 0, len(pages))
	for i, p := range pages {
		off := fileOffset + i*defs.PageSize
		remain := length - i*defs.PageSize
		if remain <= 0 {
			break
		}
		chunk := defs.PageSize
		if remain < chunk {
			chunk = remain
		}
		e := &spt.Entry{
			Vaddr:    p,
			Type:     spt.PageMMAP,
			Location: spt.Nowhere,
			Mmap: &spt.MmapInfo{
				FileSector: fileSector,
				FileOffset: off,
				Length:     chunk,
				Writable:   true,
			},
		}
		if err := r.spt.Insert(e); err != 0 {
			for _, ip := range inserted {
				r.spt.Delete(ip)
			}
			return 0, err
		}
		inserted = append(inserted, p)
	}

	r.regions[id] = &Region{ID: id, FileSector: fileSector, FileOffset: fileOffset, Length: length, Pages: inserted}
	return id, 0
}

/// Flush writes back every dirty resident page in region id without
/// removing the mapping, used by an explicit msync-style call.
func (r *Registry) Flush(id MapID) defs.Err_t {
	r.mu.Lock()
	reg, ok := r.regions[id]
	r.mu.Unlock()
	if !ok {
		return defs.EINVAL
	}
	return r.flushRegion(reg)
}

func (r *Registry) flushRegion(reg *Region) defs.Err_t {
	for _, p := range reg.Pages {
		e, ok := r.spt.Find(p)
		if !ok || e.Location != spt.Memory || !e.Dirty || e.Mmap == nil {
			continue
		}
		data, ok := r.arena.Data(e.Frame)
		if !ok {
			continue
		}
		n, werr := r.write(e.Mmap.FileSector, data[:e.Mmap.Length], e.Mmap.FileOffset)
		if werr != 0 {
			return werr
		}
		if n != e.Mmap.Length {
			return defs.EIO
		}
		e.Dirty = false
	}
	return 0
}

/// Unregister flushes dirty pages, releases each page's frame or swap
/// slot, removes the SPT entries, and drops the mapping, matching
/// Pintos's do_munmap.
func (r *Registry) Unregister(id MapID) defs.Err_t {
	r.mu.Lock()
	reg, ok := r.regions[id]
	if ok {
		delete(r.regions, id)
	}
	r.mu.Unlock()
	if !ok {
		return defs.EINVAL
	}

	if err := r.flushRegion(reg); err != 0 {
		return err
	}
	for _, p := range reg.Pages {
		e, ok := r.spt.Delete(p)
		if !ok {
			continue
		}
		if e.HasFrame {
			r.arena.Free(e.Frame)
		}
		if e.HasSlot {
			r.arena.ReleaseSlot(e.Slot)
		}
	}
	return 0
}
