// Package inode implements the on-disk inode format and in-memory open
// table: 123 direct sector pointers plus one single-indirect and one
// double-indirect pointer, grounded on Pintos's src/filesys/inode.c
// (byte_to_sector, inode_create, free_map_allocate/free_map_release)
// and on biscuit's fs.Inode_t open-count bookkeeping style.
package inode

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/cache"
	"github.com/bsuserfs/kernelcore/internal/defs"
)

const (
	// NDirect is the number of direct sector pointers packed into the
	// disk inode (spec.md §4.4).
	NDirect = 123
	// ptrsPerIndirect is the number of sector numbers that fit in one
	// indirect block (SectorSize / 4 bytes per pointer).
	ptrsPerIndirect = blockdev.SectorSize / 4

	// MaxFileSectors is the largest file size expressible by this
	// layout: 123 direct + 128 single-indirect + 128*128 double-indirect.
	MaxFileSectors = NDirect + ptrsPerIndirect + ptrsPerIndirect*ptrsPerIndirect

	// diskInodeSize is the packed on-disk size: type(4) + size(4) +
	// parent(4) + 123*4 direct + indirect(4) + dindirect(4) = 512,
	// chosen so one disk inode occupies exactly one sector.
	diskInodeSize = 4 + 4 + 4 + NDirect*4 + 4 + 4
)

/// Type_t distinguishes a file inode from a directory inode.
type Type_t uint32

const (
	TypeFile Type_t = 1
	TypeDir  Type_t = 2
)

func init() {
	if diskInodeSize != blockdev.SectorSize {
		panic(fmt.Sprintf("inode: disk inode packs to %d bytes, want %d", diskInodeSize, blockdev.SectorSize))
	}
}

/// Allocator hands out and reclaims data sectors for inode growth.
/// Implemented by fs.FreeMap; defined here so internal/inode never
/// needs to import internal/fs or internal/bitmap directly, avoiding
/// the cycle inode->fs->inode.
type Allocator interface {
	AllocSector() (defs.Sector, bool)
	FreeSector(defs.Sector)
}

/// diskInode is the raw packed layout, exactly one sector wide.
type diskInode struct {
	typ       Type_t
	size      uint32 // file size in bytes
	parent    defs.Sector
	direct    [NDirect]defs.Sector
	indirect  defs.Sector
	dindirect defs.Sector
}

func (d *diskInode) encode() []byte {
	buf := make([]byte, diskInodeSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.typ))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.size)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.parent))
	off += 4
	for i := 0; i < NDirect; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(d.direct[i]))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.indirect))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.dindirect))
	return buf
}

func decodeDiskInode(buf []byte) (*diskInode, error) {
	if len(buf) < diskInodeSize {
		return nil, fmt.Errorf("inode: short buffer %d", len(buf))
	}
	d := &diskInode{}
	off := 0
	d.typ = Type_t(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.size = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.parent = defs.Sector(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < NDirect; i++ {
		d.direct[i] = defs.Sector(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	d.indirect = defs.Sector(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.dindirect = defs.Sector(binary.LittleEndian.Uint32(buf[off:]))
	return d, nil
}

/// Inode is the in-memory handle for one open inode, the analogue of
/// Pintos's struct inode / biscuit's Inode_t. Sector is also the
/// inode's identity (its inumber), matching Pintos's "sector number
/// IS the inode number" design.
type Inode struct {
	mu     sync.Mutex
	sector defs.Sector
	disk   *diskInode
	opens  int
	removed bool
}

/// Sector returns the inode's identity (its backing sector / inumber).
func (ino *Inode) Sector() defs.Sector { return ino.sector }

/// Type reports whether this inode is a file or directory.
func (ino *Inode) Type() Type_t {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.disk.typ
}

/// Size returns the current file size in bytes.
func (ino *Inode) Size() uint32 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.disk.size
}

/// Parent returns the inumber of the containing directory, used to
/// resolve ".." without a parent pointer scan (spec.md §5).
func (ino *Inode) Parent() defs.Sector {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.disk.parent
}

/// SetParent rewrites the parent back-pointer, used when an inode is
/// relinked under a new directory.
func (ino *Inode) SetParent(p defs.Sector) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.disk.parent = p
}

/// Removed reports whether MarkRemoved has been called; the inode's
/// sectors are reclaimed once the open count drops to zero, matching
/// Pintos's deferred-delete-on-last-close semantics.
func (ino *Inode) Removed() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.removed
}

/// MarkRemoved flags the inode for deletion on last close.
func (ino *Inode) MarkRemoved() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.removed = true
}

/// Table is the open-inode table: one in-memory Inode per distinct
/// sector currently open anywhere, refcounted across repeat Opens the
/// way Pintos's inode_open/inode_reopen pair avoids duplicate
/// in-memory copies of the same on-disk inode.
type Table struct {
	mu    sync.Mutex
	cache *cache.Cache
	alloc Allocator
	open  map[defs.Sector]*Inode
}

/// NewTable constructs an inode open table backed by c for sector I/O
/// and alloc for sector allocation during growth.
func NewTable(c *cache.Cache, alloc Allocator) *Table {
	return &Table{cache: c, alloc: alloc, open: make(map[defs.Sector]*Inode)}
}

/// Create allocates a fresh inode of the given type at a new sector
/// and opens it with refcount 1.
func (t *Table) Create(typ Type_t, parent defs.Sector) (*Inode, defs.Err_t) {
	sec, ok := t.alloc.AllocSector()
	if !ok {
		return nil, defs.ENOSPC
	}
	d := &diskInode{typ: typ, parent: parent}
	ino := &Inode{sector: sec, disk: d, opens: 1}

	if err := t.writeDiskInode(ino); err != nil {
		t.alloc.FreeSector(sec)
		return nil, defs.EIO
	}

	t.mu.Lock()
	t.open[sec] = ino
	t.mu.Unlock()
	return ino, 0
}

/// CreateAt writes a fresh inode of the given type directly to sector,
/// bypassing the allocator. Used only for the handful of sectors whose
/// position is fixed by the on-disk layout itself (the root directory),
/// matching Pintos's ROOT_DIR_SECTOR convention. Callers are
/// responsible for ensuring sector is not also reachable through the
/// allocator's free-map.
func (t *Table) CreateAt(sector defs.Sector, typ Type_t, parent defs.Sector) (*Inode, defs.Err_t) {
	d := &diskInode{typ: typ, parent: parent}
	ino := &Inode{sector: sector, disk: d, opens: 1}
	if err := t.writeDiskInode(ino); err != nil {
		return nil, defs.EIO
	}
	t.mu.Lock()
	t.open[sector] = ino
	t.mu.Unlock()
	return ino, 0
}

/// Open returns the in-memory handle for sector, reading it from disk
/// on first open and incrementing the refcount on subsequent opens
/// (Pintos's inode_reopen), rather than allocating a second copy.
func (t *Table) Open(sector defs.Sector) (*Inode, defs.Err_t) {
	t.mu.Lock()
	if ino, ok := t.open[sector]; ok {
		ino.mu.Lock()
		ino.opens++
		ino.mu.Unlock()
		t.mu.Unlock()
		return ino, 0
	}
	t.mu.Unlock()

	h, err := t.cache.Get(sector)
	if err != nil {
		return nil, defs.EIO
	}
	d, derr := decodeDiskInode(h.Data)
	t.cache.Put(h, false)
	if derr != nil {
		return nil, defs.EIO
	}
	ino := &Inode{sector: sector, disk: d, opens: 1}

	t.mu.Lock()
	if existing, ok := t.open[sector]; ok {
		existing.mu.Lock()
		existing.opens++
		existing.mu.Unlock()
		t.mu.Unlock()
		return existing, 0
	}
	t.open[sector] = ino
	t.mu.Unlock()
	return ino, 0
}

/// Close decrements the open refcount. When it reaches zero, the
/// inode's sectors are reclaimed if MarkRemoved was called, matching
/// Pintos's inode_close free-on-last-close behavior.
func (t *Table) Close(ino *Inode) defs.Err_t {
	ino.mu.Lock()
	ino.opens--
	last := ino.opens == 0
	remove := last && ino.removed
	var sectors []defs.Sector
	if remove {
		sectors = t.collectAllSectors(ino)
	}
	sec := ino.sector
	ino.mu.Unlock()

	if !last {
		return 0
	}

	t.mu.Lock()
	delete(t.open, sec)
	t.mu.Unlock()

	if !remove {
		return 0
	}
	for _, s := range sectors {
		t.alloc.FreeSector(s)
	}
	t.alloc.FreeSector(sec)
	return 0
}

/// collectAllSectors gathers every sector owned by ino: direct data
/// sectors, the indirect/double-indirect index blocks themselves, and
/// every data sector they reference, so Close can reclaim the whole
/// tree rather than leaking everything past the direct pointers.
/// Caller must hold ino.mu.
func (t *Table) collectAllSectors(ino *Inode) []defs.Sector {
	var out []defs.Sector
	for _, s := range ino.disk.direct {
		if s != 0 {
			out = append(out, s)
		}
	}
	if ino.disk.indirect != 0 {
		out = append(out, ino.disk.indirect)
		if ptrs, err := t.indirectBlock(ino.disk.indirect); err == nil {
			for _, s := range ptrs {
				if s != 0 {
					out = append(out, s)
				}
			}
		}
	}
	if ino.disk.dindirect != 0 {
		out = append(out, ino.disk.dindirect)
		if outerPtrs, err := t.indirectBlock(ino.disk.dindirect); err == nil {
			for _, outer := range outerPtrs {
				if outer == 0 {
					continue
				}
				out = append(out, outer)
				if innerPtrs, err := t.indirectBlock(outer); err == nil {
					for _, s := range innerPtrs {
						if s != 0 {
							out = append(out, s)
						}
					}
				}
			}
		}
	}
	return out
}

func (t *Table) writeDiskInode(ino *Inode) error {
	h, err := t.cache.Get(ino.sector)
	if err != nil {
		return err
	}
	copy(h.Data, ino.disk.encode())
	t.cache.Put(h, true)
	return nil
}

/// indirectBlock reads the 128 sector pointers held in block sector.
func (t *Table) indirectBlock(sector defs.Sector) ([]defs.Sector, error) {
	h, err := t.cache.Get(sector)
	if err != nil {
		return nil, err
	}
	out := make([]defs.Sector, ptrsPerIndirect)
	for i := range out {
		out[i] = defs.Sector(binary.LittleEndian.Uint32(h.Data[i*4:]))
	}
	t.cache.Put(h, false)
	return out, nil
}

func (t *Table) writeIndirectBlock(sector defs.Sector, ptrs []defs.Sector) error {
	h, err := t.cache.Get(sector)
	if err != nil {
		return err
	}
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(h.Data[i*4:], uint32(p))
	}
	t.cache.Put(h, true)
	return nil
}

/// sectorFor resolves the physical sector backing the n-th logical
/// sector of ino, allocating new sectors (direct/indirect/double-
/// indirect index blocks included) as needed when grow is true. All
/// sectors allocated during a single call are tracked in `allocated`
/// so a caller can roll them all back on a later failure within the
/// same logical write, matching spec.md §6's strict per-stage-rollback
/// requirement.
func (t *Table) sectorFor(ino *Inode, n int, grow bool, allocated *[]defs.Sector) (defs.Sector, defs.Err_t) {
	if n < NDirect {
		if ino.disk.direct[n] == 0 {
			if !grow {
				return 0, defs.EINVAL
			}
			s, ok := t.alloc.AllocSector()
			if !ok {
				return 0, defs.ENOSPC
			}
			ino.disk.direct[n] = s
			*allocated = append(*allocated, s)
		}
		return ino.disk.direct[n], 0
	}
	n -= NDirect

	if n < ptrsPerIndirect {
		if ino.disk.indirect == 0 {
			if !grow {
				return 0, defs.EINVAL
			}
			s, ok := t.alloc.AllocSector()
			if !ok {
				return 0, defs.ENOSPC
			}
			if err := t.writeIndirectBlock(s, make([]defs.Sector, ptrsPerIndirect)); err != nil {
				t.alloc.FreeSector(s)
				return 0, defs.EIO
			}
			ino.disk.indirect = s
			*allocated = append(*allocated, s)
		}
		ptrs, err := t.indirectBlock(ino.disk.indirect)
		if err != nil {
			return 0, defs.EIO
		}
		if ptrs[n] == 0 {
			if !grow {
				return 0, defs.EINVAL
			}
			s, ok := t.alloc.AllocSector()
			if !ok {
				return 0, defs.ENOSPC
			}
			ptrs[n] = s
			*allocated = append(*allocated, s)
			if err := t.writeIndirectBlock(ino.disk.indirect, ptrs); err != nil {
				return 0, defs.EIO
			}
		}
		return ptrs[n], 0
	}
	n -= ptrsPerIndirect

	outer := n / ptrsPerIndirect
	inner := n % ptrsPerIndirect
	if outer >= ptrsPerIndirect {
		return 0, defs.EINVAL
	}

	if ino.disk.dindirect == 0 {
		if !grow {
			return 0, defs.EINVAL
		}
		s, ok := t.alloc.AllocSector()
		if !ok {
			return 0, defs.ENOSPC
		}
		if err := t.writeIndirectBlock(s, make([]defs.Sector, ptrsPerIndirect)); err != nil {
			t.alloc.FreeSector(s)
			return 0, defs.EIO
		}
		ino.disk.dindirect = s
		*allocated = append(*allocated, s)
	}
	outerPtrs, err := t.indirectBlock(ino.disk.dindirect)
	if err != nil {
		return 0, defs.EIO
	}
	if outerPtrs[outer] == 0 {
		if !grow {
			return 0, defs.EINVAL
		}
		s, ok := t.alloc.AllocSector()
		if !ok {
			return 0, defs.ENOSPC
		}
		if err := t.writeIndirectBlock(s, make([]defs.Sector, ptrsPerIndirect)); err != nil {
			t.alloc.FreeSector(s)
			return 0, defs.EIO
		}
		outerPtrs[outer] = s
		*allocated = append(*allocated, s)
		if err := t.writeIndirectBlock(ino.disk.dindirect, outerPtrs); err != nil {
			return 0, defs.EIO
		}
	}
	innerPtrs, err := t.indirectBlock(outerPtrs[outer])
	if err != nil {
		return 0, defs.EIO
	}
	if innerPtrs[inner] == 0 {
		if !grow {
			return 0, defs.EINVAL
		}
		s, ok := t.alloc.AllocSector()
		if !ok {
			return 0, defs.ENOSPC
		}
		innerPtrs[inner] = s
		*allocated = append(*allocated, s)
		if err := t.writeIndirectBlock(outerPtrs[outer], innerPtrs); err != nil {
			return 0, defs.EIO
		}
	}
	return innerPtrs[inner], 0
}

/// ReadAt reads len(buf) bytes starting at byte offset off, short-
/// reading at EOF the way Pintos's inode_read_at does.
func (t *Table) ReadAt(ino *Inode, buf []byte, off int) (int, defs.Err_t) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	if off >= int(ino.disk.size) {
		return 0, 0
	}
	end := off + len(buf)
	if end > int(ino.disk.size) {
		end = int(ino.disk.size)
	}
	n := 0
	for off+n < end {
		logical := (off + n) / blockdev.SectorSize
		within := (off + n) % blockdev.SectorSize
		var allocated []defs.Sector
		sec, err := t.sectorFor(ino, logical, false, &allocated)
		if err != 0 {
			return n, err
		}
		h, herr := t.cache.Get(sec)
		if herr != nil {
			return n, defs.EIO
		}
		chunk := blockdev.SectorSize - within
		if remain := end - (off + n); chunk > remain {
			chunk = remain
		}
		copy(buf[n:n+chunk], h.Data[within:within+chunk])
		t.cache.Put(h, false)
		n += chunk
	}
	return n, 0
}

/// WriteAt writes len(buf) bytes at byte offset off, growing the
/// inode (allocating new sectors and index blocks) as needed. On any
/// mid-grow allocation failure, every sector allocated during this
/// single call is released before returning, matching spec.md §6's
/// requirement that a failed growth leave no orphaned sectors. A
/// write starting past the current EOF first zero-fills the hole
/// sector by sector, matching Pintos's inode_write_at walking
/// old_sectors..new_sectors and zeroing each newly allocated sector
/// ahead of the real write, so a later read of the hole sees zeros
/// rather than EINVAL or stale reused-sector bytes.
func (t *Table) WriteAt(ino *Inode, buf []byte, off int) (int, defs.Err_t) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	end := off + len(buf)
	if end/blockdev.SectorSize+1 > MaxFileSectors {
		return 0, defs.ENOSPC
	}

	var allocated []defs.Sector
	oldSize := int(ino.disk.size)
	for pos := oldSize; pos < off; {
		logical := pos / blockdev.SectorSize
		within := pos % blockdev.SectorSize
		sec, err := t.sectorFor(ino, logical, true, &allocated)
		if err != 0 {
			for _, s := range allocated {
				t.alloc.FreeSector(s)
			}
			return 0, err
		}
		h, herr := t.cache.Get(sec)
		if herr != nil {
			for _, s := range allocated {
				t.alloc.FreeSector(s)
			}
			return 0, defs.EIO
		}
		chunk := blockdev.SectorSize - within
		if remain := off - pos; chunk > remain {
			chunk = remain
		}
		for i := 0; i < chunk; i++ {
			h.Data[within+i] = 0
		}
		t.cache.Put(h, true)
		pos += chunk
	}

	n := 0
	for off+n < end {
		logical := (off + n) / blockdev.SectorSize
		within := (off + n) % blockdev.SectorSize
		sec, err := t.sectorFor(ino, logical, true, &allocated)
		if err != 0 {
			for _, s := range allocated {
				t.alloc.FreeSector(s)
			}
			return 0, err
		}
		h, herr := t.cache.Get(sec)
		if herr != nil {
			for _, s := range allocated {
				t.alloc.FreeSector(s)
			}
			return 0, defs.EIO
		}
		chunk := blockdev.SectorSize - within
		if remain := end - (off + n); chunk > remain {
			chunk = remain
		}
		copy(h.Data[within:within+chunk], buf[n:n+chunk])
		t.cache.Put(h, true)
		n += chunk
	}

	if uint32(end) > ino.disk.size {
		ino.disk.size = uint32(end)
	}
	if err := t.writeDiskInode(ino); err != nil {
		for _, s := range allocated {
			t.alloc.FreeSector(s)
		}
		return 0, defs.EIO
	}
	return n, 0
}
