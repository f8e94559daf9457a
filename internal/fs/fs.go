// Package fs is the filesystem facade: boot/format, path-based
// operations, and the free-sector map, grounded on Pintos's
// src/filesys/filesys.c (filesys_init/filesys_done/do_format) and
// biscuit's fs.Fs_t top-level mount handle.
package fs

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/cache"
	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/directory"
	"github.com/bsuserfs/kernelcore/internal/inode"
)

const (
	superblockSector = 0
	magic            = 0xB15C01D

	// RootDirSector is fixed so a freshly formatted disk's root is
	// always locatable without consulting the superblock, matching
	// Pintos's ROOT_DIR_SECTOR convention.
	RootDirSector defs.Sector = 1
)

/// superblock is the packed boot sector: magic, total sector count,
/// free-map region bounds, and the data region start, matching
/// Pintos's layout of fixed well-known sectors (free-map inode sector,
/// root dir sector) generalized to this design's flat bitmap.
type superblock struct {
	magic          uint32
	totalSectors   uint32
	freemapStart   uint32
	freemapSectors uint32
	dataStart      uint32
}

func (s *superblock) encode() []byte {
	buf := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:], s.magic)
	binary.LittleEndian.PutUint32(buf[4:], s.totalSectors)
	binary.LittleEndian.PutUint32(buf[8:], s.freemapStart)
	binary.LittleEndian.PutUint32(buf[12:], s.freemapSectors)
	binary.LittleEndian.PutUint32(buf[16:], s.dataStart)
	return buf
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	s := &superblock{
		magic:          binary.LittleEndian.Uint32(buf[0:]),
		totalSectors:   binary.LittleEndian.Uint32(buf[4:]),
		freemapStart:   binary.LittleEndian.Uint32(buf[8:]),
		freemapSectors: binary.LittleEndian.Uint32(buf[12:]),
		dataStart:      binary.LittleEndian.Uint32(buf[16:]),
	}
	if s.magic != magic {
		return nil, fmt.Errorf("fs: bad superblock magic %#x", s.magic)
	}
	return s, nil
}

/// FreeMap is the persistent free-sector bitmap over the data region,
/// implementing inode.Allocator so internal/inode never imports this
/// package. Bit i corresponds to absolute sector dataStart+i.
type FreeMap struct {
	fs *FS
}

func (f *FreeMap) AllocSector() (defs.Sector, bool) {
	i, ok := f.fs.bits.Allocate()
	if !ok {
		return 0, false
	}
	return defs.Sector(uint32(i) + f.fs.sb.dataStart), true
}

func (f *FreeMap) FreeSector(s defs.Sector) {
	i := int(s) - int(f.fs.sb.dataStart)
	f.fs.bits.Release(i)
}

/// FS is the mounted filesystem facade: the single entry point for
/// path-based operations, analogous to biscuit's Fs_t and Pintos's
/// global `struct block *fs_device` plus free_map/root-dir globals.
type FS struct {
	ID      uuid.UUID
	disk    blockdev.Disk_i
	cache   *cache.Cache
	table   *inode.Table
	freemap *FreeMap
	sb      *superblock
	bits    *bitmapHolder
}

// bitmapHolder is a tiny indirection so FreeMap can reach the live
// bitmap without importing internal/bitmap itself at the type level
// (FS composes it directly; kept as a named field for clarity).
type bitmapHolder = bitmapT

/// Cwd is a per-task current-working-directory handle, the minimal
/// analogue of a process's cwd field in Pintos's struct thread.
type Cwd struct {
	Sector defs.Sector
}

/// Format lays out a fresh filesystem on disk: superblock, free-map
/// region, and an empty root directory, mirroring Pintos's do_format
/// (free_map_create, free_map_file_size bootstrap accounting, dir_create
/// of the root at ROOT_DIR_SECTOR, free_map_close).
func Format(disk blockdev.Disk_i) (*FS, error) {
	total := disk.SectorCount()
	freemapSectors := defs.Sector((uint32(total)/8 + blockdev.SectorSize - 1) / blockdev.SectorSize)
	if freemapSectors == 0 {
		freemapSectors = 1
	}
	dataStart := 2 + freemapSectors // superblock + root dir + freemap region

	sb := &superblock{
		magic:          magic,
		totalSectors:   uint32(total),
		freemapStart:   2,
		freemapSectors: uint32(freemapSectors),
		dataStart:      uint32(dataStart),
	}

	bits := newBitmapHolder(int(uint32(total) - uint32(dataStart)))

	c := cache.New(disk, cache.Capacity)

	fsys := &FS{disk: disk, cache: c, sb: sb, bits: bits, ID: uuid.New()}
	fsys.freemap = &FreeMap{fs: fsys}
	fsys.table = inode.NewTable(c, fsys.freemap)

	// superblock
	if err := writeRaw(c, superblockSector, sb.encode()); err != nil {
		return nil, err
	}
	// freemap region, all-zero (nothing allocated yet)
	zero := make([]byte, blockdev.SectorSize)
	for i := defs.Sector(0); i < freemapSectors; i++ {
		if err := writeRaw(c, sb.freemapStart+uint32(i), zero); err != nil {
			return nil, err
		}
	}
	if err := fsys.createRootDir(); err != nil {
		return nil, err
	}
	if err := fsys.persistFreemap(); err != nil {
		return nil, err
	}
	if err := c.Pdflush(); err != nil {
		return nil, err
	}
	log.Printf("fs: formatted %d sectors (id=%s)\n", total, fsys.ID)
	return fsys, nil
}

func writeRaw(c *cache.Cache, sector defs.Sector, data []byte) error {
	h, err := c.Get(sector)
	if err != nil {
		return err
	}
	copy(h.Data, data)
	c.Put(h, true)
	return nil
}

func (fsys *FS) createRootDir() error {
	// RootDirSector (1) lies before dataStart, outside the general
	// allocator's pool entirely; the root inode is written directly
	// to that fixed sector rather than drawn from the free-map, the
	// way Pintos hardcodes ROOT_DIR_SECTOR ahead of free_map_create.
	ino, err := fsys.table.CreateAt(RootDirSector, inode.TypeDir, RootDirSector)
	if err != 0 {
		return fmt.Errorf("fs: create root dir: err %d", err)
	}
	// "." and ".." are never materialized as entries here: the facade
	// resolves them directly against cwd/the parent back-pointer (see
	// walk/step/parentOf below), matching spec.md §4.6/§6's mandate
	// that the walker never sees them via dir_lookup.
	return fsys.table.Close(ino)
}

func (fsys *FS) persistFreemap() error {
	raw := fsys.bits.Bytes()
	for i := uint32(0); i < fsys.sb.freemapSectors; i++ {
		start := i * blockdev.SectorSize
		end := start + blockdev.SectorSize
		if int(end) > len(raw) {
			end = uint32(len(raw))
		}
		buf := make([]byte, blockdev.SectorSize)
		if start < uint32(len(raw)) {
			copy(buf, raw[start:end])
		}
		if err := writeRaw(fsys.cache, defs.Sector(fsys.sb.freemapStart+i), buf); err != nil {
			return err
		}
	}
	return nil
}

/// StartFS mounts an already-formatted disk, reading back the
/// superblock and free-map, matching Pintos's filesys_init(false).
func StartFS(disk blockdev.Disk_i) (*FS, error) {
	c := cache.New(disk, cache.Capacity)
	h, err := c.Get(superblockSector)
	if err != nil {
		return nil, err
	}
	sb, derr := decodeSuperblock(h.Data)
	c.Put(h, false)
	if derr != nil {
		return nil, derr
	}

	raw := make([]byte, 0, sb.freemapSectors*blockdev.SectorSize)
	for i := uint32(0); i < sb.freemapSectors; i++ {
		hh, err := c.Get(defs.Sector(sb.freemapStart + i))
		if err != nil {
			return nil, err
		}
		raw = append(raw, hh.Data...)
		c.Put(hh, false)
	}
	nSectors := int(sb.totalSectors - sb.dataStart)
	bits, err := loadBitmapHolder(nSectors, raw)
	if err != nil {
		return nil, err
	}

	fsys := &FS{disk: disk, cache: c, sb: sb, bits: bits, ID: uuid.New()}
	fsys.freemap = &FreeMap{fs: fsys}
	fsys.table = inode.NewTable(c, fsys.freemap)
	log.Printf("fs: mounted %d sectors (id=%s)\n", sb.totalSectors, fsys.ID)
	return fsys, nil
}

/// Shutdown flushes all dirty buffers and the free-map back to disk,
/// matching Pintos's filesys_done (free_map_close).
func (fsys *FS) Shutdown() error {
	if err := fsys.persistFreemap(); err != nil {
		return err
	}
	if err := fsys.cache.Pdflush(); err != nil {
		return err
	}
	log.Printf("fs: shutdown (id=%s)\n", fsys.ID)
	return nil
}

// --- directory access helpers, used by walk/step below and directly
// by Mkdir/Remove/Readdir ---

/// OpenDir opens the directory inode at sector for entry scanning.
func (fsys *FS) OpenDir(sector defs.Sector) (*directory.Dir, defs.Err_t) {
	ino, err := fsys.table.Open(sector)
	if err != 0 {
		return nil, err
	}
	d, derr := directory.Open(fsys.table, ino)
	if derr != 0 {
		fsys.table.Close(ino)
		return nil, derr
	}
	return d, 0
}

/// CloseDir releases a directory opened by OpenDir.
func (fsys *FS) CloseDir(d *directory.Dir) {
	fsys.table.Close(d.Inode())
}

func (fsys *FS) typeOf(sector defs.Sector) (inode.Type_t, defs.Err_t) {
	ino, err := fsys.table.Open(sector)
	if err != 0 {
		return 0, err
	}
	t := ino.Type()
	fsys.table.Close(ino)
	return t, 0
}

/// parentOf returns the sector of the directory containing sector,
/// read from the inode's own parent back-pointer rather than a ".."
/// directory entry, matching Pintos's dir_get_parent_inode. The root
/// is its own parent.
func (fsys *FS) parentOf(sector defs.Sector) (defs.Sector, defs.Err_t) {
	if sector == RootDirSector {
		return RootDirSector, 0
	}
	ino, err := fsys.table.Open(sector)
	if err != 0 {
		return 0, err
	}
	p := ino.Parent()
	fsys.table.Close(ino)
	return p, 0
}

/// step resolves one path component against the directory at cur: "."
/// and ".." are answered directly from cwd/the parent back-pointer, an
/// ordinary name is looked up via the directory's entries, matching
/// spec.md §4.6/§6's mandate that the generic walker never sees the
/// two dot components.
func (fsys *FS) step(cur defs.Sector, comp string) (defs.Sector, defs.Err_t) {
	switch comp {
	case ".":
		return cur, 0
	case "..":
		return fsys.parentOf(cur)
	}
	d, err := fsys.OpenDir(cur)
	if err != 0 {
		return 0, err
	}
	e, found, lerr := d.Lookup(comp)
	fsys.CloseDir(d)
	if lerr != 0 {
		return 0, lerr
	}
	if !found {
		return 0, defs.ENOENT
	}
	return e.Sector, 0
}

/// walk resolves path starting from cwd (or root, for an absolute
/// path), returning one of the six cases Pintos's filesys_open/
/// filesys_create distinguish: root, found-as-file, found-as-dir,
/// missing-leaf (valid create target), missing-mid-component, and a
/// non-directory used as a directory. Every "." / ".." / "/" component,
/// at any position, resolves through step/parentOf above rather than
/// through a directory entry lookup.
func (fsys *FS) walk(cwd *Cwd, path string) (directory.WalkResult, defs.Err_t) {
	start := RootDirSector
	if len(path) == 0 || path[0] != '/' {
		start = cwd.Sector
	}

	parts := directory.SplitPath(path)
	if len(parts) == 0 {
		return directory.WalkResult{Case: directory.CaseRoot, Parent: start, Target: start, Found: true}, 0
	}

	cur := start
	for i := 0; i < len(parts)-1; i++ {
		next, serr := fsys.step(cur, parts[i])
		if serr != 0 {
			if serr == defs.ENOENT {
				return directory.WalkResult{Case: directory.CaseMissingMid}, defs.ENOENT
			}
			return directory.WalkResult{}, serr
		}
		t, terr := fsys.typeOf(next)
		if terr != 0 {
			return directory.WalkResult{}, terr
		}
		if t != inode.TypeDir {
			return directory.WalkResult{Case: directory.CaseNotDir}, defs.ENOTDIR
		}
		cur = next
	}

	leaf := parts[len(parts)-1]
	if leaf == "." || leaf == ".." {
		target, serr := fsys.step(cur, leaf)
		if serr != 0 {
			return directory.WalkResult{}, serr
		}
		return directory.WalkResult{Case: directory.CaseFoundDir, Parent: cur, Leaf: leaf, Target: target, Found: true}, 0
	}

	d, err := fsys.OpenDir(cur)
	if err != 0 {
		return directory.WalkResult{}, err
	}
	e, found, lerr := d.Lookup(leaf)
	fsys.CloseDir(d)
	if lerr != 0 {
		return directory.WalkResult{}, lerr
	}
	if !found {
		return directory.WalkResult{Case: directory.CaseMissingLeaf, Parent: cur, Leaf: leaf, Found: false}, 0
	}
	t, terr := fsys.typeOf(e.Sector)
	if terr != 0 {
		return directory.WalkResult{}, terr
	}
	if t == inode.TypeDir {
		return directory.WalkResult{Case: directory.CaseFoundDir, Parent: cur, Leaf: leaf, Target: e.Sector, Found: true}, 0
	}
	return directory.WalkResult{Case: directory.CaseFoundFile, Parent: cur, Leaf: leaf, Target: e.Sector, Found: true}, 0
}

/// Create makes a new regular file at path, failing with EEXIST if it
/// already exists or ENOENT/ENOTDIR if the parent path is invalid.
func (fsys *FS) Create(cwd *Cwd, path string) (defs.Sector, defs.Err_t) {
	wr, err := fsys.walk(cwd, path)
	if err != 0 {
		return 0, err
	}
	switch wr.Case {
	case directory.CaseFoundFile, directory.CaseFoundDir:
		return 0, defs.EEXIST
	case directory.CaseMissingLeaf:
		ino, cerr := fsys.table.Create(inode.TypeFile, wr.Parent)
		if cerr != 0 {
			return 0, cerr
		}
		d, derr := fsys.OpenDir(wr.Parent)
		if derr != 0 {
			fsys.table.Close(ino)
			return 0, derr
		}
		aerr := d.Add(wr.Leaf, ino.Sector())
		fsys.CloseDir(d)
		sec := ino.Sector()
		fsys.table.Close(ino)
		if aerr != 0 {
			return 0, aerr
		}
		return sec, 0
	default:
		return 0, defs.ENOENT
	}
}

/// Mkdir makes a new directory at path, recording the parent
/// back-pointer ("..": resolved later via parentOf, never a literal
/// entry) and linking it into its parent.
func (fsys *FS) Mkdir(cwd *Cwd, path string) (defs.Sector, defs.Err_t) {
	wr, err := fsys.walk(cwd, path)
	if err != 0 {
		return 0, err
	}
	if wr.Case != directory.CaseMissingLeaf {
		if wr.Found {
			return 0, defs.EEXIST
		}
		return 0, defs.ENOENT
	}
	// The new directory's parent back-pointer (set by table.Create
	// below) is the sole record of "..": no "." or ".." entry is
	// written, matching createRootDir.
	ino, cerr := fsys.table.Create(inode.TypeDir, wr.Parent)
	if cerr != 0 {
		return 0, cerr
	}

	pd, perr := fsys.OpenDir(wr.Parent)
	if perr != 0 {
		fsys.table.Close(ino)
		return 0, perr
	}
	aerr := pd.Add(wr.Leaf, ino.Sector())
	fsys.CloseDir(pd)
	sec := ino.Sector()
	fsys.table.Close(ino)
	if aerr != 0 {
		return 0, aerr
	}
	return sec, 0
}

/// Open resolves path to an inode sector, failing with ENOENT if any
/// component is missing.
func (fsys *FS) Open(cwd *Cwd, path string) (defs.Sector, defs.Err_t) {
	wr, err := fsys.walk(cwd, path)
	if err != 0 {
		return 0, err
	}
	if !wr.Found {
		return 0, defs.ENOENT
	}
	return wr.Target, 0
}

/// Remove unlinks path: a file is removed unconditionally, a
/// directory only if empty (ENOTEMPTY otherwise), matching spec.md
/// §5's rmdir rule.
func (fsys *FS) Remove(cwd *Cwd, path string) defs.Err_t {
	wr, err := fsys.walk(cwd, path)
	if err != 0 {
		return err
	}
	if !wr.Found {
		return defs.ENOENT
	}
	if wr.Case == directory.CaseRoot || wr.Leaf == "." || wr.Leaf == ".." {
		// Genuine Pintos silently rejects removing "." and "..": they
		// have no entry of their own to unlink, only the parent
		// back-pointer step/parentOf resolved them through.
		return defs.EINVAL
	}
	if wr.Case == directory.CaseFoundDir {
		d, derr := fsys.OpenDir(wr.Target)
		if derr != 0 {
			return derr
		}
		empty, eerr := d.IsEmpty()
		fsys.CloseDir(d)
		if eerr != 0 {
			return eerr
		}
		if !empty {
			return defs.ENOTEMPTY
		}
	}
	pd, perr := fsys.OpenDir(wr.Parent)
	if perr != 0 {
		return perr
	}
	rerr := pd.Remove(wr.Leaf)
	fsys.CloseDir(pd)
	if rerr != 0 {
		return rerr
	}
	ino, oerr := fsys.table.Open(wr.Target)
	if oerr != 0 {
		return oerr
	}
	ino.MarkRemoved()
	return fsys.table.Close(ino)
}

/// Chdir updates cwd to path's resolved directory.
func (fsys *FS) Chdir(cwd *Cwd, path string) defs.Err_t {
	wr, err := fsys.walk(cwd, path)
	if err != 0 {
		return err
	}
	if !wr.Found || (wr.Case != directory.CaseFoundDir && wr.Case != directory.CaseRoot) {
		return defs.ENOTDIR
	}
	cwd.Sector = wr.Target
	return 0
}

/// Isdir reports whether the inode at sector is a directory.
func (fsys *FS) Isdir(sector defs.Sector) (bool, defs.Err_t) {
	t, err := fsys.typeOf(sector)
	if err != 0 {
		return false, err
	}
	return t == inode.TypeDir, 0
}

/// Inumber returns the numeric inode identity for sector, which in
/// this layout is the sector number itself.
func (fsys *FS) Inumber(sector defs.Sector) uint32 { return uint32(sector) }

/// ReadFile reads len(buf) bytes from the file at sector starting at
/// off.
func (fsys *FS) ReadFile(sector defs.Sector, buf []byte, off int) (int, defs.Err_t) {
	ino, err := fsys.table.Open(sector)
	if err != 0 {
		return 0, err
	}
	n, rerr := fsys.table.ReadAt(ino, buf, off)
	fsys.table.Close(ino)
	return n, rerr
}

/// WriteFile writes buf to the file at sector starting at off,
/// growing it as needed.
func (fsys *FS) WriteFile(sector defs.Sector, buf []byte, off int) (int, defs.Err_t) {
	ino, err := fsys.table.Open(sector)
	if err != 0 {
		return 0, err
	}
	n, werr := fsys.table.WriteAt(ino, buf, off)
	fsys.table.Close(ino)
	return n, werr
}

/// Readdir returns the next entry in the directory at sector past
/// cursor's position.
func (fsys *FS) Readdir(sector defs.Sector, cur *directory.Cursor) (directory.Entry, bool, defs.Err_t) {
	d, err := fsys.OpenDir(sector)
	if err != 0 {
		return directory.Entry{}, false, err
	}
	defer fsys.CloseDir(d)
	return d.Readdir(cur)
}
