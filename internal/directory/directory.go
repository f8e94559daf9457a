// Package directory implements fixed-size directory entries: lookup,
// add, remove, and a cursor-based readdir, grounded on Pintos's
// src/filesys/directory.c (struct dir_entry, dir_lookup) and on
// biscuit's ustr.Ustr_t fixed-length name handling. The six-case path
// walker lives in internal/fs, not here, because "." and ".." must be
// resolved against cwd/a parent back-pointer rather than as entries
// this package would otherwise look up generically.
package directory

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/inode"
)

// entrySize is the packed on-disk directory entry size: 1 byte in-use
// flag + 3 reserved + 20-byte zero-padded name + 4-byte sector + 4
// reserved, chosen so SectorSize (512) divides evenly into 16 entries
// per sector.
const entrySize = 32
const nameField = 20

/// Entry is one decoded directory entry.
type Entry struct {
	InUse  bool
	Name   string
	Sector defs.Sector
}

func (e *Entry) encode() []byte {
	buf := make([]byte, entrySize)
	if e.InUse {
		buf[0] = 1
	}
	copy(buf[4:4+nameField], []byte(e.Name))
	binary.LittleEndian.PutUint32(buf[24:], uint32(e.Sector))
	return buf
}

func decodeEntry(buf []byte) Entry {
	var e Entry
	e.InUse = buf[0] != 0
	nameBytes := bytes.TrimRight(buf[4:4+nameField], "\x00")
	e.Name = string(nameBytes)
	e.Sector = defs.Sector(binary.LittleEndian.Uint32(buf[24:]))
	return e
}

/// Dir wraps an open directory inode with entry-level operations.
/// Directory content is a flat sequence of fixed-size entries, scanned
/// linearly (spec.md §5 "Invariants": directories use a linear scan,
/// no hashing), matching Pintos's dir_lookup linear walk.
type Dir struct {
	table *inode.Table
	ino   *inode.Inode
}

/// Open wraps an already-open directory inode for entry operations.
func Open(table *inode.Table, ino *inode.Inode) (*Dir, defs.Err_t) {
	if ino.Type() != inode.TypeDir {
		return nil, defs.ENOTDIR
	}
	return &Dir{table: table, ino: ino}, 0
}

/// Inode returns the directory's underlying inode handle, so a caller
/// that opened it (e.g. the fs facade) can close it in turn.
func (d *Dir) Inode() *inode.Inode { return d.ino }

/// Lookup scans d for name and returns its entry if present.
func (d *Dir) Lookup(name string) (Entry, bool, defs.Err_t) {
	if len(name) > defs.NameMax {
		return Entry{}, false, defs.ENAMETOOLONG
	}
	n := int(d.ino.Size()) / entrySize
	buf := make([]byte, entrySize)
	for i := 0; i < n; i++ {
		if _, err := d.table.ReadAt(d.ino, buf, i*entrySize); err != 0 {
			return Entry{}, false, err
		}
		e := decodeEntry(buf)
		if e.InUse && e.Name == name {
			return e, true, 0
		}
	}
	return Entry{}, false, 0
}

/// Add inserts a new (name, sector) entry, reusing the first free slot
/// if one exists (Pintos's dir_add behavior) or appending otherwise.
/// Returns EEXIST if name is already present.
func (d *Dir) Add(name string, sector defs.Sector) defs.Err_t {
	if len(name) == 0 || len(name) > defs.NameMax {
		return defs.ENAMETOOLONG
	}
	if _, found, err := d.Lookup(name); err != 0 {
		return err
	} else if found {
		return defs.EEXIST
	}

	n := int(d.ino.Size()) / entrySize
	buf := make([]byte, entrySize)
	for i := 0; i < n; i++ {
		if _, err := d.table.ReadAt(d.ino, buf, i*entrySize); err != 0 {
			return err
		}
		e := decodeEntry(buf)
		if !e.InUse {
			ne := Entry{InUse: true, Name: name, Sector: sector}
			if _, err := d.table.WriteAt(d.ino, ne.encode(), i*entrySize); err != 0 {
				return err
			}
			return 0
		}
	}

	ne := Entry{InUse: true, Name: name, Sector: sector}
	if _, err := d.table.WriteAt(d.ino, ne.encode(), n*entrySize); err != 0 {
		return err
	}
	return 0
}

/// Remove clears the entry for name, leaving a free slot behind
/// (space reuse happens lazily in Add, matching Pintos's dir_remove).
func (d *Dir) Remove(name string) defs.Err_t {
	n := int(d.ino.Size()) / entrySize
	buf := make([]byte, entrySize)
	for i := 0; i < n; i++ {
		if _, err := d.table.ReadAt(d.ino, buf, i*entrySize); err != 0 {
			return err
		}
		e := decodeEntry(buf)
		if e.InUse && e.Name == name {
			cleared := Entry{}
			_, err := d.table.WriteAt(d.ino, cleared.encode(), i*entrySize)
			return err
		}
	}
	return defs.ENOENT
}

/// IsEmpty reports whether d has no in-use entries, used by the
/// filesystem facade's Remove/Rmdir path. "." and ".." are never
/// materialized as entries (the facade resolves them directly against
/// cwd/the parent back-pointer), so any in-use entry here is real
/// user content.
func (d *Dir) IsEmpty() (bool, defs.Err_t) {
	n := int(d.ino.Size()) / entrySize
	buf := make([]byte, entrySize)
	for i := 0; i < n; i++ {
		if _, err := d.table.ReadAt(d.ino, buf, i*entrySize); err != 0 {
			return false, err
		}
		e := decodeEntry(buf)
		if e.InUse {
			return false, 0
		}
	}
	return true, 0
}

/// Cursor tracks a sequential scan position into a directory's
/// entries, so repeated Readdir calls on the same open directory
/// advance rather than restart, matching Pintos's dir_read_at offset
/// tracking (a feature the distilled spec names without this detail).
type Cursor struct {
	pos int
}

/// Readdir returns the next in-use entry past c's position, advancing
/// c. ok is false once the directory is exhausted, per spec.md §4.6:
/// "ok iff the scan actually produced a used entry" rather than iff
/// the scan reached a particular index.
func (d *Dir) Readdir(c *Cursor) (Entry, bool, defs.Err_t) {
	n := int(d.ino.Size()) / entrySize
	buf := make([]byte, entrySize)
	for c.pos < n {
		i := c.pos
		c.pos++
		if _, err := d.table.ReadAt(d.ino, buf, i*entrySize); err != 0 {
			return Entry{}, false, err
		}
		e := decodeEntry(buf)
		if e.InUse {
			return e, true, 0
		}
	}
	return Entry{}, false, 0
}

/// SplitPath breaks an absolute or relative path into its component
/// names, the way Pintos's get_next_part tokenizes on '/'.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

/// WalkResult reports where path resolution landed, produced by the
/// filesystem facade's own resolver (not this package): components
/// ".", "..", and "/" are resolved against the caller's cwd and each
/// inode's parent back-pointer rather than by scanning entries here,
/// matching Pintos's filesys_open handling those three cases outside
/// dir_lookup entirely.
type WalkResult struct {
	// Case names which of the six resolution outcomes applied,
	// matching spec.md §5's case enumeration.
	Case   string
	Parent defs.Sector
	Leaf   string
	Target defs.Sector
	Found  bool
}

const (
	CaseRoot        = "root"         // path is "/" or empty
	CaseFoundFile   = "found-file"   // full path resolved to a file
	CaseFoundDir    = "found-dir"    // full path resolved to a directory
	CaseMissingLeaf = "missing-leaf" // parent exists, leaf does not (create target)
	CaseMissingMid  = "missing-mid"  // a non-leaf component does not exist
	CaseNotDir      = "not-a-dir"    // a non-leaf component exists but isn't a directory
)
