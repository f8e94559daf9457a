// Package spt implements the per-task supplemental page table: one
// entry per user virtual page describing how to satisfy a fault on
// it, grounded on Pintos's src/vm/page.h (struct vm_entry, the
// PAGE_TYPE enum VM_BIN/VM_FILE/VM_ANON, struct text_info) and its
// hash-table-of-vm_entry SPT (vm_init installs a per-thread hash
// table keyed by user vaddr).
package spt

import (
	"sync"

	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/frame"
)

/// PageType classifies how a page's initial content is produced,
/// matching Pintos's PAGE_TYPE (VM_BIN/VM_FILE/VM_ANON renamed to this
/// corpus's ELF/MMAP/ANONYMOUS vocabulary).
type PageType int

const (
	PageAnonymous PageType = iota // zero-filled, stack or anonymous mmap
	PageELF                       // demand-loaded from the executable's segments
	PageMMAP                      // backed by a memory-mapped file region
)

/// Location tracks where a page's data currently lives, matching
/// spec.md §1's NOWHERE/MEMORY/DISK/VALHALLA state machine.
type Location int

const (
	Nowhere  Location = iota // not yet faulted in
	Memory                   // resident in a physical frame
	Disk                     // swapped out to the swap device
	Valhalla                 // evicted and discarded (clean, reloadable from its backing file)
)

/// TextInfo describes an ELF demand-load page's source segment,
/// matching Pintos's struct text_info (read_bytes/zero_bytes split
/// per PGSIZE page packed by load_segment).
type TextInfo struct {
	FileSector defs.Sector
	FileOffset int
	ReadBytes  int // bytes to copy from the file; remainder is zero-filled
	Writable   bool
}

/// MmapInfo describes an mmap-backed page's source file region.
type MmapInfo struct {
	FileSector defs.Sector
	FileOffset int
	Length     int
	Writable   bool
}

/// Entry is one supplemental page table record.
type Entry struct {
	Vaddr    uintptr
	Type     PageType
	Location Location
	Frame    frame.FrameID
	HasFrame bool
	Slot     frame.SwapSlot
	HasSlot  bool
	Text     *TextInfo
	Mmap     *MmapInfo
	Dirty    bool
}

/// Table is one task's supplemental page table, keyed by user vaddr
/// truncated to its containing page (Pintos's pg_round_down applied
/// by the caller before Insert/Find).
type Table struct {
	mu      sync.Mutex
	owner   defs.Tid_t
	entries map[uintptr]*Entry
}

/// New constructs an empty SPT for owner.
func New(owner defs.Tid_t) *Table {
	return &Table{owner: owner, entries: make(map[uintptr]*Entry)}
}

/// Insert installs e, indexed by e.Vaddr. Returns defs.EINVAL if an
/// entry already exists at that vaddr (double-map is a caller bug,
/// matching Pintos's insert_vme asserting hash_insert returns NULL).
func (t *Table) Insert(e *Entry) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.Vaddr]; exists {
		return defs.EINVAL
	}
	t.entries[e.Vaddr] = e
	return 0
}

/// Find returns the entry covering vaddr, if any.
func (t *Table) Find(vaddr uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[vaddr]
	return e, ok
}

/// Delete removes the entry at vaddr, returning it so the caller can
/// release its frame/swap slot.
func (t *Table) Delete(vaddr uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[vaddr]
	if ok {
		delete(t.entries, vaddr)
	}
	return e, ok
}

/// Entries returns a snapshot slice of all entries, so a caller can
/// release each entry's frame/swap slot before Destroy.
func (t *Table) Entries() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

/// Destroy clears the table. The caller is responsible for first
/// releasing every entry's frame/swap slot via the frame arena (this
/// mirrors Pintos's vm_destroy, which hands each vm_entry to a
/// destructor callback before freeing the hash table itself).
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uintptr]*Entry)
}
