// Package fault implements the page-fault classifier: given a faulting
// address and the task's supplemental page table, decide whether the
// fault is stack growth, an ELF demand-load, an mmap fault, a swap-in,
// or an unrecoverable access, grounded on Pintos's
// src/userprog/exception.c (page_fault, handle_mm_fault, the
// __VALID_STACK__/KILL_APP macros) generalized to spt.PageType and
// spt.Location.
package fault

import (
	"fmt"

	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/frame"
	"github.com/bsuserfs/kernelcore/internal/spt"
)

// stackLimit caps the total stack size (StackBase minus the faulting
// page) that growth may reach; stackHeuristic is how far below the
// saved esp a fault still counts as a push, matching Pintos's
// STACK_HEURISTIC.
const stackLimit = 8 * 1024 * 1024 // 8 MiB, matches Pintos's default stack ulimit
const stackHeuristic = 32

/// Outcome names which of the five classifier branches resolved the
/// fault, mirroring spec.md §8's enumeration.
type Outcome int

const (
	OutcomeKilled Outcome = iota
	OutcomeStackGrowth
	OutcomeELFLoad
	OutcomeMmapFault
	OutcomeSwapIn
)

/// Task bundles the per-task state the classifier needs: its
/// supplemental page table, the shared frame arena, and the stack's
/// current extent.
type Task struct {
	Tid        defs.Tid_t
	SPT        *spt.Table
	Arena      *frame.Arena
	StackBase  uintptr // highest stack address (grows downward from here)
	StackLimit uintptr // lowest address the stack has grown to so far
	UserEsp    uintptr // saved user stack pointer at fault time
}

/// ReadFile abstracts filesystem reads so this package never imports
/// internal/fs; implemented by a thin adapter over fs.FS.ReadFile.
type ReadFile func(fileSector defs.Sector, buf []byte, off int) (int, defs.Err_t)

/// WriteFile abstracts filesystem write-back so this package never
/// imports internal/fs; implemented by a thin adapter over
/// fs.FS.WriteFile. Used to flush a dirty mmap page back to its file
/// when the frame holding it is evicted.
type WriteFile func(fileSector defs.Sector, buf []byte, off int) (int, defs.Err_t)

/// Classify resolves a fault at vaddr for t, following spec.md §8's
/// five-step decision order: (1) an access-rights violation — the
/// hardware error code's not-present bit clear — kills the task
/// immediately, regardless of anything else; (2) an address outside
/// [UserLow, PhysBase) kills the task; (3) an existing SPT entry whose
/// location is DISK triggers swap-in ahead of the stack/
/// write classification, because a resident expectation must be
/// honoured regardless of the other bits; (4) an address inside the
/// valid stack growth region with no SPT entry yet triggers stack
/// growth; (5) an SPT entry with location NOWHERE (or VALHALLA) dispatches on its
/// type (ELF demand-load, MMAP fault) or kills if the access is a
/// write to a read-only page or the type is unrecognised. Anything
/// else kills the task, matching Pintos's kill() fallback.
func Classify(t *Task, vaddr uintptr, notPresent, write bool, read ReadFile, writeFile WriteFile) (Outcome, defs.Err_t) {
	if !notPresent {
		return OutcomeKilled, defs.EFAULT
	}
	if vaddr < defs.UserLow || vaddr >= defs.PhysBase {
		return OutcomeKilled, defs.EFAULT
	}

	page := vaddr &^ (defs.PageSize - 1)

	if e, ok := t.SPT.Find(page); ok {
		switch e.Location {
		case spt.Memory:
			return OutcomeKilled, defs.EFAULT
		case spt.Disk:
			if err := swapIn(t, e, read, writeFile); err != 0 {
				return OutcomeKilled, err
			}
			return OutcomeSwapIn, 0
		case spt.Nowhere, spt.Valhalla:
			if write && !entryWritable(e) {
				return OutcomeKilled, defs.EFAULT
			}
			switch e.Type {
			case spt.PageELF:
				if err := loadELF(t, e, read); err != 0 {
					return OutcomeKilled, err
				}
				return OutcomeELFLoad, 0
			case spt.PageMMAP:
				if err := loadMmap(t, e, read, writeFile); err != 0 {
					return OutcomeKilled, err
				}
				return OutcomeMmapFault, 0
			case spt.PageAnonymous:
				if err := growStack(t, e); err != 0 {
					return OutcomeKilled, err
				}
				return OutcomeStackGrowth, 0
			}
		}
		return OutcomeKilled, defs.EFAULT
	}

	if isStackGrowthCandidate(t, vaddr, page) {
		e := &spt.Entry{Vaddr: page, Type: spt.PageAnonymous, Location: spt.Nowhere}
		if err := t.SPT.Insert(e); err != 0 {
			return OutcomeKilled, err
		}
		if err := growStack(t, e); err != 0 {
			return OutcomeKilled, err
		}
		if page < t.StackLimit {
			t.StackLimit = page
		}
		return OutcomeStackGrowth, 0
	}

	return OutcomeKilled, defs.EFAULT
}

/// entryWritable reports whether a write fault against e is legal,
/// matching spec.md §4.8 step 5's "write-to-readonly kills" rule.
/// Anonymous (stack) pages are always writable once mapped.
func entryWritable(e *spt.Entry) bool {
	switch e.Type {
	case spt.PageELF:
		return e.Text != nil && e.Text.Writable
	case spt.PageMMAP:
		return e.Mmap != nil && e.Mmap.Writable
	default:
		return true
	}
}

/// isStackGrowthCandidate applies Pintos's stack-growth heuristic: the
/// fault must be within stackHeuristic bytes below the saved user esp
/// (a PUSH/PUSHA underflow), at or above esp, or already within the
/// stack's grown region, and the resulting stack must not exceed
/// stackLimit total size.
func isStackGrowthCandidate(t *Task, vaddr, page uintptr) bool {
	if page > t.StackBase {
		return false
	}
	if t.StackBase-page > stackLimit {
		return false
	}
	if page >= t.StackLimit {
		return true // already-mapped region below a prior growth point
	}
	if t.UserEsp >= vaddr && t.UserEsp-vaddr <= stackHeuristic {
		return true
	}
	if vaddr >= t.UserEsp {
		return true // fault at or above esp (ordinary push)
	}
	return false
}

// wireAnonymous installs the eviction closures for a swap-backed page
// (ANONYMOUS or ELF): on eviction, the frame is written to a freshly
// reserved swap slot and the SPT entry's location flips to DISK,
// matching spec.md §4.9's swap_out for these two page types. Called
// every time such a page is given a fresh frame (initial load and
// every subsequent swap-in), since the previous frame's closures do
// not carry over to the new one.
func wireAnonymous(t *Task, e *spt.Entry, r *frame.Resident) {
	r.WriteBack = func(data []byte) error {
		slot, ok := t.Arena.ReserveSlot()
		if !ok {
			return fmt.Errorf("fault: swap device exhausted, cannot evict frame for vaddr %#x", e.Vaddr)
		}
		if err := t.Arena.WriteSlot(slot, data); err != nil {
			t.Arena.ReleaseSlot(slot)
			return err
		}
		e.Slot = slot
		e.HasSlot = true
		return nil
	}
	r.OnEvicted = func() {
		e.Location = spt.Disk
		e.HasFrame = false
		e.Dirty = false
	}
}

// wireMmap installs the eviction closures for an MMAP page: on
// eviction, a dirty page is written back to its backing file rather
// than to swap, and the SPT entry's location reverts to NOWHERE so the
// next access reloads it from the file, matching spec.md §4.9's
// "write-back to the mapped file (for MMAP)" swap_out case.
func wireMmap(e *spt.Entry, r *frame.Resident, writeFile WriteFile) {
	r.WriteBack = func(data []byte) error {
		if !e.Dirty || e.Mmap == nil || writeFile == nil {
			return nil
		}
		n, werr := writeFile(e.Mmap.FileSector, data[:e.Mmap.Length], e.Mmap.FileOffset)
		if werr != 0 {
			return fmt.Errorf("fault: mmap writeback for vaddr %#x: err %d", e.Vaddr, werr)
		}
		if n != e.Mmap.Length {
			return fmt.Errorf("fault: short mmap writeback for vaddr %#x", e.Vaddr)
		}
		return nil
	}
	r.OnEvicted = func() {
		e.Location = spt.Nowhere
		e.HasFrame = false
		e.Dirty = false
	}
}

func growStack(t *Task, e *spt.Entry) defs.Err_t {
	id, r, err := t.Arena.Alloc(t.Tid)
	if err != 0 {
		return err
	}
	for i := range r.Data {
		r.Data[i] = 0
	}
	wireAnonymous(t, e, r)
	e.Frame = id
	e.HasFrame = true
	e.Location = spt.Memory
	return 0
}

func loadELF(t *Task, e *spt.Entry, read ReadFile) defs.Err_t {
	if e.Text == nil {
		return defs.EFAULT
	}
	id, r, err := t.Arena.Alloc(t.Tid)
	if err != 0 {
		return err
	}
	for i := range r.Data {
		r.Data[i] = 0
	}
	n, rerr := read(e.Text.FileSector, r.Data[:e.Text.ReadBytes], e.Text.FileOffset)
	if rerr != 0 {
		t.Arena.Free(id)
		return rerr
	}
	if n != e.Text.ReadBytes {
		t.Arena.Free(id)
		return defs.EIO
	}
	wireAnonymous(t, e, r)
	e.Frame = id
	e.HasFrame = true
	e.Location = spt.Memory
	return 0
}

func loadMmap(t *Task, e *spt.Entry, read ReadFile, writeFile WriteFile) defs.Err_t {
	if e.Mmap == nil {
		return defs.EFAULT
	}
	id, r, err := t.Arena.Alloc(t.Tid)
	if err != 0 {
		return err
	}
	for i := range r.Data {
		r.Data[i] = 0
	}
	n, rerr := read(e.Mmap.FileSector, r.Data[:e.Mmap.Length], e.Mmap.FileOffset)
	if rerr != 0 {
		t.Arena.Free(id)
		return rerr
	}
	if n != e.Mmap.Length {
		t.Arena.Free(id)
		return defs.EIO
	}
	wireMmap(e, r, writeFile)
	e.Frame = id
	e.HasFrame = true
	e.Location = spt.Memory
	return 0
}

func swapIn(t *Task, e *spt.Entry, read ReadFile, writeFile WriteFile) defs.Err_t {
	if !e.HasSlot {
		return defs.EFAULT
	}
	id, r, err := t.Arena.Alloc(t.Tid)
	if err != 0 {
		return err
	}
	if rerr := t.Arena.ReadSlot(e.Slot, r.Data); rerr != nil {
		t.Arena.Free(id)
		return defs.EIO
	}
	t.Arena.ReleaseSlot(e.Slot)
	e.HasSlot = false
	wireAnonymous(t, e, r)
	e.Frame = id
	e.HasFrame = true
	e.Location = spt.Memory
	return 0
}

/// String renders an outcome for log lines, matching the corpus's
/// plain log.Printf style rather than a stringer-generated table.
func (o Outcome) String() string {
	switch o {
	case OutcomeKilled:
		return "killed"
	case OutcomeStackGrowth:
		return "stack-growth"
	case OutcomeELFLoad:
		return "elf-load"
	case OutcomeMmapFault:
		return "mmap-fault"
	case OutcomeSwapIn:
		return "swap-in"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
