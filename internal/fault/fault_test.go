package fault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/frame"
	"github.com/bsuserfs/kernelcore/internal/spt"
)

func newTask() *Task {
	swapDisk := blockdev.NewMemDisk(defs.PageSize / blockdev.SectorSize * 8)
	stackBase := uintptr(defs.PhysBase - defs.PageSize)
	return &Task{
		Tid:        1,
		SPT:        spt.New(1),
		Arena:      frame.NewArena(16, swapDisk),
		StackBase:  stackBase,
		StackLimit: stackBase,
		UserEsp:    stackBase - 4,
	}
}

func noopRead(defs.Sector, []byte, int) (int, defs.Err_t) { return 0, 0 }
func noopWrite(defs.Sector, []byte, int) (int, defs.Err_t) { return 0, 0 }

func TestStackGrowthOnFirstFault(t *testing.T) {
	task := newTask()
	vaddr := task.StackBase - 4
	outcome, err := Classify(task, vaddr, true, true, noopRead, noopWrite)
	require.Zero(t, err)
	require.Equal(t, OutcomeStackGrowth, outcome)

	e, ok := task.SPT.Find(vaddr &^ (defs.PageSize - 1))
	require.True(t, ok)
	require.Equal(t, spt.Memory, e.Location)
}

func TestFaultFarBelowEspKilled(t *testing.T) {
	task := newTask()
	vaddr := task.UserEsp - 10*stackHeuristic
	outcome, err := Classify(task, vaddr, true, true, noopRead, noopWrite)
	require.Equal(t, OutcomeKilled, outcome)
	require.NotZero(t, err)
}

func TestAccessRightsViolationKillsImmediately(t *testing.T) {
	task := newTask()
	// notPresent=false models a hardware fault whose error code says
	// the page was present but the access violated its permissions
	// (e.g. write to a read-only mapping); this must kill regardless
	// of what the SPT holds for the page.
	outcome, err := Classify(task, task.StackBase-4, false, true, noopRead, noopWrite)
	require.Equal(t, OutcomeKilled, outcome)
	require.Equal(t, defs.EFAULT, err)
}

func TestAddressOutsideUserRangeKilled(t *testing.T) {
	task := newTask()

	outcome, err := Classify(task, defs.UserLow-1, true, false, noopRead, noopWrite)
	require.Equal(t, OutcomeKilled, outcome)
	require.Equal(t, defs.EFAULT, err)

	outcome, err = Classify(task, defs.PhysBase, true, false, noopRead, noopWrite)
	require.Equal(t, OutcomeKilled, outcome)
	require.Equal(t, defs.EFAULT, err)
}

func TestELFDemandLoad(t *testing.T) {
	task := newTask()
	vaddr := uintptr(defs.UserLow + 0x1000)
	e := &spt.Entry{
		Vaddr:    vaddr,
		Type:     spt.PageELF,
		Location: spt.Nowhere,
		Text:     &spt.TextInfo{FileSector: 10, FileOffset: 0, ReadBytes: 100},
	}
	require.Zero(t, task.SPT.Insert(e))

	read := func(sector defs.Sector, buf []byte, off int) (int, defs.Err_t) {
		for i := range buf {
			buf[i] = 0xCC
		}
		return len(buf), 0
	}

	outcome, err := Classify(task, vaddr, true, false, read, noopWrite)
	require.Zero(t, err)
	require.Equal(t, OutcomeELFLoad, outcome)
	require.Equal(t, spt.Memory, e.Location)
}

func TestWriteToReadOnlyELFPageKilled(t *testing.T) {
	task := newTask()
	vaddr := uintptr(defs.UserLow + 0x2000)
	e := &spt.Entry{
		Vaddr:    vaddr,
		Type:     spt.PageELF,
		Location: spt.Nowhere,
		Text:     &spt.TextInfo{FileSector: 10, FileOffset: 0, ReadBytes: 100, Writable: false},
	}
	require.Zero(t, task.SPT.Insert(e))

	outcome, err := Classify(task, vaddr, true, true, noopRead, noopWrite)
	require.Equal(t, OutcomeKilled, outcome)
	require.Equal(t, defs.EFAULT, err)
}

func TestSwapIn(t *testing.T) {
	task := newTask()
	vaddr := uintptr(defs.UserLow + 0x3000)
	slot, ok := task.Arena.ReserveSlot()
	require.True(t, ok)
	data := make([]byte, defs.PageSize)
	data[0] = 0x11
	require.NoError(t, task.Arena.WriteSlot(slot, data))

	e := &spt.Entry{Vaddr: vaddr, Type: spt.PageAnonymous, Location: spt.Disk, Slot: slot, HasSlot: true}
	require.Zero(t, task.SPT.Insert(e))

	outcome, err := Classify(task, vaddr, true, false, noopRead, noopWrite)
	require.Zero(t, err)
	require.Equal(t, OutcomeSwapIn, outcome)
	require.Equal(t, spt.Memory, e.Location)
	require.False(t, e.HasSlot)
}

func TestAccessToResidentMemoryIsNotAFault(t *testing.T) {
	task := newTask()
	vaddr := uintptr(defs.UserLow + 0x4000)
	e := &spt.Entry{Vaddr: vaddr, Location: spt.Memory}
	require.Zero(t, task.SPT.Insert(e))

	outcome, err := Classify(task, vaddr, true, false, noopRead, noopWrite)
	require.Equal(t, OutcomeKilled, outcome)
	require.Equal(t, defs.EFAULT, err)
}

func TestEvictedAnonymousPageWritesBackToSwap(t *testing.T) {
	// Arena capacity 1 forces the second fault's Alloc to evict the
	// first page; that eviction must go through growStack's WriteBack
	// closure (wireAnonymous), landing the page in a real swap slot
	// and flipping its SPT entry to location DISK rather than silently
	// dropping its data.
	swapDisk := blockdev.NewMemDisk(defs.PageSize / blockdev.SectorSize * 8)
	task := &Task{
		Tid:        1,
		SPT:        spt.New(1),
		Arena:      frame.NewArena(1, swapDisk),
		StackBase:  uintptr(defs.PhysBase - defs.PageSize),
		StackLimit: uintptr(defs.PhysBase - defs.PageSize),
		UserEsp:    uintptr(defs.PhysBase - defs.PageSize - 4),
	}

	v1 := task.StackBase
	outcome, err := Classify(task, v1-4, true, true, noopRead, noopWrite)
	require.Zero(t, err)
	require.Equal(t, OutcomeStackGrowth, outcome)
	e1, _ := task.SPT.Find((v1 - 4) &^ (defs.PageSize - 1))

	v2 := uintptr(defs.UserLow + 0x5000)
	e2 := &spt.Entry{Vaddr: v2, Type: spt.PageELF, Location: spt.Nowhere, Text: &spt.TextInfo{FileSector: 1, ReadBytes: defs.PageSize, Writable: true}}
	require.Zero(t, task.SPT.Insert(e2))
	fullRead := func(_ defs.Sector, buf []byte, _ int) (int, defs.Err_t) { return len(buf), 0 }
	outcome, err = Classify(task, v2, true, false, fullRead, noopWrite)
	require.Zero(t, err)
	require.Equal(t, OutcomeELFLoad, outcome)

	require.Equal(t, spt.Disk, e1.Location, "evicting the first page must swap it out, not drop it")
	require.True(t, e1.HasSlot)
	require.False(t, e1.HasFrame)
}
