package mmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
	"github.com/bsuserfs/kernelcore/internal/frame"
	"github.com/bsuserfs/kernelcore/internal/spt"
)

func newFixture() (*Registry, *spt.Table) {
	table := spt.New(1)
	swapDisk := blockdev.NewMemDisk(defs.PageSize / blockdev.SectorSize * 8)
	arena := frame.NewArena(16, swapDisk)
	write := func(defs.Sector, []byte, int) (int, defs.Err_t) { return 0, 0 }
	return New(table, arena, write), table
}

func TestFlushWritesDirtyFrameDataBack(t *testing.T) {
	table := spt.New(1)
	swapDisk := blockdev.NewMemDisk(defs.PageSize / blockdev.SectorSize * 8)
	arena := frame.NewArena(16, swapDisk)

	var gotSector defs.Sector
	var gotOff int
	var gotData []byte
	write := func(sector defs.Sector, buf []byte, off int) (int, defs.Err_t) {
		gotSector, gotOff = sector, off
		gotData = append([]byte(nil), buf...)
		return len(buf), 0
	}
	reg := New(table, arena, write)

	pages := []uintptr{0x1000}
	id, err := reg.Register(7, 0, defs.PageSize, pages)
	require.Zero(t, err)

	fid, r, aerr := arena.Alloc(1)
	require.Zero(t, aerr)
	copy(r.Data, []byte("dirty mmap page"))

	e, _ := table.Find(0x1000)
	e.Frame = fid
	e.HasFrame = true
	e.Location = spt.Memory
	e.Dirty = true

	require.Zero(t, reg.Flush(id))
	require.Equal(t, defs.Sector(7), gotSector)
	require.Equal(t, 0, gotOff)
	require.Equal(t, "dirty mmap page", string(gotData[:len("dirty mmap page")]))
	require.False(t, e.Dirty, "flush must clear the dirty bit once written back")
}

func TestRegisterInsertsOneEntryPerPage(t *testing.T) {
	reg, table := newFixture()
	pages := []uintptr{0x1000, 0x2000, 0x3000}

	id, err := reg.Register(5, 0, 3*defs.PageSize, pages)
	require.Zero(t, err)

	for _, p := range pages {
		e, ok := table.Find(p)
		require.True(t, ok)
		require.Equal(t, spt.PageMMAP, e.Type)
		require.Equal(t, spt.Nowhere, e.Location)
	}
	_ = id
}

func TestUnregisterRemovesEntriesAndFreesFrames(t *testing.T) {
	reg, table := newFixture()
	pages := []uintptr{0x1000}
	id, err := reg.Register(5, 0, defs.PageSize, pages)
	require.Zero(t, err)

	fid, r, aerr := reg.arena.Alloc(1)
	require.Zero(t, aerr)
	_ = r
	e, _ := table.Find(0x1000)
	e.Frame = fid
	e.HasFrame = true
	e.Location = spt.Memory

	require.Zero(t, reg.Unregister(id))
	_, ok := table.Find(0x1000)
	require.False(t, ok, "unregister must remove every page's SPT entry")
	_, ok = reg.arena.Data(fid)
	require.False(t, ok, "unregister must free the page's frame")
}

func TestFlushUnknownMapIDFails(t *testing.T) {
	reg, _ := newFixture()
	require.Equal(t, defs.EINVAL, reg.Flush(99))
	require.Equal(t, defs.EINVAL, reg.Unregister(99))
}
