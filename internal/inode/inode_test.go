package inode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/cache"
	"github.com/bsuserfs/kernelcore/internal/defs"
)

// testAllocator is a trivial bump allocator over a fixed sector range,
// standing in for fs.FreeMap in isolation tests.
type testAllocator struct {
	mu   sync.Mutex
	next defs.Sector
	max  defs.Sector
	free map[defs.Sector]bool
}

func newTestAllocator(start, max defs.Sector) *testAllocator {
	return &testAllocator{next: start, max: max, free: make(map[defs.Sector]bool)}
}

func (a *testAllocator) AllocSector() (defs.Sector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s := range a.free {
		delete(a.free, s)
		return s, true
	}
	if a.next >= a.max {
		return 0, false
	}
	s := a.next
	a.next++
	return s, true
}

func (a *testAllocator) FreeSector(s defs.Sector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free[s] = true
}

func newTestTable(t *testing.T, sectors defs.Sector) (*Table, *testAllocator) {
	t.Helper()
	disk := blockdev.NewMemDisk(sectors)
	c := cache.New(disk, cache.Capacity)
	alloc := newTestAllocator(1, sectors)
	return NewTable(c, alloc), alloc
}

func TestCreateOpenCloseRefcount(t *testing.T) {
	table, _ := newTestTable(t, 64)

	ino, err := table.Create(TypeFile, 0)
	require.Zero(t, err)

	again, err := table.Open(ino.Sector())
	require.Zero(t, err)
	require.Same(t, ino, again, "repeat Open must return the same in-memory handle")

	require.Zero(t, table.Close(again))
	require.Zero(t, table.Close(ino))
}

func TestWriteReadDirectRange(t *testing.T) {
	table, _ := newTestTable(t, 64)
	ino, err := table.Create(TypeFile, 0)
	require.Zero(t, err)

	data := []byte("hello, kernel core")
	n, werr := table.WriteAt(ino, data, 0)
	require.Zero(t, werr)
	require.Equal(t, len(data), n)
	require.EqualValues(t, len(data), ino.Size())

	buf := make([]byte, len(data))
	n, rerr := table.ReadAt(ino, buf, 0)
	require.Zero(t, rerr)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestWriteGrowsThroughIndirectBlock(t *testing.T) {
	// Enough sectors for NDirect data blocks, the indirect index
	// block, a handful of indirect-referenced data blocks, plus the
	// inode sector itself.
	table, _ := newTestTable(t, defs.Sector(NDirect+10))
	ino, err := table.Create(TypeFile, 0)
	require.Zero(t, err)

	off := (NDirect + 2) * blockdev.SectorSize
	data := []byte("past the direct pointers")
	_, werr := table.WriteAt(ino, data, off)
	require.Zero(t, werr)

	buf := make([]byte, len(data))
	_, rerr := table.ReadAt(ino, buf, off)
	require.Zero(t, rerr)
	require.Equal(t, data, buf)
}

func TestWriteHoleReadsAsZero(t *testing.T) {
	table, _ := newTestTable(t, 64)
	ino, err := table.Create(TypeFile, 0)
	require.Zero(t, err)

	_, werr := table.WriteAt(ino, []byte("head"), 0)
	require.Zero(t, werr)

	off := 5 * blockdev.SectorSize
	tail := []byte("tail")
	_, werr = table.WriteAt(ino, tail, off)
	require.Zero(t, werr)

	hole := make([]byte, off-4)
	n, rerr := table.ReadAt(ino, hole, 4)
	require.Zero(t, rerr)
	require.Equal(t, len(hole), n)
	for i, b := range hole {
		require.Equalf(t, byte(0), b, "hole byte %d must read as zero", i)
	}

	buf := make([]byte, len(tail))
	_, rerr = table.ReadAt(ino, buf, off)
	require.Zero(t, rerr)
	require.Equal(t, tail, buf)
}

func TestReadPastEOFShortReads(t *testing.T) {
	table, _ := newTestTable(t, 64)
	ino, err := table.Create(TypeFile, 0)
	require.Zero(t, err)

	_, werr := table.WriteAt(ino, []byte("abc"), 0)
	require.Zero(t, werr)

	buf := make([]byte, 10)
	n, rerr := table.ReadAt(ino, buf, 0)
	require.Zero(t, rerr)
	require.Equal(t, 3, n, "read past EOF must short-read, not error")
}

func TestCloseReclaimsSectorsOnlyAfterMarkRemoved(t *testing.T) {
	table, alloc := newTestTable(t, 64)
	ino, err := table.Create(TypeFile, 0)
	require.Zero(t, err)

	_, werr := table.WriteAt(ino, []byte("data"), 0)
	require.Zero(t, werr)
	sec := ino.Sector()

	require.Zero(t, table.Close(ino))
	_, reused := alloc.free[sec]
	require.False(t, reused, "sectors must not be reclaimed without MarkRemoved")

	ino2, err := table.Open(sec)
	require.Zero(t, err)
	ino2.MarkRemoved()
	require.Zero(t, table.Close(ino2))
	require.True(t, alloc.free[sec], "sectors must be reclaimed once refcount drops to zero after MarkRemoved")
}

func TestWriteFailsCleanlyWhenDiskExhausted(t *testing.T) {
	// No free sector at all: Create itself must fail with ENOSPC.
	table, alloc := newTestTable(t, 1)
	ino, err := table.Create(TypeFile, 0)
	require.Equal(t, defs.ENOSPC, err, "allocator with no free sectors must reject Create")
	_ = ino
	_ = alloc

	// Only enough room for the inode sector itself: any write that
	// needs a data sector must fail with ENOSPC and leave the size alone.
	table, _ = newTestTable(t, 2)
	ino, err = table.Create(TypeFile, 0)
	require.Zero(t, err)
	_, werr := table.WriteAt(ino, []byte("x"), 0)
	require.Equal(t, defs.ENOSPC, werr)
	require.Zero(t, ino.Size())
}
