package blockdev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsuserfs/kernelcore/internal/defs"
)

func TestMemDiskReadWriteRoundTrip(t *testing.T) {
	d := NewMemDisk(4)

	want := bytes.Repeat([]byte{0xAB}, SectorSize)
	require.NoError(t, d.WriteSector(2, want))

	got := make([]byte, SectorSize)
	require.NoError(t, d.ReadSector(2, got))
	require.Equal(t, want, got)
}

func TestMemDiskOutOfRange(t *testing.T) {
	d := NewMemDisk(2)
	buf := make([]byte, SectorSize)
	require.Error(t, d.ReadSector(5, buf))
	require.Error(t, d.WriteSector(5, buf))
}

func TestMemDiskSectorCount(t *testing.T) {
	d := NewMemDisk(7)
	require.Equal(t, defs.Sector(7), d.SectorCount())
}

func TestFileDiskRoundTrip(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	d, err := OpenFileDisk(path, 4)
	require.NoError(t, err)
	defer d.Close()

	want := bytes.Repeat([]byte{0x42}, SectorSize)
	require.NoError(t, d.WriteSector(1, want))
	require.NoError(t, d.Sync())

	got := make([]byte, SectorSize)
	require.NoError(t, d.ReadSector(1, got))
	require.Equal(t, want, got)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	d := NewMemDisk(1)
	r.Register(defs.RoleFilesys, d)

	got, ok := r.Resolve(defs.RoleFilesys)
	require.True(t, ok)
	require.Equal(t, Disk_i(d), got)

	_, ok = r.Resolve(defs.RoleSwap)
	require.False(t, ok)
}
