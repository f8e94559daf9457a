package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsuserfs/kernelcore/internal/blockdev"
	"github.com/bsuserfs/kernelcore/internal/defs"
)

func TestGetPutDirtyWriteback(t *testing.T) {
	disk := blockdev.NewMemDisk(8)
	c := New(disk, 4)

	h, err := c.Get(0)
	require.NoError(t, err)
	h.Data[0] = 0x7F
	c.Put(h, true)

	require.NoError(t, c.Pdflush())

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, disk.ReadSector(0, raw))
	require.Equal(t, byte(0x7F), raw[0])
}

func TestEvictionWritesBackDirty(t *testing.T) {
	disk := blockdev.NewMemDisk(8)
	c := New(disk, 2)

	for i := defs.Sector(0); i < 3; i++ {
		h, err := c.Get(i)
		require.NoError(t, err)
		h.Data[0] = byte(i + 1)
		c.Put(h, true)
	}

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, disk.ReadSector(0, raw), "sector 0 should have been evicted and flushed")
	require.Equal(t, byte(1), raw[0])
}

func TestAllPinnedCannotEvict(t *testing.T) {
	disk := blockdev.NewMemDisk(8)
	c := New(disk, 2)

	_, err := c.Get(0)
	require.NoError(t, err)
	_, err = c.Get(1)
	require.NoError(t, err)

	_, err = c.Get(2)
	require.Error(t, err, "cache full of pinned heads must fail rather than evict")
}

func TestPutUnpinnedPanics(t *testing.T) {
	disk := blockdev.NewMemDisk(4)
	c := New(disk, 2)
	h, err := c.Get(0)
	require.NoError(t, err)
	c.Put(h, false)
	require.Panics(t, func() { c.Put(h, false) })
}
