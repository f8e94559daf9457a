// Package blockdev abstracts the backing storage device: fixed-size
// sector read/write plus a named role registry ("filesystem", "swap"),
// grounded on biscuit's ufs.ahci_disk_t and fs.Disk_i/Bdev_req_t.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bsuserfs/kernelcore/internal/defs"
)

// SectorSize is the fixed byte count of one sector (B in spec.md §3).
const SectorSize = 512

/// Disk_i is implemented by every backing store the core can mount.
type Disk_i interface {
	ReadSector(sector defs.Sector, buf []byte) error
	WriteSector(sector defs.Sector, buf []byte) error
	Sync() error
	SectorCount() defs.Sector
}

/// Registry resolves a Disk_i by role. It is a standalone lookup table:
/// fs.Format and fs.StartFS take a Disk_i directly and do not consult a
/// Registry, so nothing here fails startup when RoleFilesys is absent.
type Registry struct {
	mu    sync.Mutex
	disks map[defs.Role]Disk_i
}

/// NewRegistry returns an empty role registry.
func NewRegistry() *Registry {
	return &Registry{disks: make(map[defs.Role]Disk_i)}
}

/// Register binds a disk to a role, replacing any previous binding.
func (r *Registry) Register(role defs.Role, d Disk_i) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disks[role] = d
}

/// Resolve returns the disk bound to role, if any.
func (r *Registry) Resolve(role defs.Role) (Disk_i, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disks[role]
	return d, ok
}

/// FileDisk_t is a disk backed by a regular host file, addressed with
/// positioned pread/pwrite rather than biscuit's own seek-then-read
/// pair (see DESIGN.md for why: biscuit's own comment on ahci_disk_t
/// notes the seek must be locked against concurrent use).
type FileDisk_t struct {
	f        *os.File
	sectors  defs.Sector
}

/// OpenFileDisk opens path as a sector-addressable disk image of the
/// given size. The file is created and zero-extended if it does not
/// already exist.
func OpenFileDisk(path string, sectors defs.Sector) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	want := int64(sectors) * SectorSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDisk_t{f: f, sectors: sectors}, nil
}

func (d *FileDisk_t) ReadSector(sector defs.Sector, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: buf must be %d bytes", SectorSize)
	}
	off := int64(sector) * SectorSize
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev: short read of sector %d", sector)
	}
	return nil
}

func (d *FileDisk_t) WriteSector(sector defs.Sector, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: buf must be %d bytes", SectorSize)
	}
	off := int64(sector) * SectorSize
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev: short write of sector %d", sector)
	}
	return nil
}

func (d *FileDisk_t) Sync() error {
	return d.f.Sync()
}

func (d *FileDisk_t) SectorCount() defs.Sector {
	return d.sectors
}

/// Close releases the underlying host file.
func (d *FileDisk_t) Close() error {
	return d.f.Close()
}

/// MemDisk_t is an in-memory disk, used by tests the way biscuit's own
/// ufs package boots a throwaway filesystem for its test harness.
type MemDisk_t struct {
	mu      sync.Mutex
	sectors [][SectorSize]byte
}

/// NewMemDisk allocates a zero-filled in-memory disk of n sectors.
func NewMemDisk(n defs.Sector) *MemDisk_t {
	return &MemDisk_t{sectors: make([][SectorSize]byte, n)}
}

func (d *MemDisk_t) ReadSector(sector defs.Sector, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(sector) >= len(d.sectors) {
		return fmt.Errorf("blockdev: sector %d out of range", sector)
	}
	copy(buf, d.sectors[sector][:])
	return nil
}

func (d *MemDisk_t) WriteSector(sector defs.Sector, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(sector) >= len(d.sectors) {
		return fmt.Errorf("blockdev: sector %d out of range", sector)
	}
	copy(d.sectors[sector][:], buf)
	return nil
}

func (d *MemDisk_t) Sync() error { return nil }

func (d *MemDisk_t) SectorCount() defs.Sector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return defs.Sector(len(d.sectors))
}
