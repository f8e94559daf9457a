// Package bitmap implements the persistent free-sector bitmap backing
// the filesystem's allocator, grounded on Pintos's free-map.c (a
// bitmap-of-sectors persisted in its own inode) and on biscuit's
// fs.Fs_t.freebits in-memory bitmap style.
package bitmap

import (
	"fmt"
	"sync"
)

/// Bitmap tracks allocation of a fixed number of sectors, one bit each.
/// Bit i set means sector i is in use. FromBytes/Bytes round-trip the bitmap
/// to its on-disk byte form, the way Pintos persists free_map to its
/// own inode via bitmap_write/bitmap_read.
type Bitmap struct {
	mu   sync.Mutex
	bits []byte
	n    int
}

/// New allocates a bitmap for n sectors, all initially free.
func New(n int) *Bitmap {
	return &Bitmap{bits: make([]byte, (n+7)/8), n: n}
}

/// FromBytes reconstructs a bitmap of n sectors from its on-disk bytes.
func FromBytes(n int, raw []byte) (*Bitmap, error) {
	want := (n + 7) / 8
	if len(raw) < want {
		return nil, fmt.Errorf("bitmap: need %d bytes, got %d", want, len(raw))
	}
	b := &Bitmap{bits: make([]byte, want), n: n}
	copy(b.bits, raw[:want])
	return b, nil
}

/// Bytes returns the on-disk byte representation, safe to persist to
/// the free-map's backing sectors.
func (b *Bitmap) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}

/// SetRange marks [start, start+count) as allocated. fs.Format does not
/// call it: the superblock, root directory and free-map sectors lie
/// before the data region the filesystem's bitmap covers, so they
/// never need reserving in it.
func (b *Bitmap) SetRange(start, count int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start < 0 || count < 0 || start+count > b.n {
		return fmt.Errorf("bitmap: range [%d,%d) out of bounds (n=%d)", start, start+count, b.n)
	}
	for i := start; i < start+count; i++ {
		b.set(i)
	}
	return nil
}

/// Allocate finds the first free bit, marks it used, and returns its
/// index. Returns ok=false if no free sector remains (spec.md §3's
/// ENOSPC case).
func (b *Bitmap) Allocate() (idx int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.n; i++ {
		if !b.test(i) {
			b.set(i)
			return i, true
		}
	}
	return 0, false
}

/// Release marks sector i free again. Releasing an already-free sector
/// is a caller bug and panics, matching the corpus's panic-on-
/// corruption style for double-free conditions.
func (b *Bitmap) Release(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("bitmap: release of out-of-range sector %d", i))
	}
	if !b.test(i) {
		panic(fmt.Sprintf("bitmap: double release of sector %d", i))
	}
	b.clear(i)
}

/// Test reports whether sector i is allocated.
func (b *Bitmap) Test(i int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.test(i)
}

/// FreeCount returns the number of unallocated sectors.
func (b *Bitmap) FreeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	free := 0
	for i := 0; i < b.n; i++ {
		if !b.test(i) {
			free++
		}
	}
	return free
}

func (b *Bitmap) set(i int)   { b.bits[i/8] |= 1 << uint(i%8) }
func (b *Bitmap) clear(i int) { b.bits[i/8] &^= 1 << uint(i%8) }
func (b *Bitmap) test(i int) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}
