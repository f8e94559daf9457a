// Package defs holds the error-code, identifier, and device-role
// vocabulary shared by every kernel-core subsystem, the way biscuit's
// own defs package holds cross-cutting constants used by fs, vm, and fd.
package defs

/// Err_t is the kernel-wide error return: zero on success, one of the
/// small positive constants below on failure. Operations that can fail recoverably
/// (path errors, exhaustion surfaced to a caller) return an Err_t;
/// invariant violations panic instead, matching biscuit's own
/// panic-on-corruption style.
type Err_t int

// Recoverable error codes returned to callers. They are returned and
// compared as these positive values; no call site negates them.
const (
	EFAULT       Err_t = 1  /// bad user/virtual address
	ENOMEM       Err_t = 2  /// no physical frames available
	EINVAL       Err_t = 3  /// invalid argument
	ENAMETOOLONG Err_t = 4  /// path component exceeds NAME_MAX
	ENOHEAP      Err_t = 5  /// resource-bound check failed mid-copy
	ENOSPC       Err_t = 6  /// no free sectors/swap slots remain
	EEXIST       Err_t = 7  /// create target already exists
	ENOENT       Err_t = 8  /// path component not found
	ENOTDIR      Err_t = 9  /// expected a directory, found a file
	EISDIR       Err_t = 10 /// expected a file, found a directory
	ENOTEMPTY    Err_t = 11 /// rmdir of a non-empty directory
	EIO          Err_t = 12 /// underlying block device I/O failure
	EMFILE       Err_t = 13 /// descriptor table exhausted
	EBADF        Err_t = 14 /// fd does not refer to an open file
)

/// Tid_t identifies the task (thread/process) on whose behalf a
/// memory or filesystem operation runs; used to key per-task state
/// such as the SPT and the mmap registry.
type Tid_t int

/// Sector identifies one fixed-size unit of device I/O. Matches the
/// width of the sector-index fields packed into the on-disk inode and
/// indirect blocks (see internal/inode).
type Sector uint32

/// Role names a block device by its function rather than its bus
/// position, the way biscuit's ufs driver resolves a disk by role
/// before binding it to the filesystem.
type Role string

const (
	RoleFilesys Role = "filesystem" /// the backing store for the fs facade
	RoleSwap    Role = "swap"       /// the backing store for the swap engine
)

/// NameMax is the per-path-component filename length cap (NAME_MAX).
const NameMax = 14

/// PageSize is the size of one virtual-memory page in bytes.
const PageSize = 4096

/// PhysBase is the boundary above which only the kernel may address;
/// user virtual addresses are strictly below PhysBase, matching
/// Pintos's PHYS_BASE.
const PhysBase = 0xC0000000

/// UserLow is the lowest valid user virtual address, matching Pintos's
/// convention of loading the user executable at 0x08048000.
const UserLow = 0x08048000
