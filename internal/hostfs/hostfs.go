// Package hostfs abstracts the host filesystem operations needed to assemble
// a layer stack: path resolution, stat/statfs queries, and the handful of
// mutations performed on the work directory.
//
// OS returns the implementation backed by the running kernel. Tests that need
// conditions a process cannot easily create (read-only mounts, network
// filesystems, nested overlays) use the hostfstest package instead.
//
// Errors returned by an FS are *os.PathError values wrapping the underlying
// errno, so callers can match them with errors.Is(err, os.ErrNotExist) or
// errors.Is(err, syscall.EEXIST).
package hostfs

import (
	"io"
	"os"
)

// FS is a host filesystem.
type FS interface {
	// Resolve returns the absolute, symlink-free form of name. The final
	// component is followed if it is a symbolic link.
	Resolve(name string) (string, error)

	// Stat returns attributes of path, following symbolic links.
	Stat(path string) (Attr, error)

	// Lstat returns attributes of path without following a final symbolic
	// link.
	Lstat(path string) (Attr, error)

	// Statfs returns statistics of the filesystem containing path.
	Statfs(path string) (Statfs, error)

	// MountInfo describes the mount containing path. path must already be
	// resolved.
	MountInfo(path string) (MountInfo, error)

	// Pin opens a reference to the directory at path which keeps it
	// reachable until the returned Closer is closed.
	Pin(path string) (io.Closer, error)

	// Mkdir creates a directory with the given permission bits.
	Mkdir(path string, perm os.FileMode) error

	// Chmod changes only the permission bits of path.
	Chmod(path string, perm os.FileMode) error

	// Remove unlinks a non-directory or removes an empty directory.
	Remove(path string) error

	// ReadDir lists the entries of a directory, excluding "." and "..".
	// Entry types are reported as the filesystem returns them during
	// iteration; they are not filled in with extra stat calls.
	ReadDir(path string) ([]DirEntry, error)

	// RemoveXattr removes an extended attribute from path.
	RemoveXattr(path, name string) error

	// Tmpfile creates an unnamed temporary file inside dir.
	Tmpfile(dir string, perm os.FileMode) (io.Closer, error)
}

// Attr holds the attributes of a single file.
type Attr struct {
	Mode os.FileMode
	Dev  uint64
	Ino  uint64
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool { return a.Mode.IsDir() }

// SameFile reports whether a and b describe the same file.
func (a Attr) SameFile(b Attr) bool { return a.Dev == b.Dev && a.Ino == b.Ino }

// Statfs holds filesystem statistics.
type Statfs struct {
	Type    Magic      // Filesystem type.
	NameMax int        // Maximum length of a filename.
	Flags   MountFlags // Mount flags.
	FSID    [2]int32   // Filesystem ID.
}

// MountInfo describes a mount. Bind mounts of the same filesystem share
// Statfs results but have distinct IDs.
type MountInfo struct {
	ID           int    // Unique mount ID.
	Mountpoint   string // Where the mount is attached.
	Root         string // Directory of the filesystem mounted at Mountpoint.
	FSType       string // Filesystem type name, like "overlay".
	SuperOptions string // Per-superblock options, escaped as the kernel shows them.
}

// MountFlags is a set of mount flags reported by statfs.
type MountFlags uint32

// Mount flags.
const (
	MountReadOnly MountFlags = 1 << iota
	MountNoSuid
	MountNoDev
	MountNoExec
	MountNoAtime
	MountNoDirAtime
	MountRelAtime
)

// AtimeFlags is every flag which affects access-time updates.
const AtimeFlags = MountNoAtime | MountNoDirAtime | MountRelAtime

// DirEntry is a single directory entry returned by ReadDir.
type DirEntry struct {
	Name string

	// Type holds the file type bits of the entry. It is only meaningful when
	// TypeKnown is true.
	Type      os.FileMode
	TypeKnown bool
}
