//go:build linux

package hostfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// OS returns an FS backed by the host kernel.
func OS() FS { return osFS{} }

type osFS struct{}

func (osFS) Resolve(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", &os.PathError{Op: "resolve", Path: name, Err: err}
	}
	return filepath.EvalSymlinks(abs)
}

func (osFS) Stat(path string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Attr{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return attrFromStat(&st), nil
}

func (osFS) Lstat(path string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Attr{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return attrFromStat(&st), nil
}

func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Mode: toNativeMode(uint32(st.Mode)),
		Dev:  uint64(st.Dev),
		Ino:  uint64(st.Ino),
	}
}

func toNativeMode(in uint32) os.FileMode {
	out := os.FileMode(in & 0777)
	switch in & unix.S_IFMT {
	case unix.S_IFBLK:
		out |= os.ModeDevice
	case unix.S_IFCHR:
		out |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFDIR:
		out |= os.ModeDir
	case unix.S_IFIFO:
		out |= os.ModeNamedPipe
	case unix.S_IFLNK:
		out |= os.ModeSymlink
	case unix.S_IFREG:
		// nothing to do
	case unix.S_IFSOCK:
		out |= os.ModeSocket
	}
	if in&unix.S_ISGID != 0 {
		out |= os.ModeSetgid
	}
	if in&unix.S_ISUID != 0 {
		out |= os.ModeSetuid
	}
	if in&unix.S_ISVTX != 0 {
		out |= os.ModeSticky
	}
	return out
}

var statfsFlags = []struct {
	native uint64
	flag   MountFlags
}{
	{unix.ST_RDONLY, MountReadOnly},
	{unix.ST_NOSUID, MountNoSuid},
	{unix.ST_NODEV, MountNoDev},
	{unix.ST_NOEXEC, MountNoExec},
	{unix.ST_NOATIME, MountNoAtime},
	{unix.ST_NODIRATIME, MountNoDirAtime},
	{unix.ST_RELATIME, MountRelAtime},
}

func (osFS) Statfs(path string) (Statfs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Statfs{}, &os.PathError{Op: "statfs", Path: path, Err: err}
	}

	var flags MountFlags
	for _, f := range statfsFlags {
		if uint64(st.Flags)&f.native != 0 {
			flags |= f.flag
		}
	}

	return Statfs{
		// Magic numbers are 32 bits wide; truncate to avoid sign extension on
		// architectures where f_type is signed.
		Type:    Magic(uint32(st.Type)),
		NameMax: int(st.Namelen),
		Flags:   flags,
		FSID:    st.Fsid.Val,
	}, nil
}

func (osFS) MountInfo(path string) (MountInfo, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(path))
	if err != nil {
		return MountInfo{}, &os.PathError{Op: "mountinfo", Path: path, Err: err}
	}

	// Later entries are mounted on top of earlier ones at the same point.
	var best *mountinfo.Info
	for _, m := range mounts {
		if !under(path, m.Mountpoint) {
			continue
		}
		if best == nil || len(m.Mountpoint) >= len(best.Mountpoint) {
			best = m
		}
	}
	if best == nil {
		return MountInfo{}, &os.PathError{Op: "mountinfo", Path: path, Err: unix.ENOENT}
	}

	return MountInfo{
		ID:           best.ID,
		Mountpoint:   best.Mountpoint,
		Root:         best.Root,
		FSType:       best.FSType,
		SuperOptions: best.VFSOptions,
	}, nil
}

func under(path, root string) bool {
	if root == "/" || path == root {
		return true
	}
	return len(path) > len(root) && path[:len(root)] == root && path[len(root)] == '/'
}

func (osFS) Pin(path string) (io.Closer, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
}

func (osFS) Mkdir(path string, perm os.FileMode) error {
	return os.Mkdir(path, perm)
}

func (osFS) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm.Perm())
}

func (osFS) Remove(path string) error {
	return os.Remove(path)
}

func (osFS) RemoveXattr(path, name string) error {
	if err := unix.Removexattr(path, name); err != nil {
		return &os.PathError{Op: "removexattr", Path: path, Err: err}
	}
	return nil
}

func (osFS) Tmpfile(dir string, perm os.FileMode) (io.Closer, error) {
	fd, err := unix.Open(dir, unix.O_TMPFILE|unix.O_WRONLY|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return nil, &os.PathError{Op: "tmpfile", Path: dir, Err: err}
	}
	return os.NewFile(uintptr(fd), dir), nil
}

// Offsets within struct linux_dirent64.
const (
	direntReclenOff = 16
	direntTypeOff   = 18
	direntNameOff   = 19
)

func (osFS) ReadDir(path string) ([]DirEntry, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	defer unix.Close(fd)

	var (
		res []DirEntry
		buf = make([]byte, 8192)
	)
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return nil, &os.PathError{Op: "getdents", Path: path, Err: err}
		} else if n <= 0 {
			return res, nil
		}

		res, err = parseDirents(res, buf[:n])
		if err != nil {
			return nil, &os.PathError{Op: "getdents", Path: path, Err: err}
		}
	}
}

// parseDirents appends the entries of a getdents64 buffer to res.
func parseDirents(res []DirEntry, buf []byte) ([]DirEntry, error) {
	for off := 0; off < len(buf); {
		if off+direntNameOff > len(buf) {
			return nil, unix.EIO
		}
		reclen := int(*(*uint16)(unsafe.Pointer(&buf[off+direntReclenOff])))
		if reclen < direntNameOff+1 || off+reclen > len(buf) {
			return nil, unix.EIO
		}
		typ := buf[off+direntTypeOff]
		name := buf[off+direntNameOff : off+reclen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		off += reclen

		if s := string(name); s != "." && s != ".." {
			ent := DirEntry{Name: s}
			ent.Type, ent.TypeKnown = direntMode(typ)
			res = append(res, ent)
		}
	}
	return res, nil
}

func direntMode(typ uint8) (os.FileMode, bool) {
	switch typ {
	case unix.DT_REG:
		return 0, true
	case unix.DT_DIR:
		return os.ModeDir, true
	case unix.DT_LNK:
		return os.ModeSymlink, true
	case unix.DT_CHR:
		return os.ModeDevice | os.ModeCharDevice, true
	case unix.DT_BLK:
		return os.ModeDevice, true
	case unix.DT_FIFO:
		return os.ModeNamedPipe, true
	case unix.DT_SOCK:
		return os.ModeSocket, true
	}
	return os.ModeIrregular, false
}
