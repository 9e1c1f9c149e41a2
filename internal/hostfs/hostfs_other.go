//go:build !linux

package hostfs

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

// OS returns an FS backed by the host kernel. Layer stacks can only be
// assembled on Linux; every operation of the returned FS fails elsewhere.
func OS() FS { return stubFS{} }

type stubFS struct{}

func unsupported(op, path string) error {
	return &os.PathError{Op: op, Path: path, Err: fmt.Errorf("unsupported on %s", runtime.GOOS)}
}

func (stubFS) Resolve(name string) (string, error)      { return "", unsupported("resolve", name) }
func (stubFS) Stat(path string) (Attr, error)           { return Attr{}, unsupported("stat", path) }
func (stubFS) Lstat(path string) (Attr, error)          { return Attr{}, unsupported("lstat", path) }
func (stubFS) Statfs(path string) (Statfs, error)       { return Statfs{}, unsupported("statfs", path) }
func (stubFS) MountInfo(path string) (MountInfo, error) { return MountInfo{}, unsupported("mountinfo", path) }
func (stubFS) Pin(path string) (io.Closer, error)       { return nil, unsupported("open", path) }
func (stubFS) Mkdir(path string, _ os.FileMode) error   { return unsupported("mkdir", path) }
func (stubFS) Chmod(path string, _ os.FileMode) error   { return unsupported("chmod", path) }
func (stubFS) Remove(path string) error                 { return unsupported("remove", path) }
func (stubFS) ReadDir(path string) ([]DirEntry, error)  { return nil, unsupported("getdents", path) }
func (stubFS) RemoveXattr(path, _ string) error         { return unsupported("removexattr", path) }
func (stubFS) Tmpfile(dir string, _ os.FileMode) (io.Closer, error) {
	return nil, unsupported("tmpfile", dir)
}
