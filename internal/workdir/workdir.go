// Package workdir creates the work directory of a layer stack. The work
// directory lives next to the upper layer on the same mount and is used as
// scratch space for copy-up and whiteout operations.
package workdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/layerstack/internal/hostfs"
	"github.com/rfratto/layerstack/internal/layer"
	"go.uber.org/atomic"
)

// Name is the name of the directory created inside the configured workdir.
const Name = "work"

// ACL attributes stripped from a new work directory.
var aclXattrs = []string{
	"system.posix_acl_default",
	"system.posix_acl_access",
}

// Handle is a work directory owned by a layer stack.
type Handle struct {
	Path  string       // Path of the work directory.
	Mount *layer.Mount // Mount shared with the upper layer.

	pin      io.Closer
	released atomic.Bool
}

// Release unpins the work directory. Calls after the first are no-ops.
func (h *Handle) Release() error {
	if h == nil || !h.released.CAS(false, true) {
		return nil
	}
	if err := h.pin.Close(); err != nil {
		return fmt.Errorf("failed to release work directory %s: %w", h.Path, err)
	}
	return nil
}

// attempt is the state of the create loop.
type attempt int

const (
	attemptFirst        attempt = iota // Nothing has been cleaned up yet.
	attemptAfterCleanup                // A stale entry was cleaned up once.
)

// Create creates the work directory inside parent, replacing a stale entry
// left behind by a previous mount. A stale entry is cleaned up at most once;
// if the name is still taken afterwards, Create fails with EEXIST.
//
// Create holds a write intent on the upper mount and the lock for the
// (workdir, upperdir) pair for its whole duration.
func Create(ctx context.Context, l log.Logger, fs hostfs.FS, locker Locker, upper, parent *layer.Descriptor) (*Handle, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	mount := upper.Mount
	if err := mount.WantWrite(); err != nil {
		return nil, err
	}
	defer mount.DropWrite()

	unlock, err := locker.Lock(ctx, Key{Workdir: parent.Path, Upperdir: upper.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", parent.Path, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			level.Warn(l).Log("msg", "failed to unlock work directory", "path", parent.Path, "err", err)
		}
	}()

	path := filepath.Join(parent.Path, Name)

	for state := attemptFirst; ; state++ {
		_, err := fs.Lstat(path)
		if errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return nil, err
		}

		if state == attemptAfterCleanup {
			return nil, &os.PathError{Op: "mkdir", Path: path, Err: syscall.EEXIST}
		}

		level.Debug(l).Log("msg", "cleaning up stale work directory", "path", path)
		if err := Cleanup(fs, path, 0); err != nil {
			level.Debug(l).Log("msg", "stale work directory not fully removed", "path", path, "err", err)
		}
	}

	if err := fs.Mkdir(path, 0); err != nil {
		return nil, err
	}

	// Missing attributes and filesystems without ACL support are both fine.
	for _, name := range aclXattrs {
		err := fs.RemoveXattr(path, name)
		if err != nil && !errors.Is(err, syscall.ENODATA) && !errors.Is(err, syscall.EOPNOTSUPP) {
			return nil, err
		}
	}

	// Clear any inherited mode bits.
	if err := fs.Chmod(path, 0); err != nil {
		return nil, err
	}

	pin, err := fs.Pin(path)
	if err != nil {
		return nil, err
	}
	return &Handle{Path: path, Mount: mount, pin: pin}, nil
}

// Cleanup removes path. Non-directories and anything nested more than one
// level below the starting point are removed directly. A directory which
// can't be removed has its children cleaned up at level+1 before removal is
// tried again.
//
// Cleanup is best effort: the returned error lists every removal that
// failed, and entries may be left behind.
func Cleanup(fs hostfs.FS, path string, lvl int) error {
	st, err := fs.Lstat(path)
	if err != nil {
		return err
	}

	if !st.IsDir() || lvl > 1 {
		return fs.Remove(path)
	}
	if fs.Remove(path) == nil {
		return nil
	}

	var errs *multierror.Error

	ents, err := fs.ReadDir(path)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, ent := range ents {
		if err := Cleanup(fs, filepath.Join(path, ent.Name), lvl+1); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := fs.Remove(path); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ProbeTmpfile reports whether unnamed temporary files can be created in
// the work directory.
func ProbeTmpfile(fs hostfs.FS, h *Handle) bool {
	f, err := fs.Tmpfile(h.Path, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

const dtypeProbeName = ".dtype-probe"

// SupportsDType reports whether the filesystem of dir reports entry types
// while iterating directories. An error is only returned when dir can't be
// iterated. If dir is empty, a probe directory is created in it for the
// duration of the check.
func SupportsDType(fs hostfs.FS, dir string) (_ bool, err error) {
	ents, err := fs.ReadDir(dir)
	if err != nil {
		return false, err
	}

	if len(ents) == 0 {
		probe := filepath.Join(dir, dtypeProbeName)
		if err := fs.Mkdir(probe, 0); err != nil {
			return false, err
		}
		defer func() {
			if rerr := fs.Remove(probe); rerr != nil && err == nil {
				err = rerr
			}
		}()

		if ents, err = fs.ReadDir(dir); err != nil {
			return false, err
		}
	}

	for _, ent := range ents {
		if ent.TypeKnown {
			return true, nil
		}
	}
	return false, nil
}
