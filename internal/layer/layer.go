// Package layer validates directories used as layers of a stack. A
// validated directory is represented by a Descriptor which keeps the
// directory pinned until it is released.
package layer

import (
	"fmt"
	"io"
	"path"
	"strings"
	"syscall"

	"github.com/rfratto/layerstack/internal/hostfs"
	"github.com/rfratto/layerstack/internal/lowerdir"
	"github.com/rfratto/layerstack/internal/mounterr"
	"go.uber.org/atomic"
)

// Descriptor is a validated layer directory. Descriptors are immutable
// except for their Mount, which is replaced once by Bind.
type Descriptor struct {
	Name   string      // Name as configured.
	Path   string      // Resolved path.
	Attr   hostfs.Attr // Attributes of the directory.
	Mount  *Mount      // Mount the directory lives on.
	Remote bool        // Whether the directory is on a network filesystem.

	pin      io.Closer
	released atomic.Bool
}

// Resolve validates name as a layer directory. name must already be
// unescaped.
func Resolve(fs hostfs.FS, name string) (*Descriptor, error) {
	if name == "" {
		return nil, mounterr.New(mounterr.CodeEmptyLowerdir, "")
	}

	path, err := fs.Resolve(name)
	if err != nil {
		return nil, mounterr.Wrap(mounterr.CodeResolve, name, err)
	}
	attr, err := fs.Stat(path)
	if err != nil {
		return nil, mounterr.Wrap(mounterr.CodeResolve, name, err)
	}
	st, err := fs.Statfs(path)
	if err != nil {
		return nil, mounterr.Wrap(mounterr.CodeStatfs, name, err)
	}

	if st.Type.Weird() {
		return nil, mounterr.Wrap(mounterr.CodeUnsupportedFS, name, fmt.Errorf("%s is not supported", st.Type))
	}
	if !attr.IsDir() {
		return nil, mounterr.New(mounterr.CodeNotDirectory, name)
	}

	mi, err := fs.MountInfo(path)
	if err != nil {
		return nil, mounterr.Wrap(mounterr.CodeStatfs, name, err)
	}
	var depth int
	if st.Type == hostfs.MagicOverlayFS {
		if depth, err = hostfs.StackDepth(fs, path); err != nil {
			return nil, mounterr.Wrap(mounterr.CodeStatfs, name, err)
		}
	}

	pin, err := fs.Pin(path)
	if err != nil {
		return nil, mounterr.Wrap(mounterr.CodeResolve, name, err)
	}

	return &Descriptor{
		Name:   name,
		Path:   path,
		Attr:   attr,
		Mount:  newMount(attr.Dev, st, mi.ID, depth),
		Remote: st.Type.Remote(),
		pin:    pin,
	}, nil
}

// ResolveUpper validates name as an upper or work directory. Unlike
// Resolve, name may contain escapes, and directories on network
// filesystems are rejected.
func ResolveUpper(fs hostfs.FS, name string) (*Descriptor, error) {
	name = lowerdir.Unescape(name)

	d, err := Resolve(fs, name)
	if err != nil {
		return nil, err
	}
	if d.Remote {
		_ = d.Release()
		return nil, mounterr.New(mounterr.CodeRemoteUpper, name)
	}
	return d, nil
}

// Release unpins the directory. Calls after the first are no-ops.
func (d *Descriptor) Release() error {
	if d == nil || !d.released.CAS(false, true) {
		return nil
	}
	if err := d.pin.Close(); err != nil {
		return fmt.Errorf("failed to release layer %s: %w", d.Path, err)
	}
	return nil
}

// Bind replaces d.Mount with a private clone. Lower layers are forced
// read-only and noatime; upper layers drop inherited atime flags.
func (d *Descriptor) Bind(lower bool) {
	if lower {
		d.Mount = d.Mount.Clone(hostfs.MountReadOnly|hostfs.MountNoAtime, 0)
	} else {
		d.Mount = d.Mount.Clone(0, hostfs.AtimeFlags)
	}
}

// Nested reports whether a and b are the same directory or one is an
// ancestor of the other. Ancestors are compared by inode, so a directory
// reached through a bind mount of the other is still nested.
func Nested(fs hostfs.FS, a, b *Descriptor) (bool, error) {
	if a.Attr.SameFile(b.Attr) || a.Path == b.Path {
		return true, nil
	}
	if within(a.Path, b.Path) || within(b.Path, a.Path) {
		return true, nil
	}

	if found, err := hasAncestor(fs, a.Path, b.Attr); found || err != nil {
		return found, err
	}
	return hasAncestor(fs, b.Path, a.Attr)
}

// hasAncestor walks up from the resolved dir looking for anc.
func hasAncestor(fs hostfs.FS, dir string, anc hostfs.Attr) (bool, error) {
	for dir != "/" {
		dir = path.Dir(dir)
		attr, err := fs.Stat(dir)
		if err != nil {
			return false, err
		}
		if attr.SameFile(anc) {
			return true, nil
		}
	}
	return false, nil
}

func within(path, root string) bool {
	if root == "/" {
		return true
	}
	return strings.HasPrefix(path, root+"/")
}

// Aggregate accumulates properties across every layer of a stack.
type Aggregate struct {
	NameMax    int  // Largest maximum filename length seen.
	StackDepth int  // Deepest stacking depth seen.
	Remote     bool // Whether any layer is remote.
}

// Add folds d into the aggregate.
func (a *Aggregate) Add(d *Descriptor) {
	if n := d.Mount.Statfs.NameMax; n > a.NameMax {
		a.NameMax = n
	}
	if depth := d.Mount.StackDepth(); depth > a.StackDepth {
		a.StackDepth = depth
	}
	if d.Remote {
		a.Remote = true
	}
}

// Mount is a filesystem mount that layers live on.
type Mount struct {
	ID     int           // Mount ID. Bind mounts of one filesystem differ.
	Dev    uint64        // Device ID shared by every file on the mount.
	Statfs hostfs.Statfs // Statfs result of the mount.
	Flags  hostfs.MountFlags

	// Depth is how many stacked filesystems lie at and below the mount.
	Depth int

	// Private is set for mounts created by Clone.
	Private bool

	writers *atomic.Int64
}

func newMount(dev uint64, st hostfs.Statfs, id, depth int) *Mount {
	return &Mount{
		ID:      id,
		Depth:   depth,
		Dev:     dev,
		Statfs:  st,
		Flags:   st.Flags,
		writers: atomic.NewInt64(0),
	}
}

// Same reports whether m and o are the same mount. Two bind mounts of one
// filesystem are different mounts.
func (m *Mount) Same(o *Mount) bool {
	return m.ID == o.ID && m.Dev == o.Dev && m.Statfs.FSID == o.Statfs.FSID
}

// ReadOnly reports whether m refuses writes.
func (m *Mount) ReadOnly() bool { return m.Flags&hostfs.MountReadOnly != 0 }

// StackDepth returns how many stacked filesystems lie at and below m.
func (m *Mount) StackDepth() int { return m.Depth }

// WantWrite registers an intent to write to m. Every successful call must
// be paired with DropWrite.
func (m *Mount) WantWrite() error {
	if m.ReadOnly() {
		return mounterr.Wrap(mounterr.CodeReadOnly, "", syscall.EROFS)
	}
	m.writers.Inc()
	return nil
}

// DropWrite releases a write intent taken by WantWrite.
func (m *Mount) DropWrite() { m.writers.Dec() }

// Writers returns the number of outstanding write intents.
func (m *Mount) Writers() int64 { return m.writers.Load() }

// Clone returns a private copy of m with set flags added and clear flags
// removed. The clone tracks write intents separately from m.
func (m *Mount) Clone(set, clear hostfs.MountFlags) *Mount {
	return &Mount{
		ID:      m.ID,
		Depth:   m.Depth,
		Dev:     m.Dev,
		Statfs:  m.Statfs,
		Flags:   (m.Flags | set) &^ clear,
		Private: true,
		writers: atomic.NewInt64(0),
	}
}
