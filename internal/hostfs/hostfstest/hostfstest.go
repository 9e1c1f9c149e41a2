// Package hostfstest provides an in-memory hostfs.FS for tests. It models a
// single directory tree split into mounts, each with its own statfs result,
// and allows injecting errors into individual operations.
//
// Bind mounts make a directory visible at a second path. Nodes are stored
// under their original path; paths below a bind mount are translated before
// every lookup.
package hostfstest

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/rfratto/layerstack/internal/hostfs"
)

// DefaultStatfs is the statfs result of the root mount of a new FS.
var DefaultStatfs = hostfs.Statfs{
	Type:    hostfs.MagicExt,
	NameMax: 255,
}

const maxSymlinks = 40

// FS is an in-memory hostfs.FS. The zero value is not usable; use New.
type FS struct {
	mut     sync.Mutex
	nodes   map[string]*node
	mounts  []*mount
	faults  map[fault]error
	nextIno uint64
	pins    int
}

var _ hostfs.FS = (*FS)(nil)

type node struct {
	mode   os.FileMode
	target string // Symlink target
	xattrs map[string]struct{}
	ino    uint64
	dev    uint64
}

type mount struct {
	id        int
	root      string
	source    string // Original path of a bind mount.
	dev       uint64
	statfs    hostfs.Statfs
	superOpts string
	noDType   bool
	noTmpfile bool
	noXattr   bool
}

type fault struct {
	op, path string
}

// MountOption customizes a mount created with FS.Mount.
type MountOption func(*mount)

// WithoutDType makes ReadDir on the mount report unknown entry types.
func WithoutDType() MountOption { return func(m *mount) { m.noDType = true } }

// WithoutTmpfile makes Tmpfile on the mount fail with EOPNOTSUPP.
func WithoutTmpfile() MountOption { return func(m *mount) { m.noTmpfile = true } }

// WithoutXattr makes RemoveXattr on the mount fail with EOPNOTSUPP.
func WithoutXattr() MountOption { return func(m *mount) { m.noXattr = true } }

// WithSuperOptions sets the super options reported by MountInfo. Overlay
// mounts name their layers here, like "lowerdir=/l1:/l2,upperdir=/u".
func WithSuperOptions(opts string) MountOption {
	return func(m *mount) { m.superOpts = opts }
}

// New returns an FS containing only a root directory on a local filesystem.
func New() *FS {
	f := &FS{
		nodes:  make(map[string]*node),
		faults: make(map[fault]error),
	}
	f.mounts = []*mount{{id: 1, root: "/", dev: 1, statfs: DefaultStatfs}}
	f.nodes["/"] = f.newNode("/", os.ModeDir|0755)
	return f
}

func (f *FS) newNode(p string, mode os.FileMode) *node {
	f.nextIno++
	return &node{mode: mode, ino: f.nextIno, dev: f.mountFor(p).dev}
}

// mountFor returns the mount with the longest root containing p. Later
// mounts hide earlier ones at the same root.
func (f *FS) mountFor(p string) *mount {
	var best *mount
	for _, m := range f.mounts {
		if within(p, m.root) && (best == nil || len(m.root) >= len(best.root)) {
			best = m
		}
	}
	return best
}

// stored translates p through bind mounts to the path its node is stored at.
func (f *FS) stored(p string) string {
	for {
		m := f.mountFor(p)
		if m.source == "" {
			return p
		}
		p = path.Join(m.source, strings.TrimPrefix(p, m.root))
	}
}

func (f *FS) lookup(p string) (*node, bool) {
	n, ok := f.nodes[f.stored(p)]
	return n, ok
}

func within(p, root string) bool {
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// Mount creates a directory at root (if needed) and makes it the root of a
// new mount with the given statfs result.
func (f *FS) Mount(root string, st hostfs.Statfs, opts ...MountOption) {
	f.mut.Lock()
	defer f.mut.Unlock()

	root = clean(root)
	f.mkdirAllLocked(root)
	sp := f.stored(root)

	m := &mount{id: len(f.mounts) + 1, root: root, dev: uint64(len(f.mounts) + 1), statfs: st}
	for _, o := range opts {
		o(m)
	}
	f.mounts = append(f.mounts, m)
	f.nodes[sp].dev = m.dev
}

// Bind makes the directory at source also visible at target, like
// mount --bind. The new mount shares the device and statfs result of the
// mount containing source but has its own mount ID.
func (f *FS) Bind(source, target string, opts ...MountOption) {
	f.mut.Lock()
	defer f.mut.Unlock()

	source, target = clean(source), clean(target)
	src := f.mountFor(source)
	f.mkdirAllLocked(target)

	m := &mount{
		id:        len(f.mounts) + 1,
		root:      target,
		source:    f.stored(source),
		dev:       src.dev,
		statfs:    src.statfs,
		superOpts: src.superOpts,
		noDType:   src.noDType,
		noTmpfile: src.noTmpfile,
		noXattr:   src.noXattr,
	}
	for _, o := range opts {
		o(m)
	}
	f.mounts = append(f.mounts, m)
}

// MkdirAll creates a directory and all of its parents.
func (f *FS) MkdirAll(p string) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.mkdirAllLocked(clean(p))
}

func (f *FS) mkdirAllLocked(p string) {
	if _, ok := f.lookup(p); ok {
		return
	}
	f.mkdirAllLocked(path.Dir(p))
	sp := f.stored(p)
	f.nodes[sp] = f.newNode(sp, os.ModeDir|0755)
}

// WriteFile creates a regular file, creating parent directories as needed.
func (f *FS) WriteFile(p string) {
	f.mut.Lock()
	defer f.mut.Unlock()

	p = clean(p)
	f.mkdirAllLocked(path.Dir(p))
	sp := f.stored(p)
	f.nodes[sp] = f.newNode(sp, 0644)
}

// Symlink creates a symbolic link at p pointing to target.
func (f *FS) Symlink(target, p string) {
	f.mut.Lock()
	defer f.mut.Unlock()

	p = clean(p)
	f.mkdirAllLocked(path.Dir(p))
	sp := f.stored(p)
	n := f.newNode(sp, os.ModeSymlink|0777)
	n.target = target
	f.nodes[sp] = n
}

// SetXattr sets an extended attribute on p.
func (f *FS) SetXattr(p, name string) {
	f.mut.Lock()
	defer f.mut.Unlock()

	n, _ := f.lookup(clean(p))
	if n.xattrs == nil {
		n.xattrs = make(map[string]struct{})
	}
	n.xattrs[name] = struct{}{}
}

// HasXattr reports whether p has the named extended attribute.
func (f *FS) HasXattr(p, name string) bool {
	f.mut.Lock()
	defer f.mut.Unlock()

	n, ok := f.lookup(clean(p))
	if !ok {
		return false
	}
	_, found := n.xattrs[name]
	return found
}

// Exists reports whether anything exists at p, without following symlinks.
func (f *FS) Exists(p string) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	_, ok := f.lookup(clean(p))
	return ok
}

// Mode returns the mode of p, or zero if p doesn't exist.
func (f *FS) Mode(p string) os.FileMode {
	f.mut.Lock()
	defer f.mut.Unlock()
	if n, ok := f.lookup(clean(p)); ok {
		return n.mode
	}
	return 0
}

// Fail makes every future call of op on p return err. op is the name of the
// hostfs.FS method in lower case, such as "mkdir" or "statfs". Passing a nil
// err removes the fault.
func (f *FS) Fail(op, p string, err error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	key := fault{op: op, path: clean(p)}
	if err == nil {
		delete(f.faults, key)
		return
	}
	f.faults[key] = err
}

// OpenPins returns the number of pins which haven't been closed.
func (f *FS) OpenPins() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.pins
}

func (f *FS) faultLocked(op, p string) error {
	if err, ok := f.faults[fault{op: op, path: clean(p)}]; ok {
		return &os.PathError{Op: op, Path: p, Err: err}
	}
	return nil
}

func clean(p string) string {
	if !path.IsAbs(p) {
		p = "/" + p
	}
	return path.Clean(p)
}

func pathErr(op, p string, err error) error {
	return &os.PathError{Op: op, Path: p, Err: err}
}

// resolveLocked resolves p to a path in nodes. Symlinks in intermediate
// components are always followed; the final component is followed when
// follow is true.
func (f *FS) resolveLocked(op, p string, follow bool, depth int) (string, error) {
	if depth > maxSymlinks {
		return "", pathErr(op, p, syscall.ELOOP)
	}

	p = clean(p)
	if p == "/" {
		return p, nil
	}

	comps := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := "/"
	for i, comp := range comps {
		next := path.Join(cur, comp)
		last := i == len(comps)-1

		n, ok := f.lookup(next)
		if !ok {
			return "", pathErr(op, p, syscall.ENOENT)
		}
		if n.mode&os.ModeSymlink != 0 && (!last || follow) {
			target := n.target
			if !path.IsAbs(target) {
				target = path.Join(cur, target)
			}
			resolved, err := f.resolveLocked(op, target, true, depth+1)
			if err != nil {
				return "", err
			}
			next = resolved
			n, _ = f.lookup(next)
		}
		if !last && !n.mode.IsDir() {
			return "", pathErr(op, p, syscall.ENOTDIR)
		}
		cur = next
	}
	return cur, nil
}

// Resolve implements hostfs.FS.
func (f *FS) Resolve(name string) (string, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("resolve", name); err != nil {
		return "", err
	}
	return f.resolveLocked("resolve", name, true, 0)
}

func (f *FS) attr(p string) hostfs.Attr {
	n, _ := f.lookup(p)
	return hostfs.Attr{Mode: n.mode, Dev: n.dev, Ino: n.ino}
}

// Stat implements hostfs.FS.
func (f *FS) Stat(p string) (hostfs.Attr, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("stat", p); err != nil {
		return hostfs.Attr{}, err
	}
	resolved, err := f.resolveLocked("stat", p, true, 0)
	if err != nil {
		return hostfs.Attr{}, err
	}
	return f.attr(resolved), nil
}

// Lstat implements hostfs.FS.
func (f *FS) Lstat(p string) (hostfs.Attr, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("lstat", p); err != nil {
		return hostfs.Attr{}, err
	}
	resolved, err := f.resolveLocked("lstat", p, false, 0)
	if err != nil {
		return hostfs.Attr{}, err
	}
	return f.attr(resolved), nil
}

// Statfs implements hostfs.FS.
func (f *FS) Statfs(p string) (hostfs.Statfs, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("statfs", p); err != nil {
		return hostfs.Statfs{}, err
	}
	resolved, err := f.resolveLocked("statfs", p, true, 0)
	if err != nil {
		return hostfs.Statfs{}, err
	}
	return f.mountFor(resolved).statfs, nil
}

// MountInfo implements hostfs.FS.
func (f *FS) MountInfo(p string) (hostfs.MountInfo, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("mountinfo", p); err != nil {
		return hostfs.MountInfo{}, err
	}
	resolved, err := f.resolveLocked("mountinfo", p, true, 0)
	if err != nil {
		return hostfs.MountInfo{}, err
	}

	m := f.mountFor(resolved)
	info := hostfs.MountInfo{
		ID:           m.id,
		Mountpoint:   m.root,
		Root:         "/",
		FSType:       m.statfs.Type.String(),
		SuperOptions: m.superOpts,
	}
	if m.source != "" {
		info.Root = m.source
	}
	return info, nil
}

// Pin implements hostfs.FS.
func (f *FS) Pin(p string) (io.Closer, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("pin", p); err != nil {
		return nil, err
	}
	if _, err := f.resolveLocked("pin", p, true, 0); err != nil {
		return nil, err
	}
	f.pins++
	return &pin{fs: f}, nil
}

type pin struct {
	fs   *FS
	once sync.Once
}

func (p *pin) Close() error {
	p.once.Do(func() {
		p.fs.mut.Lock()
		defer p.fs.mut.Unlock()
		p.fs.pins--
	})
	return nil
}

// parentLocked resolves the parent of p and returns the full path of the
// entry p names within it.
func (f *FS) parentLocked(op, p string) (string, error) {
	p = clean(p)
	dir, err := f.resolveLocked(op, path.Dir(p), true, 0)
	if err != nil {
		return "", err
	}
	if n, _ := f.lookup(dir); !n.mode.IsDir() {
		return "", pathErr(op, p, syscall.ENOTDIR)
	}
	return path.Join(dir, path.Base(p)), nil
}

func (f *FS) writableLocked(op, p string) error {
	if f.mountFor(p).statfs.Flags&hostfs.MountReadOnly != 0 {
		return pathErr(op, p, syscall.EROFS)
	}
	return nil
}

// Mkdir implements hostfs.FS.
func (f *FS) Mkdir(p string, perm os.FileMode) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("mkdir", p); err != nil {
		return err
	}
	full, err := f.parentLocked("mkdir", p)
	if err != nil {
		return err
	}
	sp := f.stored(full)
	if _, exist := f.nodes[sp]; exist {
		return pathErr("mkdir", p, syscall.EEXIST)
	}
	if err := f.writableLocked("mkdir", full); err != nil {
		return err
	}
	f.nodes[sp] = f.newNode(sp, os.ModeDir|perm.Perm())
	return nil
}

// Chmod implements hostfs.FS.
func (f *FS) Chmod(p string, perm os.FileMode) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("chmod", p); err != nil {
		return err
	}
	resolved, err := f.resolveLocked("chmod", p, true, 0)
	if err != nil {
		return err
	}
	if err := f.writableLocked("chmod", resolved); err != nil {
		return err
	}
	n, _ := f.lookup(resolved)
	n.mode = n.mode.Type() | perm.Perm()
	return nil
}

// Remove implements hostfs.FS.
func (f *FS) Remove(p string) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("remove", p); err != nil {
		return err
	}
	full, err := f.parentLocked("remove", p)
	if err != nil {
		return err
	}
	sp := f.stored(full)
	n, ok := f.nodes[sp]
	if !ok {
		return pathErr("remove", p, syscall.ENOENT)
	}
	if err := f.writableLocked("remove", full); err != nil {
		return err
	}
	if n.mode.IsDir() && len(f.childrenLocked(sp)) > 0 {
		return pathErr("remove", p, syscall.ENOTEMPTY)
	}
	delete(f.nodes, sp)
	return nil
}

// childrenLocked returns the stored paths of the children of the stored
// directory dir.
func (f *FS) childrenLocked(dir string) []string {
	var res []string
	for p := range f.nodes {
		if p != dir && path.Dir(p) == dir {
			res = append(res, p)
		}
	}
	sort.Strings(res)
	return res
}

// ReadDir implements hostfs.FS.
func (f *FS) ReadDir(p string) ([]hostfs.DirEntry, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("readdir", p); err != nil {
		return nil, err
	}
	resolved, err := f.resolveLocked("readdir", p, true, 0)
	if err != nil {
		return nil, err
	}
	if n, _ := f.lookup(resolved); !n.mode.IsDir() {
		return nil, pathErr("readdir", p, syscall.ENOTDIR)
	}

	noDType := f.mountFor(resolved).noDType

	var res []hostfs.DirEntry
	for _, child := range f.childrenLocked(f.stored(resolved)) {
		ent := hostfs.DirEntry{Name: path.Base(child)}
		if noDType {
			ent.Type = os.ModeIrregular
		} else {
			ent.Type, ent.TypeKnown = f.nodes[child].mode.Type(), true
		}
		res = append(res, ent)
	}
	return res, nil
}

// RemoveXattr implements hostfs.FS.
func (f *FS) RemoveXattr(p, name string) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("removexattr", p); err != nil {
		return err
	}
	resolved, err := f.resolveLocked("removexattr", p, true, 0)
	if err != nil {
		return err
	}
	if f.mountFor(resolved).noXattr {
		return pathErr("removexattr", p, syscall.EOPNOTSUPP)
	}
	n, _ := f.lookup(resolved)
	if _, ok := n.xattrs[name]; !ok {
		return pathErr("removexattr", p, syscall.ENODATA)
	}
	delete(n.xattrs, name)
	return nil
}

// Tmpfile implements hostfs.FS.
func (f *FS) Tmpfile(dir string, perm os.FileMode) (io.Closer, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.faultLocked("tmpfile", dir); err != nil {
		return nil, err
	}
	resolved, err := f.resolveLocked("tmpfile", dir, true, 0)
	if err != nil {
		return nil, err
	}
	if n, _ := f.lookup(resolved); !n.mode.IsDir() {
		return nil, pathErr("tmpfile", dir, syscall.ENOTDIR)
	}
	if f.mountFor(resolved).noTmpfile {
		return nil, pathErr("tmpfile", dir, syscall.EOPNOTSUPP)
	}
	if err := f.writableLocked("tmpfile", resolved); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("")), nil
}
