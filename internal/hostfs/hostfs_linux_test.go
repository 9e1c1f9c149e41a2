//go:build linux

package hostfs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOS_Resolve(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Mkdir(target, 0755))
	require.NoError(t, os.Symlink(target, link))

	fs := OS()

	resolved, err := fs.Resolve(link)
	require.NoError(t, err)

	expect, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	require.Equal(t, expect, resolved)

	_, err = fs.Resolve(filepath.Join(dir, "missing"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOS_StatAndLstat(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(dir, link))

	fs := OS()

	st, err := fs.Stat(link)
	require.NoError(t, err)
	require.True(t, st.IsDir())

	lst, err := fs.Lstat(link)
	require.NoError(t, err)
	require.Equal(t, os.ModeSymlink, lst.Mode.Type())

	orig, err := fs.Stat(dir)
	require.NoError(t, err)
	require.True(t, orig.SameFile(st))
	require.False(t, orig.SameFile(lst))
}

func TestOS_Statfs(t *testing.T) {
	st, err := OS().Statfs(t.TempDir())
	require.NoError(t, err)
	require.Greater(t, st.NameMax, 0)
	require.NotZero(t, st.Type)
}

func TestOS_ReadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	ents, err := OS().ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	byName := map[string]DirEntry{}
	for _, ent := range ents {
		byName[ent.Name] = ent
	}
	require.Contains(t, byName, "sub")
	require.Contains(t, byName, "file")

	// Most local filesystems report types; only check them when they do.
	if ent := byName["sub"]; ent.TypeKnown {
		assert.True(t, ent.Type.IsDir())
	}
	if ent := byName["file"]; ent.TypeKnown {
		assert.True(t, ent.Type.IsRegular())
	}
}

func TestOS_MkdirChmodRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work")
	fs := OS()

	require.NoError(t, fs.Mkdir(path, 0755))
	err := fs.Mkdir(path, 0755)
	require.True(t, errors.Is(err, syscall.EEXIST))

	require.NoError(t, fs.Chmod(path, 0))
	st, err := fs.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0), st.Mode.Perm())

	require.NoError(t, fs.Remove(path))
	_, err = fs.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOS_RemoveXattr_Missing(t *testing.T) {
	err := OS().RemoveXattr(t.TempDir(), "system.posix_acl_default")
	require.Error(t, err)
	require.True(t, errors.Is(err, syscall.ENODATA) || errors.Is(err, syscall.EOPNOTSUPP), "unexpected error %v", err)
}

func TestOS_Pin(t *testing.T) {
	c, err := OS().Pin(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = OS().Pin(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestOS_MountInfo(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	mi, err := OS().MountInfo(dir)
	require.NoError(t, err)
	require.Greater(t, mi.ID, 0)
	require.NotEmpty(t, mi.FSType)
	require.True(t, under(dir, mi.Mountpoint), "%s is not under %s", dir, mi.Mountpoint)

	root, err := OS().MountInfo("/")
	require.NoError(t, err)
	require.Equal(t, "/", root.Mountpoint)
}

func TestUnder(t *testing.T) {
	require.True(t, under("/a/b", "/"))
	require.True(t, under("/a/b", "/a"))
	require.True(t, under("/a", "/a"))
	require.False(t, under("/ab", "/a"))
	require.False(t, under("/", "/a"))
}

// dirent encodes a linux_dirent64 record padded to eight bytes.
func dirent(name string, typ uint8) []byte {
	buf := make([]byte, (direntNameOff+len(name)+1+7)&^7)
	buf[direntTypeOff] = typ
	copy(buf[direntNameOff:], name)
	return withReclen(buf, len(buf))
}

func withReclen(buf []byte, reclen int) []byte {
	*(*uint16)(unsafe.Pointer(&buf[direntReclenOff])) = uint16(reclen)
	return buf
}

func TestParseDirents(t *testing.T) {
	var buf []byte
	buf = append(buf, dirent(".", syscall.DT_DIR)...)
	buf = append(buf, dirent("..", syscall.DT_DIR)...)
	buf = append(buf, dirent("dir", syscall.DT_DIR)...)
	buf = append(buf, dirent("file", syscall.DT_REG)...)
	buf = append(buf, dirent("unknown", syscall.DT_UNKNOWN)...)

	ents, err := parseDirents(nil, buf)
	require.NoError(t, err)
	require.Equal(t, []DirEntry{
		{Name: "dir", Type: os.ModeDir, TypeKnown: true},
		{Name: "file", Type: 0, TypeKnown: true},
		{Name: "unknown", Type: os.ModeIrregular, TypeKnown: false},
	}, ents)
}

func TestParseDirents_Corrupt(t *testing.T) {
	tt := []struct {
		name string
		buf  []byte
	}{
		{"zero reclen", withReclen(dirent("a", syscall.DT_REG), 0)},
		{"reclen inside header", withReclen(dirent("a", syscall.DT_REG), 8)},
		{"reclen without name", withReclen(dirent("a", syscall.DT_REG), direntNameOff)},
		{"reclen past buffer", dirent("a", syscall.DT_REG)[:direntNameOff+2]},
		{"truncated header", []byte{1, 2, 3}},
	}

	for _, tc := range tt {
		require.NotPanics(t, func() {
			_, err := parseDirents(nil, tc.buf)
			require.True(t, errors.Is(err, syscall.EIO), tc.name)
		}, tc.name)
	}
}
