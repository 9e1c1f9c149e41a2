package hostfs

import (
	"os"
	"strings"
	"syscall"

	"github.com/rfratto/layerstack/internal/lowerdir"
)

// maxOverlayNesting bounds how far StackDepth follows overlay layers.
const maxOverlayNesting = 16

// StackDepth returns how many stacked filesystems lie at and below the
// resolved path. Overlay mounts are one deeper than their deepest layer;
// every other filesystem is a leaf.
//
// Layers of an overlay are found from its super options. A layer which
// resolves back into the overlay itself was mounted over and can no longer
// be inspected; it counts as a leaf.
func StackDepth(fs FS, path string) (int, error) {
	return stackDepth(fs, path, 0)
}

func stackDepth(fs FS, path string, nesting int) (int, error) {
	if nesting > maxOverlayNesting {
		return 0, &os.PathError{Op: "stackdepth", Path: path, Err: syscall.ELOOP}
	}

	mi, err := fs.MountInfo(path)
	if err != nil {
		return 0, err
	}
	if mi.FSType != MagicOverlayFS.String() {
		return 0, nil
	}

	var deepest int
	for _, dir := range OverlayLayers(mi.SuperOptions) {
		resolved, err := fs.Resolve(dir)
		if err != nil {
			return 0, err
		}
		if sub, err := fs.MountInfo(resolved); err != nil {
			return 0, err
		} else if sub.ID == mi.ID {
			continue
		}

		depth, err := stackDepth(fs, resolved, nesting+1)
		if err != nil {
			return 0, err
		}
		if depth > deepest {
			deepest = depth
		}
	}
	return deepest + 1, nil
}

// OverlayLayers returns the upper and lower directories named by the super
// options of an overlay mount.
func OverlayLayers(opts string) []string {
	var dirs []string
	for _, opt := range strings.Split(opts, ",") {
		eq := strings.IndexByte(opt, '=')
		if eq < 0 {
			continue
		}
		key, val := opt[:eq], UnescapeOption(opt[eq+1:])

		switch key {
		case "lowerdir":
			for _, dir := range lowerdir.Split(val) {
				// Data-only layers follow a "::" separator.
				if dir != "" {
					dirs = append(dirs, dir)
				}
			}
		case "upperdir", "lowerdir+", "datadir+":
			dirs = append(dirs, val)
		}
	}
	return dirs
}

// UnescapeOption reverses the octal escaping the kernel applies to mount
// option values, such as "\054" for a comma.
func UnescapeOption(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			sb.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
