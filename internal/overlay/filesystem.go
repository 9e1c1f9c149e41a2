package overlay

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/layerstack/internal/config"
	"github.com/rfratto/layerstack/internal/hostfs"
	"github.com/rfratto/layerstack/internal/layer"
	"github.com/rfratto/layerstack/internal/mounterr"
	"github.com/rfratto/layerstack/internal/revalidate"
	"github.com/rfratto/layerstack/internal/stack"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// Filesystem is an assembled layer stack. Everything except the read-only
// flag is immutable once Assemble returns.
type Filesystem struct {
	ID     uuid.UUID
	Config config.Config
	Stack  *stack.Stack

	// NameMax is the largest maximum filename length of any layer.
	NameMax int
	// StackDepth is the stacking depth of the filesystem itself.
	StackDepth int
	// Tmpfile is set when unnamed temporary files can be created in the
	// work directory.
	Tmpfile bool
	// DType is set when the upper layer reports directory entry types.
	DType bool

	// Ops revalidates cached entries.
	Ops revalidate.Ops

	// Warnings lists every degraded capability found during assembly.
	Warnings []*mounterr.Warning

	fs       hostfs.FS
	log      log.Logger
	readOnly atomic.Bool
	closed   atomic.Bool
}

// ReadOnly reports whether the filesystem refuses writes.
func (f *Filesystem) ReadOnly() bool { return f.readOnly.Load() }

// root returns the layer that answers for the root of the filesystem.
func (f *Filesystem) root() *layer.Descriptor {
	if f.Stack.Upper != nil {
		return f.Stack.Upper
	}
	return f.Stack.Lowers[0]
}

// Statfs returns the statistics of the upper layer, or the first lower layer
// of read-only stacks, reported as an overlay filesystem with the stack's
// maximum filename length.
func (f *Filesystem) Statfs() (hostfs.Statfs, error) {
	root := f.root()
	st, err := f.fs.Statfs(root.Path)
	if err != nil {
		return hostfs.Statfs{}, err
	}
	st.NameMax = f.NameMax
	st.Type = hostfs.MagicOverlayFS
	return st, nil
}

// Remount changes whether the filesystem is read-only. Stacks without an
// upper layer or a work directory can't be made writable.
func (f *Filesystem) Remount(readOnly bool) error {
	if !readOnly && (f.Stack.Upper == nil || f.Stack.Work == nil) {
		return mounterr.Wrap(mounterr.CodeReadOnly, "", syscall.EROFS)
	}
	if f.readOnly.Swap(readOnly) != readOnly {
		level.Info(f.log).Log("msg", "remounted layer stack", "read_only", readOnly)
	}
	return nil
}

// Close releases every layer of the stack. Calls after the first are no-ops.
func (f *Filesystem) Close() error {
	if !f.closed.CAS(false, true) {
		return nil
	}
	if err := f.Stack.Release(); err != nil {
		level.Error(f.log).Log("msg", "failed to release layer stack", "err", err)
		return err
	}
	level.Debug(f.log).Log("msg", "released layer stack")
	return nil
}

// ShowOptions returns the options of the filesystem in mount option syntax.
// redirect_dir is only listed when it differs from the default.
func (f *Filesystem) ShowOptions() string {
	var sb strings.Builder

	showOption(&sb, "lowerdir", f.Config.Lowerdir)
	if f.Config.HasUpper() {
		showOption(&sb, "upperdir", f.Config.Upperdir)
		showOption(&sb, "workdir", f.Config.Workdir)
	}
	if f.Config.DefaultPermissions {
		sb.WriteString(",default_permissions")
	}
	if f.Config.RedirectDir != config.DefaultRedirectDir {
		if f.Config.RedirectDir {
			sb.WriteString(",redirect_dir=on")
		} else {
			sb.WriteString(",redirect_dir=off")
		}
	}

	return strings.TrimPrefix(sb.String(), ",")
}

// showOption writes ",name=value", escaping characters in value which would
// break option parsing as an octal sequence.
func showOption(sb *strings.Builder, name, value string) {
	sb.WriteByte(',')
	sb.WriteString(name)
	sb.WriteByte('=')
	for i := 0; i < len(value); i++ {
		c := value[i]
		if strings.IndexByte(",= \t\n\\", c) >= 0 {
			fmt.Fprintf(sb, "\\%03o", c)
			continue
		}
		sb.WriteByte(c)
	}
}
