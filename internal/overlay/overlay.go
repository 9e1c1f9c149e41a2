// Package overlay assembles layer stacks. Assemble validates a Config,
// acquires every layer it names, creates the work directory, and returns a
// Filesystem that owns the result.
//
// Assembly either produces a complete Filesystem or fails and releases
// everything it acquired. The one failure which doesn't abort assembly is
// the work directory: when it can't be created, the Filesystem is demoted to
// read-only and the failure is reported as a warning.
package overlay

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/layerstack/internal/config"
	"github.com/rfratto/layerstack/internal/hostfs"
	"github.com/rfratto/layerstack/internal/layer"
	"github.com/rfratto/layerstack/internal/mounterr"
	"github.com/rfratto/layerstack/internal/revalidate"
	"github.com/rfratto/layerstack/internal/stack"
	"github.com/rfratto/layerstack/internal/workdir"
	uuid "github.com/satori/go.uuid"
)

// Options customize Assemble. The zero value uses the host filesystem.
type Options struct {
	// FS is the filesystem layers are found on. Defaults to hostfs.OS().
	FS hostfs.FS

	// Locker serializes work directory creation. Defaults to a lock shared
	// by every Assemble call in the process.
	Locker workdir.Locker

	// MaxDepth is the stacking depth ceiling. Defaults to stack.MaxDepth.
	MaxDepth int

	// Metrics is updated after every assembly when set.
	Metrics *Metrics
}

var processLocker = &workdir.KeyedMutex{}

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = hostfs.OS()
	}
	if o.Locker == nil {
		o.Locker = processLocker
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = stack.MaxDepth
	}
	return o
}

// State is a step of assembly.
type State int

// Assembly states, in order. Failed can be reached from any state.
const (
	StateStart State = iota
	StateParseConfig
	StateValidateUpperAndWork
	StateSplitLowerSpec
	StateValidateLowerStack
	StateEnforceDepthCeiling
	StateBindPrivateMounts
	StateCreateWorkdirOrDemote
	StateSelectRevalidationVariant
	StateAssembled
	StateFailed
)

var stateNames = [...]string{
	StateStart:                     "start",
	StateParseConfig:               "parse-config",
	StateValidateUpperAndWork:      "validate-upper-and-work",
	StateSplitLowerSpec:            "split-lower-spec",
	StateValidateLowerStack:        "validate-lower-stack",
	StateEnforceDepthCeiling:       "enforce-depth-ceiling",
	StateBindPrivateMounts:         "bind-private-mounts",
	StateCreateWorkdirOrDemote:     "create-workdir-or-demote",
	StateSelectRevalidationVariant: "select-revalidation-variant",
	StateAssembled:                 "assembled",
	StateFailed:                    "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state-%d", int(s))
}

// assembler holds everything acquired during a single Assemble call.
type assembler struct {
	log  log.Logger
	opts Options
	cfg  config.Config

	state State
	agg   layer.Aggregate
	names []string
	fs    *Filesystem
}

func (a *assembler) enter(next State) {
	level.Debug(a.log).Log("msg", "state transition", "from", a.state, "to", next)
	a.state = next
}

func (a *assembler) warn(w *mounterr.Warning) {
	level.Warn(a.log).Log("msg", "degraded layer stack", "code", w.Code, "err", w)
	a.fs.Warnings = append(a.fs.Warnings, w)
}

// Assemble builds the layer stack described by cfg. On error, every
// resource acquired so far has been released and the returned error is a
// *mounterr.Error for configuration and validation failures.
func Assemble(ctx context.Context, l log.Logger, cfg config.Config, opts Options) (_ *Filesystem, err error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	opts = opts.withDefaults()

	a := &assembler{
		log:  l,
		opts: opts,
		cfg:  cfg,
		fs: &Filesystem{
			ID:     uuid.NewV4(),
			Config: cfg,
			Stack:  &stack.Stack{},
			fs:     opts.FS,
		},
	}
	a.fs.log = log.With(l, "stack", a.fs.ID)

	defer func() {
		if err != nil {
			failedIn := a.state
			a.enter(StateFailed)
			if rerr := a.fs.Stack.Release(); rerr != nil {
				level.Warn(l).Log("msg", "failed to release layers after failed assembly", "err", rerr)
			}
			level.Error(l).Log("msg", "failed to assemble layer stack", "state", failedIn, "code", mounterr.CodeOf(err), "err", err)
			opts.Metrics.observe(nil, err)
			a.fs = nil
			return
		}
		opts.Metrics.observe(a.fs, nil)
	}()

	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{StateParseConfig, a.parseConfig},
		{StateValidateUpperAndWork, a.validateUpperAndWork},
		{StateSplitLowerSpec, a.splitLowerSpec},
		{StateValidateLowerStack, a.validateLowerStack},
		{StateEnforceDepthCeiling, a.enforceDepthCeiling},
		{StateBindPrivateMounts, a.bindPrivateMounts},
		{StateCreateWorkdirOrDemote, a.createWorkdirOrDemote},
		{StateSelectRevalidationVariant, a.selectRevalidationVariant},
	}
	for _, step := range steps {
		a.enter(step.state)
		if err := step.run(ctx); err != nil {
			return nil, err
		}
	}
	a.enter(StateAssembled)

	fs := a.fs
	level.Info(l).Log(
		"msg", "assembled layer stack",
		"id", fs.ID,
		"lowers", len(fs.Stack.Lowers),
		"upper", fs.Stack.Upper != nil,
		"read_only", fs.ReadOnly(),
		"remote", fs.Ops.Remote(),
		"warnings", len(fs.Warnings),
	)
	return fs, nil
}

func (a *assembler) parseConfig(context.Context) error {
	switch {
	case a.cfg.Lowerdir == "":
		return mounterr.New(mounterr.CodeMissingLowerdir, "")
	case a.cfg.HasUpper() && a.cfg.Workdir == "":
		return mounterr.New(mounterr.CodeWorkdirMissing, "")
	}
	return nil
}

func (a *assembler) validateUpperAndWork(context.Context) error {
	if !a.cfg.HasUpper() {
		return nil
	}

	st := a.fs.Stack

	upper, err := layer.ResolveUpper(a.opts.FS, a.cfg.Upperdir)
	if err != nil {
		return err
	}
	st.Upper = upper

	if upper.Mount.ReadOnly() {
		return mounterr.New(mounterr.CodeUpperReadOnly, upper.Name)
	}
	a.agg.Add(upper)

	work, err := layer.ResolveUpper(a.opts.FS, a.cfg.Workdir)
	if err != nil {
		return err
	}
	st.WorkParent = work

	if !upper.Mount.Same(work.Mount) {
		return mounterr.New(mounterr.CodeWorkdirMountMismatch, work.Name)
	}
	nested, err := layer.Nested(a.opts.FS, work, upper)
	if err != nil {
		return mounterr.Wrap(mounterr.CodeResolve, work.Name, err)
	}
	if nested {
		return mounterr.New(mounterr.CodeWorkdirNested, work.Name)
	}
	return nil
}

func (a *assembler) splitLowerSpec(context.Context) error {
	a.names = a.cfg.Lowers()
	return nil
}

func (a *assembler) validateLowerStack(context.Context) error {
	lowers, err := stack.BuildLowers(a.opts.FS, a.names, a.cfg.HasUpper(), &a.agg)
	if err != nil {
		return err
	}
	a.fs.Stack.Lowers = lowers
	return nil
}

func (a *assembler) enforceDepthCeiling(context.Context) error {
	depth := a.agg.StackDepth + 1
	if depth > a.opts.MaxDepth {
		return mounterr.Limited(mounterr.CodeStackTooDeep, a.opts.MaxDepth)
	}
	a.fs.StackDepth = depth
	a.fs.NameMax = a.agg.NameMax
	return nil
}

func (a *assembler) bindPrivateMounts(context.Context) error {
	st := a.fs.Stack
	if st.Upper != nil {
		st.Upper.Bind(false)
	}
	for _, d := range st.Lowers {
		d.Bind(true)
	}
	return nil
}

func (a *assembler) createWorkdirOrDemote(ctx context.Context) error {
	st := a.fs.Stack
	if st.Upper == nil {
		a.fs.readOnly.Store(true)
		return nil
	}

	h, err := workdir.Create(ctx, a.log, a.opts.FS, a.opts.Locker, st.Upper, st.WorkParent)
	if err != nil {
		path := filepath.Join(st.WorkParent.Path, workdir.Name)
		a.warn(&mounterr.Warning{Code: mounterr.CodeWorkdirCreate, Path: path, Err: err})
		a.fs.readOnly.Store(true)
		return nil
	}
	st.Work = h

	// Work and upper share a mount, so the workdir answers for the upper.
	ok, err := workdir.SupportsDType(a.opts.FS, st.WorkParent.Path)
	if err != nil {
		return mounterr.Wrap(mounterr.CodeNoDType, st.WorkParent.Path, err)
	} else if !ok {
		a.warn(&mounterr.Warning{Code: mounterr.CodeNoDType, Path: st.Upper.Path})
	}
	a.fs.DType = ok

	a.fs.Tmpfile = workdir.ProbeTmpfile(a.opts.FS, h)
	if !a.fs.Tmpfile {
		a.warn(&mounterr.Warning{Code: mounterr.CodeNoTmpfile, Path: st.Upper.Path})
	}
	return nil
}

func (a *assembler) selectRevalidationVariant(context.Context) error {
	a.fs.Ops = revalidate.Select(a.fs.log, a.agg.Remote)
	return nil
}
