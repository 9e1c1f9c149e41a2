// Package stack builds the ordered set of layers which make up a layer
// stack.
package stack

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/layerstack/internal/hostfs"
	"github.com/rfratto/layerstack/internal/layer"
	"github.com/rfratto/layerstack/internal/mounterr"
	"github.com/rfratto/layerstack/internal/workdir"
)

// MaxLowers is the maximum number of lower layers in a stack.
const MaxLowers = 500

// MaxDepth is the default ceiling for the stacking depth of a stack,
// including the level added by the stack itself.
const MaxDepth = 2

// Stack is an assembled set of layers. Lowers are ordered from highest to
// lowest precedence.
type Stack struct {
	Upper  *layer.Descriptor   // nil without an upper layer.
	Lowers []*layer.Descriptor // Never empty for an assembled stack.

	// WorkParent is the configured workdir, Work the directory created
	// inside it. Work is nil when the stack is read-only.
	WorkParent *layer.Descriptor
	Work       *workdir.Handle
}

// BuildLowers validates every lower directory in names, folding each into
// agg. When any directory fails validation, the directories validated so
// far are released and the error is returned.
func BuildLowers(fs hostfs.FS, names []string, hasUpper bool, agg *layer.Aggregate) ([]*layer.Descriptor, error) {
	switch {
	case len(names) > MaxLowers:
		return nil, mounterr.Limited(mounterr.CodeTooManyLayers, MaxLowers)
	case !hasUpper && len(names) == 1:
		return nil, mounterr.New(mounterr.CodeSingleLower, "")
	}

	lowers := make([]*layer.Descriptor, 0, len(names))
	for _, name := range names {
		d, err := layer.Resolve(fs, name)
		if err != nil {
			// The validation error is what gets reported; release errors
			// are secondary.
			_ = releaseAll(lowers)
			return nil, err
		}
		agg.Add(d)
		lowers = append(lowers, d)
	}
	return lowers, nil
}

// releaseAll releases ds in reverse order.
func releaseAll(ds []*layer.Descriptor) error {
	var errs *multierror.Error
	for i := len(ds) - 1; i >= 0; i-- {
		if err := ds[i].Release(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("lower %d: %w", i, err))
		}
	}
	return errs.ErrorOrNil()
}

// Release releases every layer in the reverse order of acquisition: the
// work directory, the lowers from last to first, and then the upper.
func (s *Stack) Release() error {
	var errs *multierror.Error

	if s.Work != nil {
		if err := s.Work.Release(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := s.WorkParent.Release(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := releaseAll(s.Lowers); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.Upper.Release(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// Layers returns every layer of the stack from highest to lowest
// precedence, starting with the upper layer when present.
func (s *Stack) Layers() []*layer.Descriptor {
	res := make([]*layer.Descriptor, 0, len(s.Lowers)+1)
	if s.Upper != nil {
		res = append(res, s.Upper)
	}
	return append(res, s.Lowers...)
}
