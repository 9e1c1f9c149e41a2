// Package revalidate decides whether a cached entry of a layer stack is
// still valid. Stacks with only local lower layers never revalidate: nothing
// can change a local layer without going through the stack. Stacks with a
// remote lower layer ask every lower layer in turn.
//
// Lower layer entries take part by implementing Revalidator,
// WeakRevalidator, and Invalidator. Entries implementing none of them are
// always considered valid.
package revalidate

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Flags modify a revalidation request.
type Flags uint

const (
	// NonBlocking is set when the caller can't block. Stale entries are
	// reported with ErrRetryBlocking instead of being invalidated.
	NonBlocking Flags = 1 << iota
)

var (
	// ErrStale is returned when a lower layer reports its entry as stale. The
	// stale entry has been invalidated and the caller must look it up again.
	ErrStale = errors.New("stale entry")

	// ErrRetryBlocking is returned in NonBlocking mode when a lower layer
	// reports its entry as stale. The caller should retry without
	// NonBlocking so the entry can be invalidated.
	ErrRetryBlocking = errors.New("revalidation must be retried in blocking mode")
)

// Lower is the entry of a single lower layer backing a cached entry.
type Lower interface{}

// Revalidator is implemented by lower entries which can become stale.
type Revalidator interface {
	Revalidate(ctx context.Context, flags Flags) (valid bool, err error)
}

// WeakRevalidator is implemented by lower entries which support a cheaper
// check used when the entry is only reached by its own path, such as the
// final component of a path walk.
type WeakRevalidator interface {
	WeakRevalidate(ctx context.Context, flags Flags) (valid bool, err error)
}

// Invalidator is implemented by lower entries which can be purged from
// their layer's cache.
type Invalidator interface {
	Invalidate()
}

// Ops are the revalidation operations of a layer stack.
type Ops interface {
	// Revalidate checks every lower entry of a cached entry, ordered from
	// highest to lowest precedence.
	Revalidate(ctx context.Context, lowers []Lower, flags Flags) (bool, error)

	// WeakRevalidate is the weak form of Revalidate.
	WeakRevalidate(ctx context.Context, lowers []Lower, flags Flags) (bool, error)

	// Remote reports whether the operations query lower layers.
	Remote() bool

	// Stats returns the number of checks made and stale entries found.
	Stats() Stats
}

// Stats summarizes the revalidation work done by an Ops.
type Stats struct {
	Checks uint64 `json:"checks" msgpack:"checks"`
	Stale  uint64 `json:"stale" msgpack:"stale"`
}

// Select returns the operations for a stack. remote should be true when any
// lower layer lives on a remote filesystem.
func Select(l log.Logger, remote bool) Ops {
	if !remote {
		return localOps{}
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return &remoteOps{
		log:    l,
		checks: atomic.NewUint64(0),
		stale:  atomic.NewUint64(0),
	}
}

type localOps struct{}

func (localOps) Revalidate(context.Context, []Lower, Flags) (bool, error)     { return true, nil }
func (localOps) WeakRevalidate(context.Context, []Lower, Flags) (bool, error) { return true, nil }
func (localOps) Remote() bool                                                 { return false }
func (localOps) Stats() Stats                                                 { return Stats{} }

type remoteOps struct {
	log log.Logger

	checks *atomic.Uint64
	stale  *atomic.Uint64
}

func (o *remoteOps) Revalidate(ctx context.Context, lowers []Lower, flags Flags) (bool, error) {
	o.checks.Inc()

	for i, lower := range lowers {
		r, ok := lower.(Revalidator)
		if !ok {
			continue
		}

		valid, err := r.Revalidate(ctx, flags)
		if err != nil {
			return false, err
		} else if valid {
			continue
		}

		o.stale.Inc()
		if flags&NonBlocking != 0 {
			level.Debug(o.log).Log("msg", "stale lower entry found in non-blocking mode", "index", i)
			return false, ErrRetryBlocking
		}

		level.Debug(o.log).Log("msg", "invalidating stale lower entry", "index", i)
		if inv, ok := lower.(Invalidator); ok {
			inv.Invalidate()
		}
		return false, ErrStale
	}

	return true, nil
}

func (o *remoteOps) WeakRevalidate(ctx context.Context, lowers []Lower, flags Flags) (bool, error) {
	o.checks.Inc()

	for _, lower := range lowers {
		r, ok := lower.(WeakRevalidator)
		if !ok {
			continue
		}
		if valid, err := r.WeakRevalidate(ctx, flags); err != nil || !valid {
			return valid, err
		}
	}
	return true, nil
}

func (o *remoteOps) Remote() bool { return true }

func (o *remoteOps) Stats() Stats {
	return Stats{Checks: o.checks.Load(), Stale: o.stale.Load()}
}
