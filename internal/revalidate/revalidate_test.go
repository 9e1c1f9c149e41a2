package revalidate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeLower records every call made to it.
type fakeLower struct {
	valid, weakValid bool
	err, weakErr     error

	calls, weakCalls int
	invalidated      bool
}

func (f *fakeLower) Revalidate(context.Context, Flags) (bool, error) {
	f.calls++
	return f.valid, f.err
}

func (f *fakeLower) WeakRevalidate(context.Context, Flags) (bool, error) {
	f.weakCalls++
	return f.weakValid, f.weakErr
}

func (f *fakeLower) Invalidate() { f.invalidated = true }

func valid() *fakeLower { return &fakeLower{valid: true, weakValid: true} }

func TestSelect(t *testing.T) {
	require.False(t, Select(nil, false).Remote())
	require.True(t, Select(nil, true).Remote())
}

func TestLocal(t *testing.T) {
	var (
		ops   = Select(nil, false)
		stale = &fakeLower{}
	)

	ok, err := ops.Revalidate(context.Background(), []Lower{stale}, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ops.WeakRevalidate(context.Background(), []Lower{stale}, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.Zero(t, stale.calls+stale.weakCalls)
}

func TestRemote_Revalidate(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		lowers := []Lower{valid(), struct{}{}, valid()}

		ok, err := Select(nil, true).Revalidate(context.Background(), lowers, 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, lowers[0].(*fakeLower).calls)
		require.Equal(t, 1, lowers[2].(*fakeLower).calls)
	})

	t.Run("error stops immediately", func(t *testing.T) {
		var (
			errLayer = errors.New("layer failed")
			first    = &fakeLower{err: errLayer}
			second   = valid()
		)

		_, err := Select(nil, true).Revalidate(context.Background(), []Lower{first, second}, 0)
		require.Equal(t, errLayer, err)
		require.Zero(t, second.calls)
		require.False(t, first.invalidated)
	})

	t.Run("stale in blocking mode invalidates", func(t *testing.T) {
		var (
			ops    = Select(nil, true)
			first  = valid()
			stale  = &fakeLower{}
			behind = valid()
		)

		ok, err := ops.Revalidate(context.Background(), []Lower{first, stale, behind}, 0)
		require.False(t, ok)
		require.True(t, errors.Is(err, ErrStale))
		require.True(t, stale.invalidated)
		require.Zero(t, behind.calls)
		require.Equal(t, Stats{Checks: 1, Stale: 1}, ops.Stats())
	})

	t.Run("stale in non-blocking mode asks for retry", func(t *testing.T) {
		stale := &fakeLower{}

		ok, err := Select(nil, true).Revalidate(context.Background(), []Lower{stale}, NonBlocking)
		require.False(t, ok)
		require.True(t, errors.Is(err, ErrRetryBlocking))
		require.False(t, stale.invalidated)
	})
}

type revalidateOnly struct{ valid bool }

func (r revalidateOnly) Revalidate(context.Context, Flags) (bool, error) { return r.valid, nil }

func TestRemote_StaleWithoutInvalidator(t *testing.T) {
	_, err := Select(nil, true).Revalidate(context.Background(), []Lower{revalidateOnly{}}, 0)
	require.True(t, errors.Is(err, ErrStale))
}

func TestRemote_WeakRevalidate(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		ok, err := Select(nil, true).WeakRevalidate(context.Background(), []Lower{valid(), valid()}, 0)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("stops at first invalid", func(t *testing.T) {
		var (
			invalid = &fakeLower{weakValid: false}
			behind  = valid()
		)

		ok, err := Select(nil, true).WeakRevalidate(context.Background(), []Lower{valid(), invalid, behind}, 0)
		require.NoError(t, err)
		require.False(t, ok)
		require.Zero(t, behind.weakCalls)
		require.False(t, invalid.invalidated, "weak revalidation must not purge")
	})

	t.Run("stops at first error", func(t *testing.T) {
		var (
			errLayer = errors.New("layer failed")
			failing  = &fakeLower{weakErr: errLayer}
			behind   = valid()
		)

		_, err := Select(nil, true).WeakRevalidate(context.Background(), []Lower{failing, behind}, NonBlocking)
		require.Equal(t, errLayer, err)
		require.Zero(t, behind.weakCalls)
	})
}
