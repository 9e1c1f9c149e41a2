package mounterr

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("mounting: %w", Wrap(CodeResolve, "/lower", syscall.ENOENT))

	require.True(t, errors.Is(err, CodeResolve))
	require.False(t, errors.Is(err, CodeNotDirectory))
	require.True(t, errors.Is(err, syscall.ENOENT), "cause must stay reachable")
	require.Equal(t, CodeResolve, CodeOf(err))
}

func TestError_Message(t *testing.T) {
	tt := []struct {
		err    error
		expect string
	}{
		{New(CodeEmptyLowerdir, ""), "empty lowerdir"},
		{New(CodeNotDirectory, "/a"), "not a directory '/a'"},
		{Wrap(CodeResolve, "/a", syscall.ENOENT), "failed to resolve '/a': no such file or directory"},
		{Limited(CodeTooManyLayers, 500), "too many lower directories, limit is 500"},
		{&Warning{Code: CodeNoTmpfile}, "upper fs does not support tmpfile"},
	}
	for _, tc := range tt {
		require.Equal(t, tc.expect, tc.err.Error())
	}
}

func TestCode_String(t *testing.T) {
	require.Equal(t, "workdir-nested-with-upper", CodeWorkdirNested.String())
	require.Equal(t, "single-lower-without-upper", CodeSingleLower.String())
	require.Equal(t, "code-999", Code(999).String())
}

func TestWarning_CodeOf(t *testing.T) {
	w := &Warning{Code: CodeWorkdirCreate, Path: "/u/work", Err: syscall.EEXIST}
	require.True(t, errors.Is(w, CodeWorkdirCreate))
	require.True(t, errors.Is(w, syscall.EEXIST))
	require.Equal(t, CodeWorkdirCreate, CodeOf(w))
	require.Equal(t, Code(0), CodeOf(errors.New("plain")))
}
