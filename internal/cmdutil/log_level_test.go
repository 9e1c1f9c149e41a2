package cmdutil

import (
	"bytes"
	"flag"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	var ll LogLevel
	require.Equal(t, "info", ll.String())

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&ll, "log.level", "")
	require.NoError(t, fs.Parse([]string{"-log.level=WARN"}))
	require.Equal(t, "warn", ll.String())

	var buf bytes.Buffer
	l := level.NewFilter(log.NewLogfmtLogger(&buf), ll.FilterOption())
	level.Info(l).Log("msg", "hidden")
	level.Warn(l).Log("msg", "shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestLogLevel_Invalid(t *testing.T) {
	var ll LogLevel
	require.Error(t, ll.Set("verbose"))
	require.Equal(t, "info", ll.String())
}
