package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/layerstack/internal/mounterr"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	tt := []struct {
		name   string
		opts   string
		expect Config
	}{
		{
			name:   "lower only",
			opts:   "lowerdir=/a:/b",
			expect: Config{Lowerdir: "/a:/b"},
		},
		{
			name:   "upper and work",
			opts:   "lowerdir=/l,upperdir=/u,workdir=/w",
			expect: Config{Lowerdir: "/l", Upperdir: "/u", Workdir: "/w"},
		},
		{
			name:   "escaped comma stays escaped",
			opts:   `lowerdir=/a\,b:/c,upperdir=/u\,x,workdir=/w`,
			expect: Config{Lowerdir: `/a\,b:/c`, Upperdir: `/u\,x`, Workdir: "/w"},
		},
		{
			name:   "flags",
			opts:   "lowerdir=/a:/b,default_permissions,redirect_dir=on",
			expect: Config{Lowerdir: "/a:/b", DefaultPermissions: true, RedirectDir: true},
		},
		{
			name:   "later options win",
			opts:   "lowerdir=/x,lowerdir=/a:/b,redirect_dir=on,redirect_dir=off",
			expect: Config{Lowerdir: "/a:/b"},
		},
		{
			name:   "empty options skipped",
			opts:   ",,lowerdir=/a:/b,",
			expect: Config{Lowerdir: "/a:/b"},
		},
		{
			name:   "workdir ignored without upper",
			opts:   "lowerdir=/a:/b,workdir=/w",
			expect: Config{Lowerdir: "/a:/b"},
		},
		{
			name:   "nothing",
			opts:   "",
			expect: Defaults(),
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseOptions(nil, tc.opts)
			require.NoError(t, err)
			require.Equal(t, tc.expect, c)
		})
	}
}

func TestParseOptions_Invalid(t *testing.T) {
	for _, opts := range []string{
		"lowerdir=/a,bogus",
		"lowerdir=",
		"redirect_dir=maybe",
		"default_permissions=1",
	} {
		_, err := ParseOptions(nil, opts)
		require.Error(t, err, opts)
		require.True(t, errors.Is(err, mounterr.CodeBadOption), opts)
	}
}

func TestConfig_Lowers(t *testing.T) {
	c := Config{Lowerdir: `/a\:b:/c`}
	require.Equal(t, []string{"/a:b", "/c"}, c.Lowers())
	require.False(t, c.HasUpper())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
lowers:
  - /layers/a:b
  - /layers/c
upperdir: /upper
workdir: /work
default_permissions: true
`), 0644))

	c, err := LoadFile(nil, path)
	require.NoError(t, err)
	require.Equal(t, Config{
		Lowerdir:           `/layers/a\:b:/layers/c`,
		Upperdir:           "/upper",
		Workdir:            "/work",
		DefaultPermissions: true,
		RedirectDir:        DefaultRedirectDir,
	}, c)
	require.Equal(t, []string{"/layers/a:b", "/layers/c"}, c.Lowers())
}

func TestLoadFile_Conflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.yml")
	require.NoError(t, os.WriteFile(path, []byte("lowerdir: /a:/b\nlowers: [/c]\n"), 0644))

	_, err := LoadFile(nil, path)
	require.Error(t, err)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(nil, filepath.Join(t.TempDir(), "missing.yml"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	homedir.DisableCache = true
	defer func() { homedir.DisableCache = false }()

	c, err := ExpandHome(Config{
		Lowerdir: `~/a:/b\:c`,
		Upperdir: "~/upper",
		Workdir:  "/work",
	})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(home, "a"), "/b:c"}, c.Lowers())
	require.Equal(t, filepath.Join(home, "upper"), c.Upperdir)
	require.Equal(t, "/work", c.Workdir)
}
