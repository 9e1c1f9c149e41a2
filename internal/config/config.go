// Package config holds the settings used to assemble a layer stack. A Config
// can be parsed from a mount option string (lowerdir=...,upperdir=...) or
// loaded from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/layerstack/internal/lowerdir"
	"github.com/rfratto/layerstack/internal/mounterr"
	yaml "gopkg.in/yaml.v3"
)

// DefaultRedirectDir is the redirect_dir setting used when none is given.
const DefaultRedirectDir = false

// Config is the configuration of a single layer stack. Path values keep the
// escaping of the option string they came from: Lowerdir is a lowerdir list
// and Upperdir and Workdir may contain escaped characters.
type Config struct {
	Lowerdir           string `yaml:"lowerdir"`
	Upperdir           string `yaml:"upperdir,omitempty"`
	Workdir            string `yaml:"workdir,omitempty"`
	DefaultPermissions bool   `yaml:"default_permissions,omitempty"`
	RedirectDir        bool   `yaml:"redirect_dir"`
}

// Defaults returns the Config used as the base for parsing.
func Defaults() Config {
	return Config{RedirectDir: DefaultRedirectDir}
}

// HasUpper reports whether c configures a writable upper layer.
func (c Config) HasUpper() bool { return c.Upperdir != "" }

// Lowers returns the unescaped lower directories in precedence order.
func (c Config) Lowers() []string { return lowerdir.Split(c.Lowerdir) }

// normalize drops settings that have no effect.
func (c *Config) normalize(l log.Logger) {
	if c.Upperdir == "" && c.Workdir != "" {
		level.Info(l).Log("msg", "option workdir is useless in a non-upper mount, ignoring", "workdir", c.Workdir)
		c.Workdir = ""
	}
}

// ParseOptions parses a comma-separated mount option string on top of
// Defaults. A backslash escapes the character that follows it, so commas
// can appear in paths; escapes are kept in the parsed values. Empty options
// are ignored and later options override earlier ones.
func ParseOptions(l log.Logger, opts string) (Config, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	c := Defaults()
	for _, opt := range splitOptions(opts) {
		if opt == "" {
			continue
		}

		key, value, hasValue := cut(opt, "=")
		switch {
		case key == "lowerdir" && value != "":
			c.Lowerdir = value
		case key == "upperdir" && value != "":
			c.Upperdir = value
		case key == "workdir" && value != "":
			c.Workdir = value
		case key == "default_permissions" && !hasValue:
			c.DefaultPermissions = true
		case opt == "redirect_dir=on":
			c.RedirectDir = true
		case opt == "redirect_dir=off":
			c.RedirectDir = false
		default:
			level.Error(l).Log("msg", "unrecognized mount option or missing value", "option", opt)
			return Config{}, mounterr.New(mounterr.CodeBadOption, opt)
		}
	}

	c.normalize(l)
	return c, nil
}

// splitOptions splits opts on commas which aren't escaped.
func splitOptions(opts string) []string {
	var (
		res   []string
		start int
	)
	for i := 0; i < len(opts); i++ {
		switch opts[i] {
		case '\\':
			i++
		case ',':
			res = append(res, opts[start:i])
			start = i + 1
		}
	}
	if start < len(opts) {
		res = append(res, opts[start:])
	}
	return res
}

func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// file is the YAML representation of a Config. Lowers is an alternative to
// Lowerdir which takes plain, unescaped paths.
type file struct {
	Config `yaml:",inline"`
	Lowers []string `yaml:"lowers,omitempty"`
}

// LoadFile reads a YAML config file. Settings missing from the file keep
// their Defaults value. Paths starting with ~ are expanded to the home
// directory of the current user.
func LoadFile(l log.Logger, path string) (Config, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	bb, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	f := file{Config: Defaults()}
	if err := yaml.Unmarshal(bb, &f); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(f.Lowers) > 0 {
		if f.Lowerdir != "" {
			return Config{}, fmt.Errorf("%s: lowerdir and lowers are mutually exclusive", path)
		}
		f.Lowerdir = lowerdir.Join(f.Lowers)
	}

	c, err := ExpandHome(f.Config)
	if err != nil {
		return Config{}, err
	}
	c.normalize(l)
	return c, nil
}

// ExpandHome expands a leading ~ in every path of c.
func ExpandHome(c Config) (Config, error) {
	var (
		lowers  = c.Lowers()
		changed bool
	)
	for i, p := range lowers {
		if !strings.HasPrefix(p, "~") {
			continue
		}
		expanded, err := homedir.Expand(p)
		if err != nil {
			return c, fmt.Errorf("failed to expand lowerdir %q: %w", p, err)
		}
		lowers[i], changed = expanded, true
	}
	if changed {
		c.Lowerdir = lowerdir.Join(lowers)
	}

	for _, p := range []*string{&c.Upperdir, &c.Workdir} {
		if !strings.HasPrefix(*p, "~") {
			continue
		}
		expanded, err := homedir.Expand(lowerdir.Unescape(*p))
		if err != nil {
			return c, fmt.Errorf("failed to expand %q: %w", *p, err)
		}
		*p = lowerdir.Escape(expanded)
	}
	return c, nil
}
