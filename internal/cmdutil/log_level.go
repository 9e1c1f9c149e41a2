// Package cmdutil holds helpers shared by the layerstack commands.
package cmdutil

import (
	"fmt"
	"strings"

	"github.com/go-kit/log/level"
)

type levelInfo struct {
	value  level.Value
	option level.Option
}

var levels = map[string]levelInfo{
	"error": {level.ErrorValue(), level.AllowError()},
	"warn":  {level.WarnValue(), level.AllowWarn()},
	"info":  {level.InfoValue(), level.AllowInfo()},
	"debug": {level.DebugValue(), level.AllowDebug()},
}

// LogLevel implements flag.Value for the minimum level of logs to display.
// The zero value logs at info.
type LogLevel struct {
	set *levelInfo
}

func (l LogLevel) info() levelInfo {
	if l.set == nil {
		return levels["info"]
	}
	return *l.set
}

// String implements flag.Value.
func (l LogLevel) String() string { return l.info().value.String() }

// Set implements flag.Value.
func (l *LogLevel) Set(in string) error {
	li, ok := levels[strings.ToLower(in)]
	if !ok {
		return fmt.Errorf("unknown log level %q, valid options error, warn, info, debug", in)
	}
	l.set = &li
	return nil
}

// FilterOption returns l as an option for level.NewFilter.
func (l LogLevel) FilterOption() level.Option { return l.info().option }
