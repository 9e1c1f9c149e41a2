// Package mounterr defines the diagnostic codes reported while assembling a
// layer stack. Codes are short and stable so operators and scripts can match
// on them; the accompanying Error and Warning types carry the context needed
// to fix a configuration (offending path, limit value, underlying cause).
package mounterr

import (
	"errors"
	"fmt"
	"strconv"
)

// Code identifies a class of mount-time failure or degraded condition.
type Code int

// Diagnostic codes. The zero value is never reported.
const (
	CodeMissingLowerdir       Code = iota + 1 // no lowerdir option
	CodeEmptyLowerdir                         // empty entry in lowerdir
	CodeResolve                               // path resolution failed
	CodeStatfs                                // statfs query failed
	CodeUnsupportedFS                         // filesystem can't be a layer
	CodeNotDirectory                          // layer is not a directory
	CodeRemoteUpper                           // remote fs used as upper or work
	CodeStackTooDeep                          // stacking depth ceiling exceeded
	CodeTooManyLayers                         // more than the maximum lowers
	CodeSingleLower                           // one lower and no upper
	CodeUpperReadOnly                         // upper mount is read-only
	CodeWorkdirMissing                        // upperdir without workdir
	CodeWorkdirMountMismatch                  // work and upper on different mounts
	CodeWorkdirNested                         // work and upper overlap
	CodeWorkdirCreate                         // work directory unusable
	CodeNoDType                               // upper lacks d_type
	CodeNoTmpfile                             // upper lacks O_TMPFILE
	CodeBadOption                             // unknown mount option
	CodeReadOnly                              // write access refused
)

var codeNames = map[Code]string{
	CodeMissingLowerdir:      "missing-lowerdir",
	CodeEmptyLowerdir:        "empty-lowerdir",
	CodeResolve:              "resolve-failed",
	CodeStatfs:               "statfs-failed",
	CodeUnsupportedFS:        "unsupported-filesystem",
	CodeNotDirectory:         "not-a-directory",
	CodeRemoteUpper:          "remote-upper",
	CodeStackTooDeep:         "stack-too-deep",
	CodeTooManyLayers:        "too-many-layers",
	CodeSingleLower:          "single-lower-without-upper",
	CodeUpperReadOnly:        "upper-read-only",
	CodeWorkdirMissing:       "workdir-missing",
	CodeWorkdirMountMismatch: "workdir-mount-mismatch",
	CodeWorkdirNested:        "workdir-nested-with-upper",
	CodeWorkdirCreate:        "workdir-create-failed",
	CodeNoDType:              "no-dtype",
	CodeNoTmpfile:            "no-tmpfile",
	CodeBadOption:            "bad-option",
	CodeReadOnly:             "read-only",
}

var codeDescriptions = map[Code]string{
	CodeMissingLowerdir:      "missing 'lowerdir'",
	CodeEmptyLowerdir:        "empty lowerdir",
	CodeResolve:              "failed to resolve",
	CodeStatfs:               "statfs failed",
	CodeUnsupportedFS:        "filesystem not supported",
	CodeNotDirectory:         "not a directory",
	CodeRemoteUpper:          "filesystem not supported as upperdir",
	CodeStackTooDeep:         "maximum fs stacking depth exceeded",
	CodeTooManyLayers:        "too many lower directories",
	CodeSingleLower:          "at least 2 lowerdir are needed while upperdir nonexistent",
	CodeUpperReadOnly:        "upper fs is r/o, try multi-lower layers mount",
	CodeWorkdirMissing:       "missing 'workdir'",
	CodeWorkdirMountMismatch: "workdir and upperdir must reside under the same mount",
	CodeWorkdirNested:        "workdir and upperdir must be separate subtrees",
	CodeWorkdirCreate:        "failed to create work directory; mounting read-only",
	CodeNoDType:              "upper fs needs to support d_type",
	CodeNoTmpfile:            "upper fs does not support tmpfile",
	CodeBadOption:            "unrecognized mount option or missing value",
	CodeReadOnly:             "read-only file system",
}

// String returns the stable short name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "code-" + strconv.Itoa(int(c))
}

// Error implements error so a bare Code can be used as an errors.Is target.
func (c Code) Error() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return c.String()
}

// Error is a fatal mount-time error.
type Error struct {
	Code  Code
	Path  string // Offending path, if any.
	Limit int    // Violated limit, if any.
	Err   error  // Underlying cause, if any.
}

// New returns an Error for code c with optional path context.
func New(c Code, path string) *Error {
	return &Error{Code: c, Path: path}
}

// Wrap returns an Error for code c caused by err.
func Wrap(c Code, path string, err error) *Error {
	return &Error{Code: c, Path: path, Err: err}
}

// Limited returns an Error for code c that exceeded limit.
func Limited(c Code, limit int) *Error {
	return &Error{Code: c, Limit: limit}
}

func (e *Error) Error() string {
	msg := e.Code.Error()
	switch {
	case e.Path != "" && e.Err != nil:
		msg = fmt.Sprintf("%s '%s': %s", msg, e.Path, e.Err)
	case e.Path != "":
		msg = fmt.Sprintf("%s '%s'", msg, e.Path)
	case e.Err != nil:
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	if e.Limit > 0 {
		msg = fmt.Sprintf("%s, limit is %d", msg, e.Limit)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Code of e.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// Warning is a degraded-capability condition. Warnings never fail a mount.
type Warning struct {
	Code Code
	Path string
	Err  error
}

func (w *Warning) Error() string {
	msg := w.Code.Error()
	if w.Path != "" {
		msg = fmt.Sprintf("%s '%s'", msg, w.Path)
	}
	if w.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, w.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (w *Warning) Unwrap() error { return w.Err }

// Is reports whether target is the Code of w.
func (w *Warning) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == w.Code
}

// CodeOf returns the Code carried by err, or zero if err carries none.
func CodeOf(err error) Code {
	var (
		e *Error
		w *Warning
	)
	switch {
	case errors.As(err, &e):
		return e.Code
	case errors.As(err, &w):
		return w.Code
	}
	return 0
}
