// Package lowerdir handles the lowerdir list syntax: directories separated by
// ':' where '\' escapes the byte that follows it.
package lowerdir

import "strings"

const (
	separator = ':'
	escape    = '\\'
)

// Split splits spec into its unescaped directory names. Split always
// returns at least one element, one more than the number of unescaped
// separators in spec. A trailing escape character ends the last element.
func Split(spec string) []string {
	var (
		res []string
		cur strings.Builder
	)

	for i := 0; i < len(spec); i++ {
		switch c := spec[i]; c {
		case escape:
			i++
			if i == len(spec) {
				return append(res, cur.String())
			}
			cur.WriteByte(spec[i])
		case separator:
			res = append(res, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(res, cur.String())
}

// Unescape removes escape characters from s. Strings without an escape
// character are returned unchanged.
func Unescape(s string) string {
	if strings.IndexByte(s, escape) < 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == escape {
			i++
			if i == len(s) {
				break
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// Escape escapes every separator and escape character in path so it can be
// used as a single element of a lowerdir list.
func Escape(path string) string {
	if strings.IndexAny(path, `:\`) < 0 {
		return path
	}

	var sb strings.Builder
	sb.Grow(len(path) + 2)
	for i := 0; i < len(path); i++ {
		if c := path[i]; c == separator || c == escape {
			sb.WriteByte(escape)
		}
		sb.WriteByte(path[i])
	}
	return sb.String()
}

// Join escapes paths and joins them into a lowerdir list. For any non-empty
// list of paths, Split(Join(paths)) returns paths.
func Join(paths []string) string {
	escaped := make([]string, len(paths))
	for i, p := range paths {
		escaped[i] = Escape(p)
	}
	return strings.Join(escaped, string(separator))
}
