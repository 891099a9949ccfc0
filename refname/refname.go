// Package refname validates and decomposes Git ref names per
// git-check-ref-format, used by the receive engine's command parser, which
// marks commands with malformed names rejected.
package refname

import (
	"errors"
	"strings"
)

// RefName is a parsed, validated ref name.
type RefName struct {
	// FullName is the entire raw ref name, including "refs/" (or "HEAD").
	FullName string
	// Category is the first path component after "refs/", e.g. "heads".
	// For HEAD, Category and Location are both "HEAD".
	Category string
	// Location is everything after the category, e.g. "main", "feature/x".
	Location string
}

// HEAD is the special-cased symbolic ref name that always exists.
var HEAD = RefName{FullName: "HEAD", Category: "HEAD", Location: "HEAD"}

// Parse validates in per git-check-ref-format and decomposes it.
//
//   - "HEAD" is always valid.
//   - Otherwise it must start with "refs/" and contain at least one further
//     slash-separated category.
//   - No component may be empty, start with '.', end with ".lock", or be
//     the single character "@".
//   - The whole name may not contain "..", "//", "@{", a trailing '.', or
//     control characters, space, '~', '^', ':', '?', '*', '[', DEL, '\\'.
//
// See https://git-scm.com/docs/git-check-ref-format
func Parse(in string) (RefName, error) {
	if in == "HEAD" {
		return HEAD, nil
	}

	rn := RefName{FullName: in}
	if !strings.HasPrefix(in, "refs/") {
		return rn, errors.New("refname: does not start with refs/")
	}
	rest := in[len("refs/"):]

	sepIdx := strings.IndexByte(rest, '/')
	if sepIdx == -1 {
		return rn, errors.New("refname: missing category after refs/")
	}

	if strings.Contains(rest, "..") {
		return rn, errors.New("refname: contains consecutive dots")
	}
	if strings.Contains(rest, "//") {
		return rn, errors.New("refname: contains consecutive slashes")
	}
	if strings.Contains(rest, "@{") {
		return rn, errors.New("refname: contains @{")
	}
	if strings.HasSuffix(rest, ".") {
		return rn, errors.New("refname: ends with a dot")
	}

	for _, component := range strings.Split(rest, "/") {
		if component == "" {
			return rn, errors.New("refname: empty path component")
		}
		if component == "@" {
			return rn, errors.New("refname: component is single character @")
		}
		if strings.HasPrefix(component, ".") {
			return rn, errors.New("refname: component starts with a dot")
		}
		if strings.HasSuffix(component, ".lock") {
			return rn, errors.New("refname: component ends with .lock")
		}
		if strings.ContainsFunc(component, isIllegalRefRune) {
			return rn, errors.New("refname: component contains an illegal character")
		}
	}

	rn.Category = rest[:sepIdx]
	rn.Location = rest[sepIdx+1:]
	return rn, nil
}

func isIllegalRefRune(r rune) bool {
	return r < 0o040 || r == 0o177 || r == ' ' || r == '~' || r == '^' ||
		r == ':' || r == '?' || r == '*' || r == '[' || r == '\\'
}

// IsValid reports whether in is a well-formed ref name, without returning
// the parsed structure.
func IsValid(in string) bool {
	_, err := Parse(in)
	return err == nil
}
