// Package routepath canonicalizes page paths and validates redirect targets.
//
// A canonical path is rooted, has no empty or "." elements, has ".." resolved
// and carries no trailing slash except for the root itself. The patch server
// answers non-canonical document requests with a redirect to the canonical
// form and uses canonical paths as page keys.
package routepath

import (
	"errors"
	"strings"
)

// Path errors.
var (
	ErrBackslash     = errors.New("routepath: path contains backslash")
	ErrNullByte      = errors.New("routepath: path contains null byte")
	ErrInvalidEscape = errors.New("routepath: invalid percent escape")
	ErrEscapesRoot   = errors.New("routepath: path escapes root via ..")
	ErrNotLocal      = errors.New("routepath: target is not a local path")
)

// Clean returns the canonical form of the escaped path p and whether it
// differs from p. An empty p is the root.
func Clean(p string) (clean string, changed bool, err error) {
	if strings.Contains(p, `\`) {
		return "", false, ErrBackslash
	}
	if strings.Contains(p, "\x00") || strings.Contains(strings.ToUpper(p), "%00") {
		return "", false, ErrNullByte
	}
	if strings.Contains(p, "%") {
		if err := checkEscapes(p); err != nil {
			return "", false, err
		}
	}

	var out []string
	for _, elem := range strings.Split(p, "/") {
		switch elem {
		case "", ".":
		case "..":
			if len(out) == 0 {
				return "", false, ErrEscapesRoot
			}
			out = out[:len(out)-1]
		default:
			out = append(out, elem)
		}
	}
	clean = "/" + strings.Join(out, "/")
	return clean, clean != p, nil
}

// MustClean is Clean for paths known to be valid, such as configured page
// keys. Invalid paths are returned unchanged.
func MustClean(p string) string {
	clean, _, err := Clean(p)
	if err != nil {
		return p
	}
	return clean
}

// Segments splits a canonical path into its elements. The root has none.
func Segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// LocalTarget validates a redirect target produced by server code. Targets
// must be rooted paths on the same origin, optionally with a query. The path
// part is returned in canonical form with the query reattached.
func LocalTarget(target string) (string, error) {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "", ErrNotLocal
	}
	p, query, hasQuery := strings.Cut(target, "?")
	if strings.Contains(p, "#") {
		return "", ErrNotLocal
	}
	clean, _, err := Clean(p)
	if err != nil {
		return "", err
	}
	if hasQuery && query != "" {
		return clean + "?" + query, nil
	}
	return clean, nil
}

func checkEscapes(p string) error {
	for i := 0; i < len(p); i++ {
		if p[i] != '%' {
			continue
		}
		if i+2 >= len(p) || !isHex(p[i+1]) || !isHex(p[i+2]) {
			return ErrInvalidEscape
		}
		i += 2
	}
	return nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
