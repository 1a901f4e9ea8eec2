package driver

import (
	"strings"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// CleanPath converts a mount-relative path to canonical form: forward
// slashes, no leading or trailing separator, no empty or "." segments.
// A ".." segment yields ErrInvalidPath.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	segments := strings.Split(p, "/")
	out := segments[:0]
	for _, s := range segments {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", domain.ErrInvalidPath
		}
		out = append(out, s)
	}
	return strings.Join(out, "/"), nil
}

// JoinPath joins cleaned segments, skipping empty ones.
func JoinPath(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// SplitPath returns the parent and last segment of a cleaned path.
func SplitPath(p string) (parent, name string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}
