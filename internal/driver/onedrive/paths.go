package onedrive

import (
	"net/url"
	"strings"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

// NormalizePath converts p to the canonical remote form. A ".." segment
// yields ErrInvalidPath.
func NormalizePath(p string) (string, error) {
	return driver.CleanPath(p)
}

// JoinPath joins normalized segments, skipping empty ones.
func JoinPath(parts ...string) string {
	return driver.JoinPath(parts...)
}

// ResolveFilePath returns the path of name inside dir. When dir already ends
// with name (case-insensitive, as the provider compares names), dir is
// returned unchanged so a full file path is never extended twice.
func ResolveFilePath(dir, name string) (string, error) {
	dir, err := NormalizePath(dir)
	if err != nil {
		return "", err
	}
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return dir, nil
	}
	if strings.Contains(name, "/") || name == ".." || name == "." {
		return "", domain.ErrInvalidPath
	}
	if dir == "" {
		return name, nil
	}
	if strings.EqualFold(lastSegment(dir), name) {
		return dir, nil
	}
	return dir + "/" + name, nil
}

func splitPath(p string) (parent, name string) {
	return driver.SplitPath(p)
}

func lastSegment(p string) string {
	_, name := splitPath(p)
	return name
}

// escapePath percent-encodes each segment for use in a Graph path address.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
