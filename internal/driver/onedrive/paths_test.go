package onedrive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"/docs/", "docs"},
		{"docs//reports/./q1.pdf", "docs/reports/q1.pdf"},
		{`docs\reports`, "docs/reports"},
		{"  /a/b  ", "a/b"},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := NormalizePath("docs/../secret")
	require.ErrorIs(t, err, domain.ErrInvalidPath)
}

func TestResolveFilePath(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		file string
		want string
	}{
		{"directory gets name appended", "/docs", "report.pdf", "docs/report.pdf"},
		{"root", "/", "report.pdf", "report.pdf"},
		{"full path is kept", "/docs/report.pdf", "report.pdf", "docs/report.pdf"},
		{"comparison ignores case", "/docs/Report.PDF", "report.pdf", "docs/Report.PDF"},
		{"empty name keeps dir", "/docs/report.pdf", "", "docs/report.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveFilePath(tt.dir, tt.file)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			again, err := ResolveFilePath(got, tt.file)
			require.NoError(t, err)
			require.Equal(t, got, again, "resolving twice must not extend the path")
		})
	}

	_, err := ResolveFilePath("/docs", "a/b.txt")
	require.ErrorIs(t, err, domain.ErrInvalidPath)
	_, err = ResolveFilePath("/docs/../x", "b.txt")
	require.ErrorIs(t, err, domain.ErrInvalidPath)
}

func TestJoinPathAndEscape(t *testing.T) {
	require.Equal(t, "root/docs/a.txt", JoinPath("root", "", "/docs/", "a.txt"))
	require.Equal(t, "", JoinPath("", ""))
	require.Equal(t, "my%20docs/a%23b.txt", escapePath("my docs/a#b.txt"))

	parent, name := splitPath("a/b/c.txt")
	require.Equal(t, "a/b", parent)
	require.Equal(t, "c.txt", name)
	parent, name = splitPath("c.txt")
	require.Equal(t, "", parent)
	require.Equal(t, "c.txt", name)
}
