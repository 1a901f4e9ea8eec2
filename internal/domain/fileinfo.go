package domain

import "time"

// ItemType distinguishes files from directories in listings.
type ItemType string

const (
	ItemTypeFile      ItemType = "file"
	ItemTypeDirectory ItemType = "directory"
)

// FileInfo describes one file or directory on a backend.
type FileInfo struct {
	// Name is the last path segment.
	Name string `json:"name"`

	// Path is relative to the mount root, using forward slashes.
	Path string `json:"path"`

	Type        ItemType  `json:"type"`
	Size        int64     `json:"size"`
	ContentType string    `json:"mimetype,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	ModifiedAt  time.Time `json:"modified"`

	// ProviderID is the backend's own identifier (drive item id, object key).
	ProviderID string `json:"-"`
}

// IsDir reports whether the item is a directory.
func (f *FileInfo) IsDir() bool {
	return f.Type == ItemTypeDirectory
}

// DirectoryListing is the result of listing one directory.
type DirectoryListing struct {
	Path      string      `json:"path"`
	Type      ItemType    `json:"type"`
	IsRoot    bool        `json:"isRoot"`
	IsVirtual bool        `json:"isVirtual"`
	Items     []*FileInfo `json:"items"`

	// HasMore and NextCursor are set by backends with paged listings.
	HasMore    bool   `json:"hasMore,omitempty"`
	NextCursor string `json:"nextCursor,omitempty"`
}
