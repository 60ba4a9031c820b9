package domain

import "time"

// FileType represents the type of a remote directory entry
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
)

// FileItem is one entry of a remote directory listing
type FileItem struct {
	Name string `json:"name"`

	// Type is either file or directory; symlinks are reported as files
	Type FileType `json:"type"`

	// Size in bytes (0 for directories)
	Size int64 `json:"size"`

	Modified time.Time `json:"modified"`

	// Permissions is a POSIX-style string such as "-rw-r--r--".
	// Empty when the protocol has no permission concept.
	Permissions string `json:"permissions,omitempty"`
}

// IsDir returns true if this is a directory
func (f FileItem) IsDir() bool {
	return f.Type == FileTypeDirectory
}
