package metafs

import (
	"context"
	"io"
	"time"
)

// FileInfo represents file/directory metadata as reported by a backend.
// Path is backend-relative.
type FileInfo struct {
	Name        string
	Path        string
	Size        int64
	ModTime     time.Time
	Created     time.Time
	IsDir       bool
	ContentType string
	Metadata    map[string]string
}

// ============================================================================
// Backend Adapter Interfaces
// ============================================================================

// FileReader provides read-only access to one backend.
type FileReader interface {
	// Stat returns file/directory metadata.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Read returns a stream for reading file content.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// List returns the direct children of a directory, sorted by name.
	// It fails with ErrNotDir when path is a file.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// Exists reports whether a file or directory exists at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// FileWriter provides write operations on one backend.
type FileWriter interface {
	// Write writes content from r to path, replacing any existing file.
	// Missing parent directories are created.
	Write(ctx context.Context, path string, r io.Reader, opts ...Option) error

	// MakeDir creates a directory (and parents if needed).
	MakeDir(ctx context.Context, path string) error

	// Delete removes a file or directory. Non-empty directories are removed
	// or refused according to Capabilities().DeleteMode.
	Delete(ctx context.Context, path string) error

	// Move renames src to dst within the backend.
	Move(ctx context.Context, src, dst string) error
}

// FileSystem is the uniform capability interface every backend driver
// implements. Paths never include the resource selector.
type FileSystem interface {
	FileReader
	FileWriter

	// Capabilities declares backend behavior the dispatcher relies on.
	Capabilities() Capabilities
}

// DeleteMode declares how Delete treats non-empty directories.
type DeleteMode string

const (
	// DeleteRecursive removes a directory and everything below it.
	DeleteRecursive DeleteMode = "recursive"
	// DeleteStrict refuses non-empty directories with ErrNotEmpty.
	DeleteStrict DeleteMode = "strict"
)

// Capabilities describes backend quirks that callers can observe.
type Capabilities struct {
	// DeleteMode is how Delete behaves on non-empty directories.
	DeleteMode DeleteMode
	// CaseInsensitive is true when names differing only in case collide.
	CaseInsensitive bool
	// ReadOnly is true when every write operation fails.
	ReadOnly bool
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Use type assertion to check if a driver supports a capability:
//
//	if copier, ok := fs.(CanCopy); ok {
//	    copier.Copy(ctx, src, dst)
//	}

// CanCopy indicates the filesystem supports native copy operations.
type CanCopy interface {
	Copy(ctx context.Context, src, dst string) error
}

// ChecksumAlgorithm represents a supported checksum algorithm
type ChecksumAlgorithm string

const (
	// ChecksumMD5 is the MD5 hash algorithm
	ChecksumMD5 ChecksumAlgorithm = "md5"
	// ChecksumSHA1 is the SHA-1 hash algorithm
	ChecksumSHA1 ChecksumAlgorithm = "sha1"
	// ChecksumSHA256 is the SHA-256 hash algorithm
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	// ChecksumSHA512 is the SHA-512 hash algorithm
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	// ChecksumCRC32 is the CRC32 checksum
	ChecksumCRC32 ChecksumAlgorithm = "crc32"
	// ChecksumXXHash is the xxHash algorithm (64-bit, extremely fast)
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// CanChecksum indicates the backend can compute checksums without the
// caller streaming the content, e.g. from stored object metadata.
type CanChecksum interface {
	Checksum(ctx context.Context, path string, algorithm ChecksumAlgorithm) (string, error)
}

// ============================================================================
// File Watching Interface (ChangeToken Pattern)
// ============================================================================

// ChangeToken represents a change notification token. Once HasChanged
// returns true it stays true.
type ChangeToken interface {
	HasChanged() bool

	// ActiveChangeCallbacks indicates if the token proactively raises callbacks.
	// If false, consumers should poll HasChanged instead.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers a callback invoked on change and
	// returns a function to unregister it.
	RegisterChangeCallback(callback func()) (unregister func())
}

// CanWatch indicates the filesystem supports file change notifications.
type CanWatch interface {
	// Watch creates a change token for a glob pattern such as "**/*.txt".
	Watch(ctx context.Context, pattern string) (ChangeToken, error)
}
