package metafs

import (
	"context"
	"errors"
	"io"
)

// ErrReadOnly is returned when a write operation is attempted on a read-only resource.
var ErrReadOnly = errors.New("resource is read-only")

// ============================================================================
// ReadOnlyFileSystem Decorator
// ============================================================================

// ReadOnlyFileSystem wraps a FileSystem to block every write operation.
// The registry applies it to resources registered without write access.
//
// Example:
//
//	ro := metafs.NewReadOnlyFileSystem(fs)
//	err := ro.Write(ctx, "file.txt", r)
//	// errors.Is(err, metafs.ErrReadOnly) == true
type ReadOnlyFileSystem struct {
	fs   FileSystem
	opts ReadOnlyOptions
}

// ReadOnlyOptions configures the ReadOnlyFileSystem behavior.
type ReadOnlyOptions struct {
	// OnWriteAttempt is called for every blocked write. It may be used for
	// logging; its return value replaces ErrReadOnly when non-nil.
	OnWriteAttempt func(op, path string) error
}

// ReadOnlyOption is a functional option for configuring ReadOnlyFileSystem.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithWriteAttemptHandler sets a handler for blocked write attempts.
func WithWriteAttemptHandler(handler func(op, path string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// NewReadOnlyFileSystem creates a read-only wrapper around a FileSystem.
func NewReadOnlyFileSystem(fs FileSystem, opts ...ReadOnlyOption) *ReadOnlyFileSystem {
	options := ReadOnlyOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &ReadOnlyFileSystem{fs: fs, opts: options}
}

// Unwrap returns the underlying FileSystem.
func (r *ReadOnlyFileSystem) Unwrap() FileSystem {
	return r.fs
}

func (r *ReadOnlyFileSystem) readOnlyError(op, path string) error {
	err := ErrReadOnly
	if r.opts.OnWriteAttempt != nil {
		if custom := r.opts.OnWriteAttempt(op, path); custom != nil {
			err = custom
		}
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// ============================================================================
// Read Operations (Delegated)
// ============================================================================

func (r *ReadOnlyFileSystem) Stat(ctx context.Context, path string) (*FileInfo, error) {
	return r.fs.Stat(ctx, path)
}

func (r *ReadOnlyFileSystem) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	return r.fs.Read(ctx, path)
}

func (r *ReadOnlyFileSystem) List(ctx context.Context, path string) ([]FileInfo, error) {
	return r.fs.List(ctx, path)
}

func (r *ReadOnlyFileSystem) Exists(ctx context.Context, path string) (bool, error) {
	return r.fs.Exists(ctx, path)
}

// Capabilities reports the wrapped backend's capabilities with ReadOnly set.
func (r *ReadOnlyFileSystem) Capabilities() Capabilities {
	c := r.fs.Capabilities()
	c.ReadOnly = true
	return c
}

// ============================================================================
// Write Operations (Blocked)
// ============================================================================

func (r *ReadOnlyFileSystem) Write(ctx context.Context, path string, content io.Reader, options ...Option) error {
	return r.readOnlyError("write", path)
}

func (r *ReadOnlyFileSystem) MakeDir(ctx context.Context, path string) error {
	return r.readOnlyError("mkdir", path)
}

func (r *ReadOnlyFileSystem) Delete(ctx context.Context, path string) error {
	return r.readOnlyError("delete", path)
}

func (r *ReadOnlyFileSystem) Move(ctx context.Context, src, dst string) error {
	return r.readOnlyError("move", src)
}

// ============================================================================
// Optional Interface Delegation
// ============================================================================

// Checksum delegates to the underlying filesystem if supported.
func (r *ReadOnlyFileSystem) Checksum(ctx context.Context, path string, algorithm ChecksumAlgorithm) (string, error) {
	if checksummer, ok := r.fs.(CanChecksum); ok {
		return checksummer.Checksum(ctx, path, algorithm)
	}
	return "", &PathError{Op: "checksum", Path: path, Err: ErrNotSupported}
}

// Watch delegates to the underlying filesystem if supported.
func (r *ReadOnlyFileSystem) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	if watcher, ok := r.fs.(CanWatch); ok {
		return watcher.Watch(ctx, pattern)
	}
	return CancelledChangeToken{}, nil
}

// Close releases the underlying filesystem if it holds resources.
func (r *ReadOnlyFileSystem) Close() error {
	if c, ok := r.fs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Ensure ReadOnlyFileSystem implements FileSystem and optional interfaces
var (
	_ FileSystem  = (*ReadOnlyFileSystem)(nil)
	_ CanChecksum = (*ReadOnlyFileSystem)(nil)
	_ CanWatch    = (*ReadOnlyFileSystem)(nil)
	_ io.Closer   = (*ReadOnlyFileSystem)(nil)
)
