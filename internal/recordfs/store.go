// Package recordfs adapts record-oriented stores (SQL tables, document
// collections, key-value databases) to metafs.FileSystem. A store keeps one
// record per file or directory, keyed by its clean path; recordfs supplies
// the hierarchy rules on top.
package recordfs

import (
	"context"
	"path"
	"time"
)

// Record is one file or directory. The root directory "" is implicit and
// never stored.
type Record struct {
	Path        string
	IsDir       bool
	Data        []byte
	Size        int64
	ContentType string
	Metadata    map[string]string
	ModTime     time.Time
	Created     time.Time
}

// Parent returns the parent directory of the record, "" for top-level
// entries.
func (r *Record) Parent() string {
	return Parent(r.Path)
}

// Parent returns the parent of a clean path.
func Parent(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// Store is the persistence contract a backend implements. Missing records
// are reported with metafs.ErrNotExist.
type Store interface {
	// Get loads a record. Data is populated only when withData is set.
	Get(ctx context.Context, p string, withData bool) (*Record, error)

	// Put inserts or replaces records.
	Put(ctx context.Context, recs ...*Record) error

	// Children returns the direct children of dir without data, in any
	// order.
	Children(ctx context.Context, dir string) ([]*Record, error)

	// Descendants returns every record strictly below dir, parents before
	// children.
	Descendants(ctx context.Context, dir string, withData bool) ([]*Record, error)

	// DeleteTree removes p and everything below it.
	DeleteTree(ctx context.Context, p string) error

	// RenameTree moves p and everything below it to dst. The destination
	// is known to be free.
	RenameTree(ctx context.Context, src, dst string) error

	// Close releases the connection.
	Close() error
}
