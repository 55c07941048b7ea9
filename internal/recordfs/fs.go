package recordfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gobeaver/metafs"
)

// FS implements metafs.FileSystem over a Store.
type FS struct {
	store        Store
	mode         metafs.DeleteMode
	pollInterval time.Duration
	maxSize      int64
}

// Option configures an FS.
type Option func(*FS)

// WithDeleteMode selects how non-empty directories are deleted.
func WithDeleteMode(mode metafs.DeleteMode) Option {
	return func(f *FS) {
		if mode != "" {
			f.mode = mode
		}
	}
}

// WithPollInterval sets how often Watch re-lists the store.
func WithPollInterval(d time.Duration) Option {
	return func(f *FS) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithMaxFileSize rejects writes larger than n bytes. Zero means no limit.
func WithMaxFileSize(n int64) Option {
	return func(f *FS) { f.maxSize = n }
}

// New wraps store. The FS owns the store and closes it on Close.
func New(store Store, opts ...Option) *FS {
	f := &FS{
		store:        store,
		mode:         metafs.DeleteRecursive,
		pollInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Capabilities implements metafs.FileSystem
func (f *FS) Capabilities() metafs.Capabilities {
	return metafs.Capabilities{DeleteMode: f.mode}
}

// Close closes the underlying store.
func (f *FS) Close() error {
	return f.store.Close()
}

func pathErr(op, p string, err error) error {
	var pe *metafs.PathError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &metafs.PathError{Op: op, Path: p, Err: err}
}

// lookup returns the record at p, synthesizing the root.
func (f *FS) lookup(ctx context.Context, p string, withData bool) (*Record, error) {
	if p == "" {
		return &Record{IsDir: true}, nil
	}
	return f.store.Get(ctx, p, withData)
}

// ensureParents creates missing ancestors of p and fails with ErrNotDir
// when one of them is a file.
func (f *FS) ensureParents(ctx context.Context, p string, now time.Time) error {
	var missing []*Record
	for dir := Parent(p); dir != ""; dir = Parent(dir) {
		rec, err := f.store.Get(ctx, dir, false)
		if err == nil {
			if !rec.IsDir {
				return fmt.Errorf("%w: %s", metafs.ErrNotDir, dir)
			}
			break
		}
		if !errors.Is(err, metafs.ErrNotExist) {
			return err
		}
		missing = append(missing, &Record{Path: dir, IsDir: true, ModTime: now, Created: now})
	}
	if len(missing) == 0 {
		return nil
	}
	// Parents first.
	for i, j := 0, len(missing)-1; i < j; i, j = i+1, j-1 {
		missing[i], missing[j] = missing[j], missing[i]
	}
	return f.store.Put(ctx, missing...)
}

// Write implements metafs.FileWriter
func (f *FS) Write(ctx context.Context, p string, r io.Reader, options ...metafs.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = metafs.CleanPath(p)
	if p == "" {
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrIsDir}
	}
	opts := metafs.ProcessOptions(options...)

	var buf bytes.Buffer
	src := r
	if f.maxSize > 0 {
		src = io.LimitReader(r, f.maxSize+1)
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return pathErr("write", p, err)
	}
	if f.maxSize > 0 && int64(buf.Len()) > f.maxSize {
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrInvalidSize}
	}

	now := time.Now()
	created := now
	existing, err := f.store.Get(ctx, p, false)
	switch {
	case err == nil && existing.IsDir:
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrIsDir}
	case err == nil:
		created = existing.Created
	case !errors.Is(err, metafs.ErrNotExist):
		return pathErr("write", p, err)
	}
	if err := f.ensureParents(ctx, p, now); err != nil {
		return pathErr("write", p, err)
	}

	data := buf.Bytes()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = metafs.GuessContentType(p, data)
	}
	rec := &Record{
		Path:        p,
		Data:        data,
		Size:        int64(len(data)),
		ContentType: contentType,
		Metadata:    opts.Metadata,
		ModTime:     now,
		Created:     created,
	}
	if err := f.store.Put(ctx, rec); err != nil {
		return pathErr("write", p, err)
	}
	return nil
}

// Read implements metafs.FileReader
func (f *FS) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = metafs.CleanPath(p)
	rec, err := f.lookup(ctx, p, true)
	if err != nil {
		return nil, pathErr("read", p, err)
	}
	if rec.IsDir {
		return nil, &metafs.PathError{Op: "read", Path: p, Err: metafs.ErrIsDir}
	}
	return io.NopCloser(bytes.NewReader(rec.Data)), nil
}

// Stat implements metafs.FileReader
func (f *FS) Stat(ctx context.Context, p string) (*metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = metafs.CleanPath(p)
	rec, err := f.lookup(ctx, p, false)
	if err != nil {
		return nil, pathErr("stat", p, err)
	}
	info := toFileInfo(rec)
	return &info, nil
}

// Exists implements metafs.FileReader
func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := f.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if metafs.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List implements metafs.FileReader
func (f *FS) List(ctx context.Context, p string) ([]metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = metafs.CleanPath(p)
	rec, err := f.lookup(ctx, p, false)
	if err != nil {
		return nil, pathErr("list", p, err)
	}
	if !rec.IsDir {
		return nil, &metafs.PathError{Op: "list", Path: p, Err: metafs.ErrNotDir}
	}

	children, err := f.store.Children(ctx, p)
	if err != nil {
		return nil, pathErr("list", p, err)
	}
	infos := make([]metafs.FileInfo, 0, len(children))
	for _, c := range children {
		infos = append(infos, toFileInfo(c))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func toFileInfo(rec *Record) metafs.FileInfo {
	info := metafs.FileInfo{
		Name:     path.Base(rec.Path),
		Path:     rec.Path,
		ModTime:  rec.ModTime,
		Created:  rec.Created,
		IsDir:    rec.IsDir,
		Metadata: rec.Metadata,
	}
	if rec.Path == "" {
		info.Name = ""
	}
	if !rec.IsDir {
		info.Size = rec.Size
		info.ContentType = rec.ContentType
	}
	return info
}

// MakeDir implements metafs.FileWriter
func (f *FS) MakeDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = metafs.CleanPath(p)
	rec, err := f.lookup(ctx, p, false)
	switch {
	case err == nil && rec.IsDir:
		return nil
	case err == nil:
		return &metafs.PathError{Op: "mkdir", Path: p, Err: metafs.ErrExist}
	case !errors.Is(err, metafs.ErrNotExist):
		return pathErr("mkdir", p, err)
	}

	now := time.Now()
	if err := f.ensureParents(ctx, p, now); err != nil {
		return pathErr("mkdir", p, err)
	}
	if err := f.store.Put(ctx, &Record{Path: p, IsDir: true, ModTime: now, Created: now}); err != nil {
		return pathErr("mkdir", p, err)
	}
	return nil
}

// Delete implements metafs.FileWriter
func (f *FS) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = metafs.CleanPath(p)
	if p == "" {
		return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotAllowed}
	}
	rec, err := f.store.Get(ctx, p, false)
	if err != nil {
		return pathErr("delete", p, err)
	}
	if rec.IsDir && f.mode == metafs.DeleteStrict {
		children, err := f.store.Children(ctx, p)
		if err != nil {
			return pathErr("delete", p, err)
		}
		if len(children) > 0 {
			return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotEmpty}
		}
	}
	if err := f.store.DeleteTree(ctx, p); err != nil {
		return pathErr("delete", p, err)
	}
	return nil
}

// checkTransfer validates a copy or move and returns the source record.
func (f *FS) checkTransfer(ctx context.Context, op, src, dst string, withData bool) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src == "" || dst == "" || dst == src || strings.HasPrefix(dst, src+"/") {
		return nil, &metafs.PathError{Op: op, Path: dst, Err: metafs.ErrNotAllowed}
	}
	rec, err := f.store.Get(ctx, src, withData)
	if err != nil {
		return nil, pathErr(op, src, err)
	}
	_, err = f.store.Get(ctx, dst, false)
	switch {
	case err == nil:
		return nil, &metafs.PathError{Op: op, Path: dst, Err: metafs.ErrExist}
	case !errors.Is(err, metafs.ErrNotExist):
		return nil, pathErr(op, dst, err)
	}
	if err := f.ensureParents(ctx, dst, time.Now()); err != nil {
		return nil, pathErr(op, dst, err)
	}
	return rec, nil
}

// Copy implements metafs.CanCopy. Directories are copied with their whole
// subtree.
func (f *FS) Copy(ctx context.Context, src, dst string) error {
	src, dst = metafs.CleanPath(src), metafs.CleanPath(dst)
	rec, err := f.checkTransfer(ctx, "copy", src, dst, true)
	if err != nil {
		return err
	}

	recs := []*Record{rec}
	if rec.IsDir {
		below, err := f.store.Descendants(ctx, src, true)
		if err != nil {
			return pathErr("copy", src, err)
		}
		recs = append(recs, below...)
	}
	now := time.Now()
	for _, r := range recs {
		r.Path = dst + strings.TrimPrefix(r.Path, src)
		r.ModTime, r.Created = now, now
	}
	if err := f.store.Put(ctx, recs...); err != nil {
		return pathErr("copy", dst, err)
	}
	return nil
}

// Move implements metafs.FileWriter
func (f *FS) Move(ctx context.Context, src, dst string) error {
	src, dst = metafs.CleanPath(src), metafs.CleanPath(dst)
	if _, err := f.checkTransfer(ctx, "move", src, dst, false); err != nil {
		return err
	}
	if err := f.store.RenameTree(ctx, src, dst); err != nil {
		return pathErr("move", src, err)
	}
	return nil
}

// Checksum implements metafs.CanChecksum
func (f *FS) Checksum(ctx context.Context, p string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	r, err := f.Read(ctx, p)
	if err != nil {
		return "", err
	}
	defer r.Close()
	sum, err := metafs.CalculateChecksum(r, algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: metafs.CleanPath(p), Err: err}
	}
	return sum, nil
}

// Watch implements metafs.CanWatch by polling the store.
func (f *FS) Watch(ctx context.Context, pattern string) (metafs.ChangeToken, error) {
	return metafs.PollWatch(ctx, f, pattern, f.pollInterval)
}

var (
	_ metafs.FileSystem  = (*FS)(nil)
	_ metafs.CanCopy     = (*FS)(nil)
	_ metafs.CanChecksum = (*FS)(nil)
	_ metafs.CanWatch    = (*FS)(nil)
	_ io.Closer          = (*FS)(nil)
)
