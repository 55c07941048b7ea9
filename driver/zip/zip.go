package zip

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronicleprotocol/go-lib/errutil"
	"github.com/gobeaver/metafs"
	"github.com/gobwas/glob"
)

// Adapter exposes a ZIP archive as a metafs.FileSystem. The central
// directory is indexed on open and entries are read lazily. Changes are
// kept in memory and written back by Flush or Close.
type Adapter struct {
	mu       sync.RWMutex
	path     string
	readOnly bool
	mode     metafs.DeleteMode
	reader   *zip.ReadCloser
	entries  map[string]*zipEntry
	modified bool

	watchMu sync.RWMutex
	watches []*watchEntry
}

// zipEntry is a file or directory in the archive. A file is backed either
// by an archive member or by content written since the last flush.
type zipEntry struct {
	file    *zip.File
	content []byte
	isDir   bool
	modTime time.Time
}

type watchEntry struct {
	filter glob.Glob
	token  *metafs.CallbackChangeToken
}

// Config holds configuration for the ZIP adapter
type Config struct {
	// ReadOnly rejects every write with metafs.ErrReadOnly.
	ReadOnly bool
	// Create starts an empty archive when the file does not exist.
	Create bool
	// DeleteMode selects how non-empty directories are deleted. Empty
	// means recursive.
	DeleteMode metafs.DeleteMode
}

// Open indexes the archive at zipPath.
func Open(zipPath string, cfg Config) (*Adapter, error) {
	if cfg.DeleteMode == "" {
		cfg.DeleteMode = metafs.DeleteRecursive
	}
	a := &Adapter{
		path:     zipPath,
		readOnly: cfg.ReadOnly,
		mode:     cfg.DeleteMode,
	}

	_, err := os.Stat(zipPath)
	switch {
	case err == nil:
		if err := a.load(); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist) && cfg.Create && !cfg.ReadOnly:
		a.entries = map[string]*zipEntry{"": {isDir: true, modTime: time.Now()}}
		a.modified = true
	default:
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	return a, nil
}

// load (re)opens the archive and rebuilds the index. Must be called with
// lock held or before the adapter is shared.
func (a *Adapter) load() error {
	reader, err := zip.OpenReader(a.path)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	a.reader = reader
	a.entries = map[string]*zipEntry{"": {isDir: true}}

	for _, f := range reader.File {
		name := metafs.CleanPath(f.Name)
		if name == "" {
			continue
		}
		if f.FileInfo().IsDir() {
			a.entries[name] = &zipEntry{isDir: true, modTime: f.Modified}
		} else {
			a.entries[name] = &zipEntry{file: f, modTime: f.Modified}
		}
		// Archives may omit directory records.
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if _, ok := a.entries[dir]; !ok {
				a.entries[dir] = &zipEntry{isDir: true, modTime: f.Modified}
			}
		}
	}
	return nil
}

// Capabilities implements metafs.FileSystem
func (a *Adapter) Capabilities() metafs.Capabilities {
	return metafs.Capabilities{DeleteMode: a.mode, ReadOnly: a.readOnly}
}

// Flush writes pending changes back to the archive file.
func (a *Adapter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Adapter) flushLocked() error {
	if !a.modified {
		return nil
	}
	if err := a.rewrite(); err != nil {
		return err
	}
	if a.reader != nil {
		a.reader.Close()
		a.reader = nil
	}
	if err := a.load(); err != nil {
		return err
	}
	a.modified = false
	return nil
}

// Close flushes pending changes and releases the archive.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if ferr := a.flushLocked(); ferr != nil {
		err = errutil.Append(err, ferr)
	}
	if a.reader != nil {
		if cerr := a.reader.Close(); cerr != nil {
			err = errutil.Append(err, cerr)
		}
		a.reader = nil
	}
	return err
}

// rewrite writes every entry to a temporary file next to the archive and
// renames it over the original.
func (a *Adapter) rewrite() error {
	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".metafs-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	names := make([]string, 0, len(a.entries))
	for name := range a.entries {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	w := zip.NewWriter(tmp)
	for _, name := range names {
		entry := a.entries[name]
		if entry.isDir {
			header := &zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: entry.modTime}
			header.SetMode(os.ModeDir | 0o755)
			if _, err := w.CreateHeader(header); err != nil {
				return fail(err)
			}
			continue
		}

		if entry.file != nil && entry.file.Name == name {
			// Unchanged members are copied without recompressing.
			if err := w.Copy(entry.file); err != nil {
				return fail(err)
			}
			continue
		}

		header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: entry.modTime}
		header.SetMode(0o644)
		dst, err := w.CreateHeader(header)
		if err != nil {
			return fail(err)
		}
		src, err := entry.open()
		if err != nil {
			return fail(err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			return fail(err)
		}
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (e *zipEntry) open() (io.ReadCloser, error) {
	if e.file != nil {
		return e.file.Open()
	}
	return io.NopCloser(bytes.NewReader(e.content)), nil
}

func (e *zipEntry) size() int64 {
	if e.file != nil {
		return int64(e.file.UncompressedSize64)
	}
	return int64(len(e.content))
}

func (a *Adapter) info(p string, e *zipEntry) metafs.FileInfo {
	fi := metafs.FileInfo{
		Name:    path.Base(p),
		Path:    p,
		ModTime: e.modTime,
		IsDir:   e.isDir,
	}
	if p == "" {
		fi.Name = ""
	}
	if !e.isDir {
		fi.Size = e.size()
		fi.ContentType = metafs.GuessContentType(p, e.content)
	}
	return fi
}

// writable checks the context and the read-only flag.
func (a *Adapter) writable(ctx context.Context, op, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.readOnly {
		return &metafs.PathError{Op: op, Path: p, Err: metafs.ErrReadOnly}
	}
	return nil
}

// Write implements metafs.FileWriter
func (a *Adapter) Write(ctx context.Context, p string, content io.Reader, options ...metafs.Option) error {
	p = metafs.CleanPath(p)
	if err := a.writable(ctx, "write", p); err != nil {
		return err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return &metafs.PathError{Op: "write", Path: p, Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[p]; ok && e.isDir {
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrIsDir}
	}
	if err := a.ensureParentDirs(p); err != nil {
		return &metafs.PathError{Op: "write", Path: p, Err: err}
	}
	a.entries[p] = &zipEntry{content: data, modTime: time.Now()}
	a.modified = true

	go a.notifyWatchers(p)
	return nil
}

// ensureParentDirs adds missing ancestors of p. Must be called with lock
// held.
func (a *Adapter) ensureParentDirs(p string) error {
	var missing []string
	for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
		if e, ok := a.entries[dir]; ok {
			if !e.isDir {
				return metafs.ErrNotDir
			}
			break
		}
		missing = append(missing, dir)
	}
	now := time.Now()
	for _, dir := range missing {
		a.entries[dir] = &zipEntry{isDir: true, modTime: now}
	}
	return nil
}

// Read implements metafs.FileReader
func (a *Adapter) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = metafs.CleanPath(p)

	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[p]
	if !ok {
		return nil, &metafs.PathError{Op: "read", Path: p, Err: metafs.ErrNotExist}
	}
	if e.isDir {
		return nil, &metafs.PathError{Op: "read", Path: p, Err: metafs.ErrIsDir}
	}
	if e.file == nil {
		return io.NopCloser(bytes.NewReader(e.content)), nil
	}
	// Buffer archive members so a later flush cannot close the reader
	// under the caller.
	rc, err := e.file.Open()
	if err != nil {
		return nil, &metafs.PathError{Op: "read", Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrInvalidFormat, err)}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &metafs.PathError{Op: "read", Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrInvalidFormat, err)}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists implements metafs.FileReader
func (a *Adapter) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.entries[metafs.CleanPath(p)]
	return ok, nil
}

// Stat implements metafs.FileReader
func (a *Adapter) Stat(ctx context.Context, p string) (*metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = metafs.CleanPath(p)

	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[p]
	if !ok {
		return nil, &metafs.PathError{Op: "stat", Path: p, Err: metafs.ErrNotExist}
	}
	fi := a.info(p, e)
	return &fi, nil
}

// List implements metafs.FileReader
func (a *Adapter) List(ctx context.Context, p string) ([]metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = metafs.CleanPath(p)

	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[p]
	if !ok {
		return nil, &metafs.PathError{Op: "list", Path: p, Err: metafs.ErrNotExist}
	}
	if !e.isDir {
		return nil, &metafs.PathError{Op: "list", Path: p, Err: metafs.ErrNotDir}
	}

	var files []metafs.FileInfo
	for name, child := range a.entries {
		if name != "" && path.Dir(name) == dirOrDot(p) {
			files = append(files, a.info(name, child))
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func dirOrDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}

// MakeDir implements metafs.FileWriter
func (a *Adapter) MakeDir(ctx context.Context, p string) error {
	p = metafs.CleanPath(p)
	if err := a.writable(ctx, "mkdir", p); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[p]; ok {
		if e.isDir {
			return nil
		}
		return &metafs.PathError{Op: "mkdir", Path: p, Err: metafs.ErrExist}
	}
	if err := a.ensureParentDirs(p); err != nil {
		return &metafs.PathError{Op: "mkdir", Path: p, Err: err}
	}
	a.entries[p] = &zipEntry{isDir: true, modTime: time.Now()}
	a.modified = true

	go a.notifyWatchers(p)
	return nil
}

// Delete implements metafs.FileWriter
func (a *Adapter) Delete(ctx context.Context, p string) error {
	p = metafs.CleanPath(p)
	if err := a.writable(ctx, "delete", p); err != nil {
		return err
	}
	if p == "" {
		return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotAllowed}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[p]
	if !ok {
		return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotExist}
	}
	if e.isDir {
		descendants := a.subtree(p)
		if len(descendants) > 0 && a.mode == metafs.DeleteStrict {
			return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotEmpty}
		}
		for _, name := range descendants {
			delete(a.entries, name)
		}
	}
	delete(a.entries, p)
	a.modified = true

	go a.notifyWatchers(p)
	return nil
}

// subtree returns the names strictly below dir. Must be called with lock
// held.
func (a *Adapter) subtree(dir string) []string {
	prefix := dir + "/"
	var names []string
	for name := range a.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy. Directories are copied with their whole
// subtree.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, "copy", src, dst, false)
}

// Move implements metafs.FileWriter.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, "move", src, dst, true)
}

func (a *Adapter) transfer(ctx context.Context, op, src, dst string, remove bool) error {
	src, dst = metafs.CleanPath(src), metafs.CleanPath(dst)
	if err := a.writable(ctx, op, src); err != nil {
		return err
	}
	if src == "" || dst == "" || dst == src || strings.HasPrefix(dst, src+"/") {
		return &metafs.PathError{Op: op, Path: dst, Err: metafs.ErrNotAllowed}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[src]
	if !ok {
		return &metafs.PathError{Op: op, Path: src, Err: metafs.ErrNotExist}
	}
	if _, exists := a.entries[dst]; exists {
		return &metafs.PathError{Op: op, Path: dst, Err: metafs.ErrExist}
	}
	if err := a.ensureParentDirs(dst); err != nil {
		return &metafs.PathError{Op: op, Path: dst, Err: err}
	}

	names := []string{src}
	if e.isDir {
		names = append(names, a.subtree(src)...)
	}
	now := time.Now()
	for _, name := range names {
		from := a.entries[name]
		to := &zipEntry{file: from.file, content: from.content, isDir: from.isDir, modTime: now}
		if remove {
			to.modTime = from.modTime
			delete(a.entries, name)
		}
		a.entries[dst+strings.TrimPrefix(name, src)] = to
	}
	a.modified = true

	go func() {
		if remove {
			a.notifyWatchers(src)
		}
		a.notifyWatchers(dst)
	}()
	return nil
}

// Checksum implements metafs.CanChecksum. CRC32 comes from the archive
// header for unmodified members.
func (a *Adapter) Checksum(ctx context.Context, p string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	if algorithm == metafs.ChecksumCRC32 {
		a.mu.RLock()
		e, ok := a.entries[metafs.CleanPath(p)]
		a.mu.RUnlock()
		if ok && e.file != nil {
			return fmt.Sprintf("%08x", e.file.CRC32), nil
		}
	}

	reader, err := a.Read(ctx, p)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	checksum, err := metafs.CalculateChecksum(reader, algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: metafs.CleanPath(p), Err: err}
	}
	return checksum, nil
}

// Watch implements metafs.CanWatch. Archive contents only change through
// this adapter, so tokens are signalled directly by write operations.
func (a *Adapter) Watch(ctx context.Context, filter string) (metafs.ChangeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := glob.Compile(metafs.CleanPath(filter), '/')
	if err != nil {
		return nil, &metafs.PathError{Op: "watch", Path: filter, Err: fmt.Errorf("%w: %v", metafs.ErrInvalidFormat, err)}
	}

	token := metafs.NewCallbackChangeToken()
	entry := &watchEntry{filter: g, token: token}

	a.watchMu.Lock()
	a.watches = append(a.watches, entry)
	a.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		a.watchMu.Lock()
		defer a.watchMu.Unlock()
		for i, w := range a.watches {
			if w == entry {
				a.watches = append(a.watches[:i], a.watches[i+1:]...)
				return
			}
		}
	}()
	return token, nil
}

func (a *Adapter) notifyWatchers(p string) {
	a.watchMu.RLock()
	defer a.watchMu.RUnlock()
	for _, w := range a.watches {
		if w.filter.Match(p) {
			w.token.SignalChange()
		}
	}
}

// Ensure Adapter implements interfaces
var (
	_ metafs.FileSystem  = (*Adapter)(nil)
	_ metafs.CanCopy     = (*Adapter)(nil)
	_ metafs.CanChecksum = (*Adapter)(nil)
	_ metafs.CanWatch    = (*Adapter)(nil)
	_ io.Closer          = (*Adapter)(nil)
)
