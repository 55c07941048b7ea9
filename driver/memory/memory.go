package memory

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/metafs"
	"github.com/gobwas/glob"
)

// memoryFile represents a file stored in memory
type memoryFile struct {
	content     []byte
	contentType string
	metadata    map[string]string
	modTime     time.Time
	created     time.Time
}

// memoryDir represents a directory in memory
type memoryDir struct {
	modTime time.Time
}

// watchEntry represents a single watch subscription
type watchEntry struct {
	filter glob.Glob
	token  *metafs.CallbackChangeToken
}

// Adapter provides an in-memory implementation of metafs.FileSystem.
// Useful for testing and scratch resources.
type Adapter struct {
	mu      sync.RWMutex
	files   map[string]*memoryFile
	dirs    map[string]*memoryDir
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size
	mode    metafs.DeleteMode

	// Watch support
	watchMu sync.RWMutex
	watches []*watchEntry
}

// Config holds configuration for the memory adapter
type Config struct {
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64
	// DeleteMode selects how non-empty directories are deleted. Empty
	// means recursive.
	DeleteMode metafs.DeleteMode
}

// New creates a new in-memory filesystem adapter
func New(cfg ...Config) *Adapter {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DeleteMode == "" {
		c.DeleteMode = metafs.DeleteRecursive
	}

	a := &Adapter{
		files:   make(map[string]*memoryFile),
		dirs:    make(map[string]*memoryDir),
		maxSize: c.MaxSize,
		mode:    c.DeleteMode,
	}
	a.dirs[""] = &memoryDir{modTime: time.Now()}
	return a
}

// Capabilities implements metafs.FileSystem
func (a *Adapter) Capabilities() metafs.Capabilities {
	return metafs.Capabilities{DeleteMode: a.mode}
}

// Write implements metafs.FileWriter
func (a *Adapter) Write(ctx context.Context, p string, content io.Reader, options ...metafs.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = metafs.CleanPath(p)
	if p == "" {
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrIsDir}
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return &metafs.PathError{Op: "write", Path: p, Err: err}
	}

	opts := metafs.ProcessOptions(options...)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, isDir := a.dirs[p]; isDir {
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrIsDir}
	}
	if err := a.ensureParentDirs(p); err != nil {
		return &metafs.PathError{Op: "write", Path: p, Err: err}
	}

	now := time.Now()
	created := now
	newSize := a.size + int64(len(data))
	if existing, exists := a.files[p]; exists {
		newSize -= int64(len(existing.content))
		created = existing.created
	}
	if a.maxSize > 0 && newSize > a.maxSize {
		return &metafs.PathError{Op: "write", Path: p, Err: metafs.ErrInvalidSize}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = metafs.GuessContentType(p, data)
	}

	a.files[p] = &memoryFile{
		content:     data,
		contentType: contentType,
		metadata:    opts.Metadata,
		modTime:     now,
		created:     created,
	}
	a.size = newSize

	go a.notifyWatchers(p)
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

	file, exists := a.files[p]
	if !exists {
		if _, isDir := a.dirs[p]; isDir {
			return nil, &metafs.PathError{Op: "read", Path: p, Err: metafs.ErrIsDir}
		}
		return nil, &metafs.PathError{Op: "read", Path: p, Err: metafs.ErrNotExist}
	}

	// Writes replace the slice, so the reader sees a stable snapshot.
	return io.NopCloser(bytes.NewReader(file.content)), nil
}

// Exists implements metafs.FileReader
func (a *Adapter) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p = metafs.CleanPath(p)

	a.mu.RLock()
	defer a.mu.RUnlock()

	_, fileExists := a.files[p]
	_, dirExists := a.dirs[p]
	return fileExists || dirExists, nil
}

// Stat implements metafs.FileReader
func (a *Adapter) Stat(ctx context.Context, p string) (*metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p = metafs.CleanPath(p)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if file, exists := a.files[p]; exists {
		info := fileInfo(p, file)
		return &info, nil
	}
	if dir, exists := a.dirs[p]; exists {
		info := dirInfo(p, dir)
		return &info, nil
	}

	return nil, &metafs.PathError{Op: "stat", Path: p, Err: metafs.ErrNotExist}
}

// List implements metafs.FileReader
func (a *Adapter) List(ctx context.Context, p string) ([]metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p = metafs.CleanPath(p)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, exists := a.dirs[p]; !exists {
		if _, isFile := a.files[p]; isFile {
			return nil, &metafs.PathError{Op: "list", Path: p, Err: metafs.ErrNotDir}
		}
		return nil, &metafs.PathError{Op: "list", Path: p, Err: metafs.ErrNotExist}
	}

	var entries []metafs.FileInfo
	for filePath, file := range a.files {
		if isChild(p, filePath) {
			entries = append(entries, fileInfo(filePath, file))
		}
	}
	for dirPath, dir := range a.dirs {
		if dirPath != "" && isChild(p, dirPath) {
			entries = append(entries, dirInfo(dirPath, dir))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// MakeDir implements metafs.FileWriter
func (a *Adapter) MakeDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = metafs.CleanPath(p)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.files[p]; exists {
		return &metafs.PathError{Op: "mkdir", Path: p, Err: metafs.ErrExist}
	}
	if _, exists := a.dirs[p]; exists {
		return nil
	}
	if err := a.ensureParentDirs(p); err != nil {
		return &metafs.PathError{Op: "mkdir", Path: p, Err: err}
	}
	a.dirs[p] = &memoryDir{modTime: time.Now()}

	go a.notifyWatchers(p)
	return nil
}

// Delete implements metafs.FileWriter
func (a *Adapter) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = metafs.CleanPath(p)
	if p == "" {
		return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotAllowed}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if file, exists := a.files[p]; exists {
		a.size -= int64(len(file.content))
		delete(a.files, p)
		go a.notifyWatchers(p)
		return nil
	}
	if _, exists := a.dirs[p]; !exists {
		return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotExist}
	}

	prefix := p + "/"
	var deleted []string
	for filePath := range a.files {
		if strings.HasPrefix(filePath, prefix) {
			deleted = append(deleted, filePath)
		}
	}
	for dirPath := range a.dirs {
		if strings.HasPrefix(dirPath, prefix) {
			deleted = append(deleted, dirPath)
		}
	}
	if len(deleted) > 0 && a.mode == metafs.DeleteStrict {
		return &metafs.PathError{Op: "delete", Path: p, Err: metafs.ErrNotEmpty}
	}

	for _, d := range deleted {
		if file, ok := a.files[d]; ok {
			a.size -= int64(len(file.content))
			delete(a.files, d)
		}
		delete(a.dirs, d)
	}
	delete(a.dirs, p)
	deleted = append(deleted, p)

	go func() {
		for _, d := range deleted {
			a.notifyWatchers(d)
		}
	}()
	return nil
}

// Clear removes all files and directories from the memory filesystem.
// Useful for testing cleanup.
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.files = make(map[string]*memoryFile)
	a.dirs = map[string]*memoryDir{"": {modTime: time.Now()}}
	a.size = 0
}

// Size returns the current total size of all stored files
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of files stored
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.files)
}

// Close drops the content and releases every watch token.
func (a *Adapter) Close() error {
	a.Clear()

	a.watchMu.Lock()
	a.watches = nil
	a.watchMu.Unlock()
	return nil
}

// ensureParentDirs creates all parent directories for a given path.
// Must be called with lock held.
func (a *Adapter) ensureParentDirs(p string) error {
	var missing []string
	for dir := path.Dir(p); dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
		if _, isFile := a.files[dir]; isFile {
			return metafs.ErrNotDir
		}
		if _, exists := a.dirs[dir]; exists {
			break
		}
		missing = append(missing, dir)
	}
	now := time.Now()
	for _, dir := range missing {
		a.dirs[dir] = &memoryDir{modTime: now}
	}
	return nil
}

// isChild reports whether p is a direct child of dir.
func isChild(dir, p string) bool {
	if p == dir {
		return false
	}
	rel := p
	if dir != "" {
		if !strings.HasPrefix(p, dir+"/") {
			return false
		}
		rel = p[len(dir)+1:]
	}
	return rel != "" && !strings.Contains(rel, "/")
}

func fileInfo(p string, file *memoryFile) metafs.FileInfo {
	return metafs.FileInfo{
		Name:        path.Base(p),
		Path:        p,
		Size:        int64(len(file.content)),
		ModTime:     file.modTime,
		Created:     file.created,
		ContentType: file.contentType,
		Metadata:    file.metadata,
	}
}

func dirInfo(p string, dir *memoryDir) metafs.FileInfo {
	name := path.Base(p)
	if p == "" {
		name = ""
	}
	return metafs.FileInfo{
		Name:    name,
		Path:    p,
		ModTime: dir.modTime,
		IsDir:   true,
	}
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy. Directories are copied with their
// whole subtree.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src = metafs.CleanPath(src)
	dst = metafs.CleanPath(dst)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkTarget("copy", src, dst); err != nil {
		return err
	}

	var added int64
	plan := a.subtree(src)
	for _, rel := range plan.files {
		added += int64(len(a.files[path.Join(src, rel)].content))
	}
	if a.maxSize > 0 && a.size+added > a.maxSize {
		return &metafs.PathError{Op: "copy", Path: dst, Err: metafs.ErrInvalidSize}
	}
	if err := a.ensureParentDirs(dst); err != nil {
		return &metafs.PathError{Op: "copy", Path: dst, Err: err}
	}

	now := time.Now()
	for _, rel := range plan.dirs {
		a.dirs[path.Join(dst, rel)] = &memoryDir{modTime: now}
	}
	for _, rel := range plan.files {
		srcFile := a.files[path.Join(src, rel)]
		content := make([]byte, len(srcFile.content))
		copy(content, srcFile.content)

		metadata := make(map[string]string, len(srcFile.metadata))
		for k, v := range srcFile.metadata {
			metadata[k] = v
		}

		a.files[path.Join(dst, rel)] = &memoryFile{
			content:     content,
			contentType: srcFile.contentType,
			metadata:    metadata,
			modTime:     now,
			created:     now,
		}
	}
	a.size += added

	go a.notifyWatchers(dst)
	return nil
}

// Move implements metafs.FileWriter. Directories move with their whole
// subtree.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src = metafs.CleanPath(src)
	dst = metafs.CleanPath(dst)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkTarget("move", src, dst); err != nil {
		return err
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		return &metafs.PathError{Op: "move", Path: dst, Err: metafs.ErrNotAllowed}
	}
	if err := a.ensureParentDirs(dst); err != nil {
		return &metafs.PathError{Op: "move", Path: dst, Err: err}
	}

	plan := a.subtree(src)
	for _, rel := range plan.dirs {
		from, to := path.Join(src, rel), path.Join(dst, rel)
		a.dirs[to] = a.dirs[from]
		delete(a.dirs, from)
	}
	for _, rel := range plan.files {
		from, to := path.Join(src, rel), path.Join(dst, rel)
		a.files[to] = a.files[from]
		delete(a.files, from)
	}

	go func() {
		a.notifyWatchers(src)
		a.notifyWatchers(dst)
	}()
	return nil
}

// checkTarget validates src and dst of a copy or move. Must be called with
// lock held.
func (a *Adapter) checkTarget(op, src, dst string) error {
	if src == "" || dst == "" {
		return &metafs.PathError{Op: op, Path: src, Err: metafs.ErrNotAllowed}
	}
	_, srcFile := a.files[src]
	_, srcDir := a.dirs[src]
	if !srcFile && !srcDir {
		return &metafs.PathError{Op: op, Path: src, Err: metafs.ErrNotExist}
	}
	_, dstFile := a.files[dst]
	_, dstDir := a.dirs[dst]
	if dstFile || dstDir {
		return &metafs.PathError{Op: op, Path: dst, Err: metafs.ErrExist}
	}
	return nil
}

type subtreePlan struct {
	dirs  []string
	files []string
}

// subtree lists root and everything below it relative to root, with
// parents before children. Must be called with lock held.
func (a *Adapter) subtree(root string) subtreePlan {
	if _, isFile := a.files[root]; isFile {
		return subtreePlan{files: []string{""}}
	}
	plan := subtreePlan{dirs: []string{""}}
	prefix := root + "/"
	for d := range a.dirs {
		if strings.HasPrefix(d, prefix) {
			plan.dirs = append(plan.dirs, strings.TrimPrefix(d, prefix))
		}
	}
	for f := range a.files {
		if strings.HasPrefix(f, prefix) {
			plan.files = append(plan.files, strings.TrimPrefix(f, prefix))
		}
	}
	sort.Strings(plan.dirs)
	return plan
}

// Checksum implements metafs.CanChecksum for in-memory files.
func (a *Adapter) Checksum(ctx context.Context, p string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p = metafs.CleanPath(p)

	a.mu.RLock()
	file, exists := a.files[p]
	a.mu.RUnlock()
	if !exists {
		return "", &metafs.PathError{Op: "checksum", Path: p, Err: metafs.ErrNotExist}
	}

	checksum, err := metafs.CalculateChecksum(bytes.NewReader(file.content), algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: p, Err: err}
	}
	return checksum, nil
}

// ============================================================================
// Watcher Implementation
// ============================================================================

// Watch implements metafs.CanWatch for in-memory change detection.
// Supports glob patterns like "**/*.txt", "*.json", "config/*"; '*'
// does not cross directory boundaries.
func (a *Adapter) Watch(ctx context.Context, filter string) (metafs.ChangeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := glob.Compile(metafs.CleanPath(filter), '/')
	if err != nil {
		return nil, &metafs.PathError{Op: "watch", Path: filter, Err: err}
	}

	token := metafs.NewCallbackChangeToken()

	a.watchMu.Lock()
	a.watches = append(a.watches, &watchEntry{filter: g, token: token})
	a.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		a.removeWatch(token)
	}()

	return token, nil
}

// notifyWatchers signals all watchers whose filter matches the given path
func (a *Adapter) notifyWatchers(p string) {
	a.watchMu.RLock()
	defer a.watchMu.RUnlock()

	for _, entry := range a.watches {
		if entry.filter.Match(p) {
			entry.token.SignalChange()
		}
	}
}

// removeWatch removes a watch entry by token
func (a *Adapter) removeWatch(token *metafs.CallbackChangeToken) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	for i, entry := range a.watches {
		if entry.token == token {
			a.watches[i] = a.watches[len(a.watches)-1]
			a.watches = a.watches[:len(a.watches)-1]
			return
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
