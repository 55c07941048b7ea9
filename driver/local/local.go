package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/chronicleprotocol/go-lib/errutil"
	"github.com/gobeaver/metafs"
)

// Adapter provides a local filesystem implementation of metafs.FileSystem
// rooted at one directory.
type Adapter struct {
	root string
	mode metafs.DeleteMode

	uploadsMu sync.Mutex
	uploads   map[string]*uploadInfo
}

// Config holds configuration for the local adapter
type Config struct {
	// Create makes the root directory when it does not exist.
	Create bool
	// DeleteMode selects how non-empty directories are deleted. Empty
	// means recursive.
	DeleteMode metafs.DeleteMode
}

// New creates a new local filesystem adapter rooted at root. The root must
// be an existing directory unless cfg.Create is set.
func New(root string, cfg ...Config) (*Adapter, error) {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DeleteMode == "" {
		c.DeleteMode = metafs.DeleteRecursive
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if c.Create {
		if err := os.MkdirAll(absRoot, 0755); err != nil {
			return nil, mapError("open", "", err)
		}
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, mapError("open", "", err)
	}
	if !info.IsDir() {
		return nil, &metafs.PathError{Op: "open", Path: absRoot, Err: metafs.ErrNotDir}
	}

	return &Adapter{
		root:    absRoot,
		mode:    c.DeleteMode,
		uploads: make(map[string]*uploadInfo),
	}, nil
}

// Root returns the absolute directory the adapter serves.
func (a *Adapter) Root() string {
	return a.root
}

// Capabilities implements metafs.FileSystem
func (a *Adapter) Capabilities() metafs.Capabilities {
	return metafs.Capabilities{DeleteMode: a.mode}
}

// resolve maps a backend-relative path to an absolute path under the root.
func (a *Adapter) resolve(op, p string) (string, string, error) {
	clean := metafs.CleanPath(p)
	fullPath := filepath.Join(a.root, filepath.FromSlash(clean))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", clean, &metafs.PathError{Op: op, Path: clean, Err: metafs.ErrNotAllowed}
	}
	return fullPath, clean, nil
}

// Write implements metafs.FileWriter. Content is written to a temporary
// file next to the target and renamed into place.
func (a *Adapter) Write(ctx context.Context, p string, content io.Reader, options ...metafs.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, clean, err := a.resolve("write", p)
	if err != nil {
		return err
	}
	if clean == "" {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return mapError("write", clean, err)
	}
	return writeAtomic(fullPath, content, clean)
}

func writeAtomic(fullPath string, content io.Reader, clean string) error {
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".metafs-*")
	if err != nil {
		return mapError("write", clean, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &metafs.PathError{Op: "write", Path: clean, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapError("write", clean, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return mapError("write", clean, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		return mapError("write", clean, err)
	}
	return nil
}

// Read implements metafs.FileReader
func (a *Adapter) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, clean, err := a.resolve("read", p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, mapError("read", clean, err)
	}
	if info.IsDir() {
		return nil, &metafs.PathError{Op: "read", Path: clean, Err: metafs.ErrIsDir}
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, mapError("read", clean, err)
	}
	return f, nil
}

// Exists implements metafs.FileReader
func (a *Adapter) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, clean, err := a.resolve("exists", p)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return false, nil
	}
	return false, mapError("exists", clean, err)
}

// Stat implements metafs.FileReader
func (a *Adapter) Stat(ctx context.Context, p string) (*metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, clean, err := a.resolve("stat", p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, mapError("stat", clean, err)
	}

	fi := toFileInfo(clean, info)
	return &fi, nil
}

// List implements metafs.FileReader
func (a *Adapter) List(ctx context.Context, p string) ([]metafs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, clean, err := a.resolve("list", p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, mapError("list", clean, err)
	}
	if !info.IsDir() {
		return nil, &metafs.PathError{Op: "list", Path: clean, Err: metafs.ErrNotDir}
	}

	dirEntries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, mapError("list", clean, err)
	}

	entries := make([]metafs.FileInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), ".metafs-") {
			continue
		}
		// Follow symlinks so a link to a directory lists as a directory.
		entryInfo, err := os.Stat(filepath.Join(fullPath, de.Name()))
		if err != nil {
			// Broken symlinks and entries removed mid-listing are skipped.
			continue
		}
		entries = append(entries, toFileInfo(path.Join(clean, de.Name()), entryInfo))
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

	fullPath, clean, err := a.resolve("mkdir", p)
	if err != nil {
		return err
	}

	if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
		return &metafs.PathError{Op: "mkdir", Path: clean, Err: metafs.ErrExist}
	}
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return mapError("mkdir", clean, err)
	}
	return nil
}

// Delete implements metafs.FileWriter
func (a *Adapter) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, clean, err := a.resolve("delete", p)
	if err != nil {
		return err
	}
	if clean == "" {
		return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotAllowed}
	}

	info, err := os.Lstat(fullPath)
	if err != nil {
		return mapError("delete", clean, err)
	}

	if info.IsDir() && a.mode == metafs.DeleteRecursive {
		if err := os.RemoveAll(fullPath); err != nil {
			return mapError("delete", clean, err)
		}
		return nil
	}
	if err := os.Remove(fullPath); err != nil {
		return mapError("delete", clean, err)
	}
	return nil
}

// isPathUnderRoot checks if a path is under a given root directory
func isPathUnderRoot(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func toFileInfo(clean string, info os.FileInfo) metafs.FileInfo {
	fi := metafs.FileInfo{
		Name:    info.Name(),
		Path:    clean,
		ModTime: info.ModTime(),
		Created: createdTime(info),
		IsDir:   info.IsDir(),
	}
	if clean == "" {
		fi.Name = ""
	}
	if !fi.IsDir {
		fi.Size = info.Size()
		fi.ContentType = metafs.GuessContentType(info.Name(), nil)
	}
	return fi
}

// mapError translates os errors into the metafs taxonomy.
func mapError(op, p string, err error) error {
	var target error
	switch {
	case errors.Is(err, fs.ErrNotExist):
		target = metafs.ErrNotExist
	case errors.Is(err, syscall.ENOTEMPTY):
		// ENOTEMPTY also satisfies fs.ErrExist.
		target = metafs.ErrNotEmpty
	case errors.Is(err, fs.ErrExist):
		target = metafs.ErrExist
	case errors.Is(err, fs.ErrPermission):
		target = metafs.ErrPermission
	case errors.Is(err, syscall.ENOTDIR):
		target = metafs.ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		target = metafs.ErrIsDir
	default:
		return &metafs.PathError{Op: op, Path: p, Err: err}
	}
	return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", target, err)}
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy for native file copying. Directories are
// copied with their subtree.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, srcClean, err := a.resolve("copy", src)
	if err != nil {
		return err
	}
	dstPath, dstClean, err := a.resolve("copy", dst)
	if err != nil {
		return err
	}
	if srcClean == "" || strings.HasPrefix(dstClean+"/", srcClean+"/") {
		return &metafs.PathError{Op: "copy", Path: dstClean, Err: metafs.ErrNotAllowed}
	}
	if _, err := os.Stat(dstPath); err == nil {
		return &metafs.PathError{Op: "copy", Path: dstClean, Err: metafs.ErrExist}
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return mapError("copy", srcClean, err)
	}
	if !info.IsDir() {
		return copyFile(srcPath, dstPath, dstClean)
	}

	return filepath.WalkDir(srcPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return mapError("copy", srcClean, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcPath, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dstPath, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return mapError("copy", dstClean, err)
			}
			return nil
		}
		return copyFile(p, target, dstClean)
	})
}

func copyFile(srcPath, dstPath, dstClean string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return mapError("copy", dstClean, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return mapError("copy", dstClean, err)
	}
	return writeAtomic(dstPath, in, dstClean)
}

// Move implements metafs.FileWriter with a rename.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, srcClean, err := a.resolve("move", src)
	if err != nil {
		return err
	}
	dstPath, dstClean, err := a.resolve("move", dst)
	if err != nil {
		return err
	}
	if srcClean == "" || dstClean == "" || dstClean == srcClean || strings.HasPrefix(dstClean, srcClean+"/") {
		return &metafs.PathError{Op: "move", Path: dstClean, Err: metafs.ErrNotAllowed}
	}

	if _, err := os.Lstat(srcPath); err != nil {
		return mapError("move", srcClean, err)
	}
	if _, err := os.Lstat(dstPath); err == nil {
		return &metafs.PathError{Op: "move", Path: dstClean, Err: metafs.ErrExist}
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return mapError("move", dstClean, err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return mapError("move", srcClean, err)
	}
	return nil
}

// Checksum implements metafs.CanChecksum for local files.
func (a *Adapter) Checksum(ctx context.Context, p string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	rc, err := a.Read(ctx, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	sum, err := metafs.CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: metafs.CleanPath(p), Err: err}
	}
	return sum, nil
}

// Close aborts the uploads still in progress.
func (a *Adapter) Close() error {
	a.uploadsMu.Lock()
	pending := a.uploads
	a.uploads = make(map[string]*uploadInfo)
	a.uploadsMu.Unlock()

	var err error
	for id, info := range pending {
		if rerr := os.RemoveAll(info.partsDir); rerr != nil {
			err = errutil.Append(err, fmt.Errorf("abort upload %s: %w", id, rerr))
		}
	}
	return err
}

// ============================================================================
// Chunked Upload Implementation
// ============================================================================

// uploadInfo stores metadata for an in-progress chunked upload.
type uploadInfo struct {
	path     string // Target path for the final file
	partsDir string // Directory storing uploaded parts
}

// generateUploadID creates a unique upload identifier.
func generateUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (a *Adapter) upload(op, uploadID string, remove bool) (*uploadInfo, error) {
	a.uploadsMu.Lock()
	defer a.uploadsMu.Unlock()

	info, ok := a.uploads[uploadID]
	if !ok {
		return nil, &metafs.PathError{Op: op, Path: uploadID, Err: fmt.Errorf("%w: upload %s", metafs.ErrNotExist, uploadID)}
	}
	if remove {
		delete(a.uploads, uploadID)
	}
	return info, nil
}

// InitiateUpload starts a chunked upload process and returns an upload ID.
// Parts are stored in a temporary directory until CompleteUpload is called.
func (a *Adapter) InitiateUpload(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fullPath, clean, err := a.resolve("initiate-upload", p)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		return "", &metafs.PathError{Op: "initiate-upload", Path: clean, Err: metafs.ErrIsDir}
	}

	uploadID, err := generateUploadID()
	if err != nil {
		return "", &metafs.PathError{Op: "initiate-upload", Path: clean, Err: err}
	}

	partsDir, err := os.MkdirTemp("", fmt.Sprintf("metafs-upload-%s-", uploadID))
	if err != nil {
		return "", &metafs.PathError{Op: "initiate-upload", Path: clean, Err: err}
	}

	a.uploadsMu.Lock()
	a.uploads[uploadID] = &uploadInfo{path: clean, partsDir: partsDir}
	a.uploadsMu.Unlock()

	return uploadID, nil
}

// UploadPart uploads a part of a file in a chunked upload process.
// Parts are stored as numbered files (1, 2, 3, ...) in the temporary directory.
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if partNumber < 1 {
		return &metafs.PathError{
			Op:   "upload-part",
			Path: uploadID,
			Err:  fmt.Errorf("%w: part number must be >= 1, got %d", metafs.ErrInvalidFormat, partNumber),
		}
	}

	info, err := a.upload("upload-part", uploadID, false)
	if err != nil {
		return err
	}

	partPath := filepath.Join(info.partsDir, strconv.Itoa(partNumber))
	if err := os.WriteFile(partPath, data, 0600); err != nil {
		return &metafs.PathError{Op: "upload-part", Path: uploadID, Err: err}
	}
	return nil
}

// CompleteUpload finalizes a chunked upload by concatenating all parts.
// Parts are read in numerical order and written to the target file.
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := a.upload("complete-upload", uploadID, true)
	if err != nil {
		return err
	}
	defer os.RemoveAll(info.partsDir)

	entries, err := os.ReadDir(info.partsDir)
	if err != nil {
		return &metafs.PathError{Op: "complete-upload", Path: info.path, Err: err}
	}

	partNumbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		partNumbers = append(partNumbers, num)
	}
	if len(partNumbers) == 0 {
		return &metafs.PathError{
			Op:   "complete-upload",
			Path: info.path,
			Err:  fmt.Errorf("%w: no parts uploaded", metafs.ErrInvalidFormat),
		}
	}
	sort.Ints(partNumbers)

	readers := make([]io.Reader, 0, len(partNumbers))
	for _, n := range partNumbers {
		f, err := os.Open(filepath.Join(info.partsDir, strconv.Itoa(n)))
		if err != nil {
			return &metafs.PathError{
				Op:   "complete-upload",
				Path: info.path,
				Err:  fmt.Errorf("failed to open part %d: %w", n, err),
			}
		}
		defer f.Close()
		readers = append(readers, f)
	}

	return a.Write(ctx, info.path, io.MultiReader(readers...))
}

// AbortUpload cancels a chunked upload and cleans up temporary files.
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	info, err := a.upload("abort-upload", uploadID, true)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(info.partsDir); err != nil {
		return &metafs.PathError{Op: "abort-upload", Path: uploadID, Err: err}
	}
	return nil
}

// Ensure Adapter implements interfaces
var (
	_ metafs.FileSystem      = (*Adapter)(nil)
	_ metafs.CanCopy         = (*Adapter)(nil)
	_ metafs.CanChecksum     = (*Adapter)(nil)
	_ metafs.CanWatch        = (*Adapter)(nil)
	_ metafs.ChunkedUploader = (*Adapter)(nil)
	_ io.Closer              = (*Adapter)(nil)
)
