package gcs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gobeaver/metafs"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// uploadsDir holds the part objects of in-progress chunked uploads.
const uploadsDir = ".metafs-uploads"

// Adapter provides a Google Cloud Storage implementation of
// metafs.FileSystem. Directories are object prefixes with an optional
// "dir/" marker object.
type Adapter struct {
	client       *storage.Client
	bucket       string
	prefix       string
	mode         metafs.DeleteMode
	pollInterval time.Duration

	uploadsMu sync.Mutex
	uploads   map[string]*uploadInfo
}

// uploadInfo stores metadata for an in-progress chunked upload.
type uploadInfo struct {
	path        string
	partsPrefix string
}

// AdapterOption is a function that configures GCS Adapter
type AdapterOption func(*Adapter)

// WithPrefix sets the prefix for GCS objects
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithDeleteMode sets how non-empty directories are deleted.
func WithDeleteMode(mode metafs.DeleteMode) AdapterOption {
	return func(a *Adapter) {
		a.mode = mode
	}
}

// WithPollInterval sets the rescan interval used by Watch.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.pollInterval = d
	}
}

// New creates a new GCS filesystem adapter
func New(client *storage.Client, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:       client,
		bucket:       bucket,
		mode:         metafs.DeleteRecursive,
		pollInterval: 30 * time.Second,
		uploads:      make(map[string]*uploadInfo),
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Capabilities implements metafs.FileSystem
func (a *Adapter) Capabilities() metafs.Capabilities {
	return metafs.Capabilities{DeleteMode: a.mode}
}

func (a *Adapter) key(clean string) string {
	return a.prefix + clean
}

func (a *Adapter) dirKey(clean string) string {
	if clean == "" {
		return a.prefix
	}
	return a.prefix + clean + "/"
}

func (a *Adapter) object(clean string) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(a.key(clean))
}

// Write implements metafs.FileWriter
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...metafs.Option) error {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if isDir, err := a.isDir(ctx, clean); err != nil {
		return mapGCSError("write", clean, err)
	} else if isDir {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if err := a.checkParents(ctx, "write", clean); err != nil {
		return err
	}

	opts := metafs.ProcessOptions(options...)
	writer := a.object(clean).NewWriter(ctx)
	writer.ContentType = opts.ContentType
	if writer.ContentType == "" {
		writer.ContentType = metafs.GuessContentType(clean, nil)
	}
	if len(opts.Metadata) > 0 {
		writer.Metadata = opts.Metadata
	}

	if _, err := io.Copy(writer, content); err != nil {
		writer.Close()
		return mapGCSError("write", clean, err)
	}
	if err := writer.Close(); err != nil {
		return mapGCSError("write", clean, err)
	}
	return nil
}

// checkParents fails with ErrNotDir when an ancestor of clean is a file.
func (a *Adapter) checkParents(ctx context.Context, op, clean string) error {
	for dir := path.Dir(clean); dir != "." && dir != ""; dir = path.Dir(dir) {
		_, err := a.object(dir).Attrs(ctx)
		if err == nil {
			return &metafs.PathError{Op: op, Path: clean, Err: metafs.ErrNotDir}
		}
		if !errors.Is(err, storage.ErrObjectNotExist) {
			return mapGCSError(op, clean, err)
		}
	}
	return nil
}

// Read implements metafs.FileReader
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return nil, &metafs.PathError{Op: "read", Path: clean, Err: metafs.ErrIsDir}
	}

	reader, err := a.object(clean).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			if isDir, derr := a.isDir(ctx, clean); derr == nil && isDir {
				return nil, &metafs.PathError{Op: "read", Path: clean, Err: metafs.ErrIsDir}
			}
		}
		return nil, mapGCSError("read", clean, err)
	}
	return reader, nil
}

// isDir reports whether any object lives under the directory prefix.
func (a *Adapter) isDir(ctx context.Context, clean string) (bool, error) {
	if clean == "" {
		return true, nil
	}
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: a.dirKey(clean)})
	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Exists implements metafs.FileReader
func (a *Adapter) Exists(ctx context.Context, filePath string) (bool, error) {
	_, err := a.Stat(ctx, filePath)
	if err == nil {
		return true, nil
	}
	if metafs.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat implements metafs.FileReader
func (a *Adapter) Stat(ctx context.Context, filePath string) (*metafs.FileInfo, error) {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return &metafs.FileInfo{IsDir: true}, nil
	}

	attrs, err := a.object(clean).Attrs(ctx)
	if err == nil {
		return &metafs.FileInfo{
			Name:        path.Base(clean),
			Path:        clean,
			Size:        attrs.Size,
			ModTime:     attrs.Updated,
			Created:     attrs.Created,
			ContentType: attrs.ContentType,
			Metadata:    attrs.Metadata,
		}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, mapGCSError("stat", clean, err)
	}

	isDir, err := a.isDir(ctx, clean)
	if err != nil {
		return nil, mapGCSError("stat", clean, err)
	}
	if !isDir {
		return nil, &metafs.PathError{Op: "stat", Path: clean, Err: metafs.ErrNotExist}
	}
	return &metafs.FileInfo{Name: path.Base(clean), Path: clean, IsDir: true}, nil
}

// List implements metafs.FileReader
func (a *Adapter) List(ctx context.Context, dirPath string) ([]metafs.FileInfo, error) {
	clean := metafs.CleanPath(dirPath)
	info, err := a.Stat(ctx, clean)
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		return nil, &metafs.PathError{Op: "list", Path: clean, Err: metafs.ErrNotDir}
	}

	listPrefix := a.dirKey(clean)
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{
		Prefix:    listPrefix,
		Delimiter: "/",
	})

	var files []metafs.FileInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError("list", clean, err)
		}

		// Prefix is set for synthetic directory entries.
		if attrs.Prefix != "" {
			name := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, listPrefix), "/")
			if name == "" || (clean == "" && name == uploadsDir) {
				continue
			}
			files = append(files, metafs.FileInfo{
				Name:  name,
				Path:  path.Join(clean, name),
				IsDir: true,
			})
			continue
		}

		name := strings.TrimPrefix(attrs.Name, listPrefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		files = append(files, metafs.FileInfo{
			Name:        name,
			Path:        path.Join(clean, name),
			Size:        attrs.Size,
			ModTime:     attrs.Updated,
			Created:     attrs.Created,
			ContentType: attrs.ContentType,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// MakeDir implements metafs.FileWriter
func (a *Adapter) MakeDir(ctx context.Context, dirPath string) error {
	clean := metafs.CleanPath(dirPath)
	if clean == "" {
		return nil
	}
	if _, err := a.object(clean).Attrs(ctx); err == nil {
		return &metafs.PathError{Op: "mkdir", Path: clean, Err: metafs.ErrExist}
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return mapGCSError("mkdir", clean, err)
	}
	if err := a.checkParents(ctx, "mkdir", clean); err != nil {
		return err
	}

	writer := a.client.Bucket(a.bucket).Object(a.dirKey(clean)).NewWriter(ctx)
	writer.ContentType = "application/x-directory"
	if err := writer.Close(); err != nil {
		return mapGCSError("mkdir", clean, err)
	}
	return nil
}

// Delete implements metafs.FileWriter
func (a *Adapter) Delete(ctx context.Context, filePath string) error {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotAllowed}
	}

	info, err := a.Stat(ctx, clean)
	if err != nil {
		return err
	}
	if !info.IsDir {
		if err := a.object(clean).Delete(ctx); err != nil {
			return mapGCSError("delete", clean, err)
		}
		return nil
	}

	keys, err := a.keysUnder(ctx, a.dirKey(clean))
	if err != nil {
		return mapGCSError("delete", clean, err)
	}
	if a.mode == metafs.DeleteStrict {
		for _, k := range keys {
			if k != a.dirKey(clean) {
				return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotEmpty}
			}
		}
	}
	bkt := a.client.Bucket(a.bucket)
	for _, k := range keys {
		if err := bkt.Object(k).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return mapGCSError("delete", clean, err)
		}
	}
	return nil
}

func (a *Adapter) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
}

// mapGCSError maps GCS errors to metafs errors
func mapGCSError(op, p string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrNotExist, err)}
	}

	if metafs.IsTransportError(err) {
		return &metafs.PathError{Op: op, Path: p, Err: metafs.Unavailable(err)}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return &metafs.PathError{Op: op, Path: p, Err: metafs.Unavailable(err)}
		case http.StatusForbidden:
			return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrPermission, err)}
		case http.StatusNotFound:
			return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrNotExist, err)}
		case http.StatusPreconditionFailed:
			return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrExist, err)}
		}
	}

	return &metafs.PathError{Op: op, Path: p, Err: err}
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy using GCS's native CopierFrom. Directory
// copies run one object at a time.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	srcClean, dstClean := metafs.CleanPath(src), metafs.CleanPath(dst)
	if srcClean == "" || dstClean == srcClean || strings.HasPrefix(dstClean, srcClean+"/") {
		return &metafs.PathError{Op: "copy", Path: dstClean, Err: metafs.ErrNotAllowed}
	}
	info, err := a.Stat(ctx, srcClean)
	if err != nil {
		return err
	}
	if exists, err := a.Exists(ctx, dstClean); err != nil {
		return err
	} else if exists {
		return &metafs.PathError{Op: "copy", Path: dstClean, Err: metafs.ErrExist}
	}
	if err := a.checkParents(ctx, "copy", dstClean); err != nil {
		return err
	}

	bkt := a.client.Bucket(a.bucket)
	if !info.IsDir {
		if _, err := a.object(dstClean).CopierFrom(a.object(srcClean)).Run(ctx); err != nil {
			return mapGCSError("copy", srcClean, err)
		}
		return nil
	}

	srcDir, dstDir := a.dirKey(srcClean), a.dirKey(dstClean)
	keys, err := a.keysUnder(ctx, srcDir)
	if err != nil {
		return mapGCSError("copy", srcClean, err)
	}
	for _, k := range keys {
		target := bkt.Object(dstDir + strings.TrimPrefix(k, srcDir))
		if _, err := target.CopierFrom(bkt.Object(k)).Run(ctx); err != nil {
			return mapGCSError("copy", srcClean, err)
		}
	}
	return nil
}

// Move implements metafs.FileWriter using copy + delete.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		var pe *metafs.PathError
		if errors.As(err, &pe) {
			pe.Op = "move"
		}
		return err
	}

	return a.removeTree(ctx, metafs.CleanPath(src))
}

// removeTree deletes a file or a whole directory regardless of DeleteMode.
func (a *Adapter) removeTree(ctx context.Context, clean string) error {
	if err := a.object(clean).Delete(ctx); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return mapGCSError("move", clean, err)
	}
	keys, err := a.keysUnder(ctx, a.dirKey(clean))
	if err != nil {
		return mapGCSError("move", clean, err)
	}
	bkt := a.client.Bucket(a.bucket)
	for _, k := range keys {
		if err := bkt.Object(k).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return mapGCSError("move", clean, err)
		}
	}
	return nil
}

// Checksum implements metafs.CanChecksum. MD5 comes from the object
// attributes when GCS stored one; other algorithms read the content.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	clean := metafs.CleanPath(filePath)
	if algorithm == metafs.ChecksumMD5 {
		attrs, err := a.object(clean).Attrs(ctx)
		if err != nil {
			return "", mapGCSError("checksum", clean, err)
		}
		if len(attrs.MD5) > 0 {
			return hex.EncodeToString(attrs.MD5), nil
		}
	}

	reader, err := a.Read(ctx, clean)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	checksum, err := metafs.CalculateChecksum(reader, algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: clean, Err: err}
	}
	return checksum, nil
}

// Watch implements metafs.CanWatch by polling.
func (a *Adapter) Watch(ctx context.Context, filter string) (metafs.ChangeToken, error) {
	return metafs.PollWatch(ctx, a, filter, a.pollInterval)
}

// ============================================================================
// Chunked Upload Implementation
// ============================================================================

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
// Parts are stored as temporary objects until CompleteUpload composes them.
func (a *Adapter) InitiateUpload(ctx context.Context, filePath string) (string, error) {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return "", &metafs.PathError{Op: "initiate-upload", Path: clean, Err: metafs.ErrIsDir}
	}
	uploadID, err := generateUploadID()
	if err != nil {
		return "", &metafs.PathError{Op: "initiate-upload", Path: clean, Err: err}
	}

	a.uploadsMu.Lock()
	a.uploads[uploadID] = &uploadInfo{
		path:        clean,
		partsPrefix: a.prefix + uploadsDir + "/" + uploadID + "/",
	}
	a.uploadsMu.Unlock()
	return uploadID, nil
}

// UploadPart stores one part as a numbered object.
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
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

	writer := a.client.Bucket(a.bucket).Object(info.partsPrefix + strconv.Itoa(partNumber)).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return &metafs.PathError{Op: "upload-part", Path: uploadID, Err: fmt.Errorf("failed to write part data: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return mapGCSError("upload-part", info.path, err)
	}
	return nil
}

// CompleteUpload finalizes a chunked upload by composing all parts. GCS
// composes at most 32 sources per call, so larger uploads are composed in
// rounds.
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) error {
	info, err := a.upload("complete-upload", uploadID, true)
	if err != nil {
		return err
	}
	bkt := a.client.Bucket(a.bucket)

	partKeys, err := a.keysUnder(ctx, info.partsPrefix)
	if err != nil {
		return mapGCSError("complete-upload", info.path, err)
	}
	defer a.cleanupParts(ctx, bkt, info.partsPrefix)
	if len(partKeys) == 0 {
		return &metafs.PathError{Op: "complete-upload", Path: info.path, Err: fmt.Errorf("%w: no parts uploaded", metafs.ErrInvalidFormat)}
	}
	sort.Slice(partKeys, func(i, j int) bool {
		return partNumber(partKeys[i], info.partsPrefix) < partNumber(partKeys[j], info.partsPrefix)
	})

	if err := a.checkParents(ctx, "complete-upload", info.path); err != nil {
		return err
	}
	if err := composeAll(ctx, bkt, partKeys, info.partsPrefix, a.key(info.path)); err != nil {
		return &metafs.PathError{Op: "complete-upload", Path: info.path, Err: err}
	}
	return nil
}

// composeAll composes keys into target, using intermediate objects under
// scratch when there are more than 32 sources.
func composeAll(ctx context.Context, bkt *storage.BucketHandle, keys []string, scratch, target string) error {
	const maxCompose = 32
	for round := 0; len(keys) > maxCompose; round++ {
		var next []string
		for i := 0; i < len(keys); i += maxCompose {
			batch := keys[i:min(i+maxCompose, len(keys))]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%sround-%d-%d", scratch, round, i/maxCompose)
			if err := compose(ctx, bkt, batch, name); err != nil {
				return err
			}
			next = append(next, name)
		}
		keys = next
	}
	return compose(ctx, bkt, keys, target)
}

func compose(ctx context.Context, bkt *storage.BucketHandle, keys []string, target string) error {
	sources := make([]*storage.ObjectHandle, len(keys))
	for i, k := range keys {
		sources[i] = bkt.Object(k)
	}
	if _, err := bkt.Object(target).ComposerFrom(sources...).Run(ctx); err != nil {
		return fmt.Errorf("failed to compose parts: %w", err)
	}
	return nil
}

// cleanupParts removes temporary part and intermediate objects
func (a *Adapter) cleanupParts(ctx context.Context, bkt *storage.BucketHandle, partsPrefix string) {
	keys, _ := a.keysUnder(ctx, partsPrefix)
	for _, key := range keys {
		bkt.Object(key).Delete(ctx)
	}
}

func partNumber(key, prefix string) int {
	num, _ := strconv.Atoi(strings.TrimPrefix(key, prefix))
	return num
}

// AbortUpload cancels a chunked upload and cleans up temporary objects.
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	info, err := a.upload("abort-upload", uploadID, true)
	if err != nil {
		return err
	}
	a.cleanupParts(ctx, a.client.Bucket(a.bucket), info.partsPrefix)
	return nil
}

// Ensure Adapter implements required and optional interfaces
var (
	_ metafs.FileSystem      = (*Adapter)(nil)
	_ metafs.CanCopy         = (*Adapter)(nil)
	_ metafs.CanChecksum     = (*Adapter)(nil)
	_ metafs.CanWatch        = (*Adapter)(nil)
	_ metafs.ChunkedUploader = (*Adapter)(nil)
)
