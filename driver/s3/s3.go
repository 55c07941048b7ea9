package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gobeaver/metafs"
)

// Adapter provides an S3 implementation of metafs.FileSystem. Directories
// are key prefixes; MakeDir stores an empty "dir/" marker object so that
// empty directories survive.
type Adapter struct {
	client       *s3.Client
	bucket       string
	prefix       string
	mode         metafs.DeleteMode
	pollInterval time.Duration

	uploadsMu sync.Mutex
	uploads   map[string]*multipartUpload
}

type multipartUpload struct {
	key   string
	path  string
	parts map[int32]types.CompletedPart
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix sets the prefix for S3 objects
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

// New creates a new S3 filesystem adapter
func New(client *s3.Client, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:       client,
		bucket:       bucket,
		mode:         metafs.DeleteRecursive,
		pollInterval: 30 * time.Second,
		uploads:      make(map[string]*multipartUpload),
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

// dirKey returns the listing prefix of a directory.
func (a *Adapter) dirKey(clean string) string {
	if clean == "" {
		return a.prefix
	}
	return a.prefix + clean + "/"
}

// Write implements metafs.FileWriter
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...metafs.Option) error {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if isDir, err := a.isDir(ctx, clean); err != nil {
		return mapS3Error("write", clean, err)
	} else if isDir {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if err := a.checkParents(ctx, "write", clean); err != nil {
		return err
	}

	opts := metafs.ProcessOptions(options...)

	// Seekable readers stream without buffering.
	var body io.Reader
	contentLength := opts.Size
	switch r := content.(type) {
	case *bytes.Reader:
		contentLength = int64(r.Len())
		body = r
	case *bytes.Buffer:
		contentLength = int64(r.Len())
		body = r
	case *strings.Reader:
		contentLength = int64(r.Len())
		body = r
	case *os.File:
		if info, err := r.Stat(); err == nil {
			pos, _ := r.Seek(0, io.SeekCurrent)
			contentLength = info.Size() - pos
		}
		body = r
	case io.ReadSeeker:
		pos, err := r.Seek(0, io.SeekCurrent)
		if err == nil {
			if end, err := r.Seek(0, io.SeekEnd); err == nil {
				contentLength = end - pos
				r.Seek(pos, io.SeekStart)
			}
		}
		body = r
	default:
		// PutObject needs a length; large files go through ChunkedUploader.
		data, err := io.ReadAll(content)
		if err != nil {
			return &metafs.PathError{Op: "write", Path: clean, Err: err}
		}
		contentLength = int64(len(data))
		body = bytes.NewReader(data)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(clean)),
		Body:   body,
	}
	if contentLength >= 0 {
		input.ContentLength = aws.Int64(contentLength)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = metafs.GuessContentType(clean, nil)
	}
	input.ContentType = aws.String(contentType)
	if len(opts.Metadata) > 0 {
		input.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			input.Metadata[k] = v
		}
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return mapS3Error("write", clean, err)
	}
	return nil
}

// checkParents fails with ErrNotDir when an ancestor of clean is a file.
func (a *Adapter) checkParents(ctx context.Context, op, clean string) error {
	for dir := path.Dir(clean); dir != "." && dir != ""; dir = path.Dir(dir) {
		_, err := a.head(ctx, dir)
		if err == nil {
			return &metafs.PathError{Op: op, Path: clean, Err: metafs.ErrNotDir}
		}
		if !isNotFound(err) {
			return mapS3Error(op, clean, err)
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

	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(clean)),
	})
	if err != nil {
		if isNotFound(err) {
			if isDir, derr := a.isDir(ctx, clean); derr == nil && isDir {
				return nil, &metafs.PathError{Op: "read", Path: clean, Err: metafs.ErrIsDir}
			}
		}
		return nil, mapS3Error("read", clean, err)
	}
	return resp.Body, nil
}

func (a *Adapter) head(ctx context.Context, clean string) (*s3.HeadObjectOutput, error) {
	return a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(clean)),
	})
}

// isDir reports whether any object lives under the directory prefix of
// clean, including its marker.
func (a *Adapter) isDir(ctx context.Context, clean string) (bool, error) {
	if clean == "" {
		return true, nil
	}
	resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(a.dirKey(clean)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(resp.Contents) > 0 || len(resp.CommonPrefixes) > 0, nil
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

	resp, err := a.head(ctx, clean)
	if err == nil {
		metadata := make(map[string]string, len(resp.Metadata))
		for k, v := range resp.Metadata {
			metadata[k] = v
		}
		return &metafs.FileInfo{
			Name:        path.Base(clean),
			Path:        clean,
			Size:        aws.ToInt64(resp.ContentLength),
			ModTime:     aws.ToTime(resp.LastModified),
			ContentType: aws.ToString(resp.ContentType),
			Metadata:    metadata,
		}, nil
	}
	if !isNotFound(err) {
		return nil, mapS3Error("stat", clean, err)
	}

	isDir, err := a.isDir(ctx, clean)
	if err != nil {
		return nil, mapS3Error("stat", clean, err)
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
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})

	var files []metafs.FileInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("list", clean, err)
		}

		for _, p := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), listPrefix), "/")
			if name == "" {
				continue
			}
			files = append(files, metafs.FileInfo{
				Name:  name,
				Path:  path.Join(clean, name),
				IsDir: true,
			})
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, metafs.FileInfo{
				Name:    name,
				Path:    path.Join(clean, name),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
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
	if _, err := a.head(ctx, clean); err == nil {
		return &metafs.PathError{Op: "mkdir", Path: clean, Err: metafs.ErrExist}
	} else if !isNotFound(err) {
		return mapS3Error("mkdir", clean, err)
	}
	if err := a.checkParents(ctx, "mkdir", clean); err != nil {
		return err
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.dirKey(clean)),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	if err != nil {
		return mapS3Error("mkdir", clean, err)
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
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.key(clean)),
		})
		if err != nil {
			return mapS3Error("delete", clean, err)
		}
		return nil
	}

	keys, err := a.keysUnder(ctx, clean)
	if err != nil {
		return mapS3Error("delete", clean, err)
	}
	if a.mode == metafs.DeleteStrict {
		for _, k := range keys {
			if k != a.dirKey(clean) {
				return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotEmpty}
			}
		}
	}
	return a.deleteKeys(ctx, clean, keys)
}

// keysUnder returns every object key below the directory clean.
func (a *Adapter) keysUnder(ctx context.Context, clean string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.dirKey(clean)),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// deleteKeys removes keys in batches of the DeleteObjects limit.
func (a *Adapter) deleteKeys(ctx context.Context, clean string, keys []string) error {
	const batch = 1000
	for len(keys) > 0 {
		n := min(batch, len(keys))
		objects := make([]types.ObjectIdentifier, n)
		for i, k := range keys[:n] {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		resp, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapS3Error("delete", clean, err)
		}
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return &metafs.PathError{
				Op:   "delete",
				Path: clean,
				Err:  fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)),
			}
		}
		keys = keys[n:]
	}
	return nil
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy using server-side CopyObject. Directories
// are copied key by key.
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

	if !info.IsDir {
		return a.copyObject(ctx, a.key(srcClean), a.key(dstClean), srcClean)
	}
	keys, err := a.keysUnder(ctx, srcClean)
	if err != nil {
		return mapS3Error("copy", srcClean, err)
	}
	srcDir, dstDir := a.dirKey(srcClean), a.dirKey(dstClean)
	for _, k := range keys {
		if err := a.copyObject(ctx, k, dstDir+strings.TrimPrefix(k, srcDir), srcClean); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) copyObject(ctx context.Context, srcKey, dstKey, clean string) error {
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		CopySource: aws.String(a.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return mapS3Error("copy", clean, err)
	}
	return nil
}

// Move implements metafs.FileWriter with CopyObject followed by a delete.
// S3 has no rename.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		var pe *metafs.PathError
		if errors.As(err, &pe) {
			pe.Op = "move"
		}
		return err
	}

	srcClean := metafs.CleanPath(src)
	info, err := a.Stat(ctx, srcClean)
	if err != nil {
		return err
	}
	if !info.IsDir {
		if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.key(srcClean)),
		}); err != nil {
			return mapS3Error("move", srcClean, err)
		}
		return nil
	}
	keys, err := a.keysUnder(ctx, srcClean)
	if err != nil {
		return mapS3Error("move", srcClean, err)
	}
	return a.deleteKeys(ctx, srcClean, keys)
}

// Checksum implements metafs.CanChecksum by reading and hashing the file.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	reader, err := a.Read(ctx, filePath)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	checksum, err := metafs.CalculateChecksum(reader, algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: metafs.CleanPath(filePath), Err: err}
	}
	return checksum, nil
}

// Watch implements metafs.CanWatch by polling. S3 has no native events
// without bucket notification plumbing.
func (a *Adapter) Watch(ctx context.Context, filter string) (metafs.ChangeToken, error) {
	return metafs.PollWatch(ctx, a, filter, a.pollInterval)
}

// ============================================================================
// Chunked Upload Implementation
// ============================================================================

// InitiateUpload implements metafs.ChunkedUploader with S3 multipart uploads.
func (a *Adapter) InitiateUpload(ctx context.Context, filePath string) (string, error) {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return "", &metafs.PathError{Op: "initiate-upload", Path: clean, Err: metafs.ErrIsDir}
	}
	key := a.key(clean)

	resp, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(metafs.GuessContentType(clean, nil)),
	})
	if err != nil {
		return "", mapS3Error("initiate-upload", clean, err)
	}

	uploadID := aws.ToString(resp.UploadId)
	a.uploadsMu.Lock()
	a.uploads[uploadID] = &multipartUpload{key: key, path: clean, parts: make(map[int32]types.CompletedPart)}
	a.uploadsMu.Unlock()
	return uploadID, nil
}

func (a *Adapter) upload(op, uploadID string, remove bool) (*multipartUpload, error) {
	a.uploadsMu.Lock()
	defer a.uploadsMu.Unlock()

	up, ok := a.uploads[uploadID]
	if !ok {
		return nil, &metafs.PathError{Op: op, Path: uploadID, Err: fmt.Errorf("%w: upload %s", metafs.ErrNotExist, uploadID)}
	}
	if remove {
		delete(a.uploads, uploadID)
	}
	return up, nil
}

// UploadPart implements metafs.ChunkedUploader
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	// S3 supports parts 1-10000.
	if partNumber < 1 || partNumber > 10000 {
		return &metafs.PathError{
			Op:   "upload-part",
			Path: uploadID,
			Err:  fmt.Errorf("%w: part number must be between 1 and 10000, got %d", metafs.ErrInvalidFormat, partNumber),
		}
	}
	up, err := a.upload("upload-part", uploadID, false)
	if err != nil {
		return err
	}

	n := int32(partNumber) //nolint:gosec // validated above
	resp, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(a.bucket),
		Key:        aws.String(up.key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(n),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return mapS3Error("upload-part", up.path, err)
	}

	a.uploadsMu.Lock()
	up.parts[n] = types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(n)}
	a.uploadsMu.Unlock()
	return nil
}

// CompleteUpload implements metafs.ChunkedUploader
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) error {
	up, err := a.upload("complete-upload", uploadID, true)
	if err != nil {
		return err
	}

	a.uploadsMu.Lock()
	parts := make([]types.CompletedPart, 0, len(up.parts))
	for _, p := range up.parts {
		parts = append(parts, p)
	}
	a.uploadsMu.Unlock()
	if len(parts) == 0 {
		a.abort(ctx, uploadID, up)
		return &metafs.PathError{Op: "complete-upload", Path: up.path, Err: fmt.Errorf("%w: no parts uploaded", metafs.ErrInvalidFormat)}
	}
	sort.Slice(parts, func(i, j int) bool { return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber) })

	_, err = a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(up.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return mapS3Error("complete-upload", up.path, err)
	}
	return nil
}

// AbortUpload implements metafs.ChunkedUploader
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	up, err := a.upload("abort-upload", uploadID, true)
	if err != nil {
		return err
	}
	return a.abort(ctx, uploadID, up)
}

func (a *Adapter) abort(ctx context.Context, uploadID string, up *multipartUpload) error {
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(up.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return mapS3Error("abort-upload", up.path, err)
	}
	return nil
}

// ============================================================================
// Error mapping
// ============================================================================

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}

// mapS3Error maps S3 errors to metafs errors
func mapS3Error(op, filePath string, err error) error {
	var nsb *types.NoSuchBucket
	switch {
	case isNotFound(err), errors.As(err, &nsb):
		return &metafs.PathError{Op: op, Path: filePath, Err: fmt.Errorf("%w: %v", metafs.ErrNotExist, err)}
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) || metafs.IsTransportError(err) {
		return &metafs.PathError{Op: op, Path: filePath, Err: metafs.Unavailable(err)}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return &metafs.PathError{Op: op, Path: filePath, Err: metafs.Unavailable(err)}
		case "AccessDenied", "AllAccessDisabled":
			return &metafs.PathError{Op: op, Path: filePath, Err: fmt.Errorf("%w: %v", metafs.ErrPermission, err)}
		case "NoSuchUpload":
			return &metafs.PathError{Op: op, Path: filePath, Err: fmt.Errorf("%w: %v", metafs.ErrNotExist, err)}
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusForbidden {
		return &metafs.PathError{Op: op, Path: filePath, Err: fmt.Errorf("%w: %v", metafs.ErrPermission, err)}
	}
	return &metafs.PathError{Op: op, Path: filePath, Err: err}
}

// Ensure Adapter implements interfaces
var (
	_ metafs.FileSystem      = (*Adapter)(nil)
	_ metafs.CanCopy         = (*Adapter)(nil)
	_ metafs.CanChecksum     = (*Adapter)(nil)
	_ metafs.CanWatch        = (*Adapter)(nil)
	_ metafs.ChunkedUploader = (*Adapter)(nil)
)
