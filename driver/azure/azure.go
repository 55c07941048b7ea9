package azure

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/gobeaver/metafs"
)

const dirContentType = "application/x-directory"

// Adapter provides an Azure Blob Storage implementation of
// metafs.FileSystem. Directories are blob-name prefixes with an optional
// "dir/" marker blob.
type Adapter struct {
	client        *azblob.Client
	containerName string
	prefix        string
	mode          metafs.DeleteMode
	pollInterval  time.Duration

	uploadsMu sync.Mutex
	uploads   map[string]*uploadInfo
}

// uploadInfo tracks the staged blocks of one chunked upload.
type uploadInfo struct {
	path     string
	blockIDs map[int]string
}

// AdapterOption is a function that configures Azure Adapter
type AdapterOption func(*Adapter)

// WithPrefix sets the prefix for Azure blobs
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

// New creates a new Azure Blob Storage filesystem adapter
func New(client *azblob.Client, containerName string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:        client,
		containerName: containerName,
		mode:          metafs.DeleteRecursive,
		pollInterval:  30 * time.Second,
		uploads:       make(map[string]*uploadInfo),
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

func (a *Adapter) blobName(clean string) string {
	return a.prefix + clean
}

func (a *Adapter) dirPrefix(clean string) string {
	if clean == "" {
		return a.prefix
	}
	return a.prefix + clean + "/"
}

func (a *Adapter) container() *container.Client {
	return a.client.ServiceClient().NewContainerClient(a.containerName)
}

// ptr is a helper function to create a pointer to a value
func ptr[T any](v T) *T {
	return &v
}

// Write implements metafs.FileWriter
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...metafs.Option) error {
	clean := metafs.CleanPath(filePath)
	if clean == "" {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if isDir, err := a.isDir(ctx, clean); err != nil {
		return mapAzureError("write", clean, err)
	} else if isDir {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if err := a.checkParents(ctx, "write", clean); err != nil {
		return err
	}

	opts := metafs.ProcessOptions(options...)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = metafs.GuessContentType(clean, nil)
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	}
	if len(opts.Metadata) > 0 {
		uploadOpts.Metadata = make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			uploadOpts.Metadata[k] = ptr(v)
		}
	}

	if _, err := a.client.UploadStream(ctx, a.containerName, a.blobName(clean), content, uploadOpts); err != nil {
		return mapAzureError("write", clean, err)
	}
	return nil
}

// checkParents fails with ErrNotDir when an ancestor of clean is a file.
func (a *Adapter) checkParents(ctx context.Context, op, clean string) error {
	for dir := path.Dir(clean); dir != "." && dir != ""; dir = path.Dir(dir) {
		_, err := a.container().NewBlobClient(a.blobName(dir)).GetProperties(ctx, nil)
		if err == nil {
			return &metafs.PathError{Op: op, Path: clean, Err: metafs.ErrNotDir}
		}
		if !isNotFound(err) {
			return mapAzureError(op, clean, err)
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

	resp, err := a.client.DownloadStream(ctx, a.containerName, a.blobName(clean), nil)
	if err != nil {
		if isNotFound(err) {
			if isDir, derr := a.isDir(ctx, clean); derr == nil && isDir {
				return nil, &metafs.PathError{Op: "read", Path: clean, Err: metafs.ErrIsDir}
			}
		}
		return nil, mapAzureError("read", clean, err)
	}
	return resp.Body, nil
}

// isDir reports whether any blob lives under the directory prefix.
func (a *Adapter) isDir(ctx context.Context, clean string) (bool, error) {
	if clean == "" {
		return true, nil
	}
	pager := a.container().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     ptr(a.dirPrefix(clean)),
		MaxResults: ptr(int32(1)),
	})
	if !pager.More() {
		return false, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return false, err
	}
	return len(resp.Segment.BlobItems) > 0, nil
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

	props, err := a.container().NewBlobClient(a.blobName(clean)).GetProperties(ctx, nil)
	if err == nil {
		metadata := make(map[string]string, len(props.Metadata))
		for k, v := range props.Metadata {
			if v != nil {
				metadata[k] = *v
			}
		}
		info := &metafs.FileInfo{
			Name:     path.Base(clean),
			Path:     clean,
			Metadata: metadata,
		}
		if props.ContentLength != nil {
			info.Size = *props.ContentLength
		}
		if props.LastModified != nil {
			info.ModTime = *props.LastModified
		}
		if props.CreationTime != nil {
			info.Created = *props.CreationTime
		}
		if props.ContentType != nil {
			info.ContentType = *props.ContentType
		}
		return info, nil
	}
	if !isNotFound(err) {
		return nil, mapAzureError("stat", clean, err)
	}

	isDir, err := a.isDir(ctx, clean)
	if err != nil {
		return nil, mapAzureError("stat", clean, err)
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

	listPrefix := a.dirPrefix(clean)
	pager := a.container().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: &listPrefix,
	})

	var files []metafs.FileInfo
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapAzureError("list", clean, err)
		}

		for _, bp := range resp.Segment.BlobPrefixes {
			if bp.Name == nil {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(*bp.Name, listPrefix), "/")
			if name == "" {
				continue
			}
			files = append(files, metafs.FileInfo{
				Name:  name,
				Path:  path.Join(clean, name),
				IsDir: true,
			})
		}

		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*item.Name, listPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			fi := metafs.FileInfo{Name: name, Path: path.Join(clean, name)}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					fi.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					fi.ModTime = *p.LastModified
				}
				if p.CreationTime != nil {
					fi.Created = *p.CreationTime
				}
				if p.ContentType != nil {
					fi.ContentType = *p.ContentType
				}
			}
			files = append(files, fi)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// MakeDir implements metafs.FileWriter. Azure Blob Storage has no real
// directories, so an empty marker blob with a trailing slash stands in.
func (a *Adapter) MakeDir(ctx context.Context, dirPath string) error {
	clean := metafs.CleanPath(dirPath)
	if clean == "" {
		return nil
	}
	if _, err := a.container().NewBlobClient(a.blobName(clean)).GetProperties(ctx, nil); err == nil {
		return &metafs.PathError{Op: "mkdir", Path: clean, Err: metafs.ErrExist}
	} else if !isNotFound(err) {
		return mapAzureError("mkdir", clean, err)
	}
	if err := a.checkParents(ctx, "mkdir", clean); err != nil {
		return err
	}

	_, err := a.client.UploadBuffer(ctx, a.containerName, a.dirPrefix(clean), nil, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: ptr(dirContentType)},
	})
	if err != nil {
		return mapAzureError("mkdir", clean, err)
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
		if _, err := a.client.DeleteBlob(ctx, a.containerName, a.blobName(clean), nil); err != nil {
			return mapAzureError("delete", clean, err)
		}
		return nil
	}

	names, err := a.blobsUnder(ctx, a.dirPrefix(clean))
	if err != nil {
		return mapAzureError("delete", clean, err)
	}
	if a.mode == metafs.DeleteStrict {
		for _, n := range names {
			if n != a.dirPrefix(clean) {
				return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotEmpty}
			}
		}
	}
	return a.deleteBlobs(ctx, "delete", clean, names)
}

func (a *Adapter) blobsUnder(ctx context.Context, prefix string) ([]string, error) {
	pager := a.container().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	var names []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (a *Adapter) deleteBlobs(ctx context.Context, op, clean string, names []string) error {
	for _, n := range names {
		if _, err := a.client.DeleteBlob(ctx, a.containerName, n, nil); err != nil && !isNotFound(err) {
			return mapAzureError(op, clean, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

// mapAzureError maps Azure errors to metafs errors
func mapAzureError(op, p string, err error) error {
	if isNotFound(err) {
		return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrNotExist, err)}
	}
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
		return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrExist, err)}
	}

	if metafs.IsTransportError(err) || bloberror.HasCode(err, bloberror.AuthenticationFailed) {
		return &metafs.PathError{Op: op, Path: p, Err: metafs.Unavailable(err)}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrNotExist, err)}
		case http.StatusUnauthorized:
			return &metafs.PathError{Op: op, Path: p, Err: metafs.Unavailable(err)}
		case http.StatusForbidden:
			return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", metafs.ErrPermission, err)}
		}
	}

	return &metafs.PathError{Op: op, Path: p, Err: err}
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy using server-side StartCopyFromURL. Within
// one account the request's shared key authorizes the source.
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
		return a.copyBlob(ctx, a.blobName(srcClean), a.blobName(dstClean), srcClean)
	}
	srcDir, dstDir := a.dirPrefix(srcClean), a.dirPrefix(dstClean)
	names, err := a.blobsUnder(ctx, srcDir)
	if err != nil {
		return mapAzureError("copy", srcClean, err)
	}
	for _, n := range names {
		if err := a.copyBlob(ctx, n, dstDir+strings.TrimPrefix(n, srcDir), srcClean); err != nil {
			return err
		}
	}
	return nil
}

// copyBlob starts a server-side copy and waits for it to finish.
func (a *Adapter) copyBlob(ctx context.Context, srcName, dstName, clean string) error {
	cc := a.container()
	dst := cc.NewBlobClient(dstName)
	resp, err := dst.StartCopyFromURL(ctx, cc.NewBlobClient(srcName).URL(), nil)
	if err != nil {
		return mapAzureError("copy", clean, err)
	}

	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return mapAzureError("copy", clean, err)
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return &metafs.PathError{Op: "copy", Path: clean, Err: fmt.Errorf("copy finished with status %s", *status)}
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

	srcClean := metafs.CleanPath(src)
	if _, err := a.client.DeleteBlob(ctx, a.containerName, a.blobName(srcClean), nil); err == nil {
		return nil
	} else if !isNotFound(err) {
		return mapAzureError("move", srcClean, err)
	}
	names, err := a.blobsUnder(ctx, a.dirPrefix(srcClean))
	if err != nil {
		return mapAzureError("move", srcClean, err)
	}
	return a.deleteBlobs(ctx, "move", srcClean, names)
}

// Checksum implements metafs.CanChecksum. MD5 comes from the blob
// properties when the service stored one.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	clean := metafs.CleanPath(filePath)
	if algorithm == metafs.ChecksumMD5 {
		props, err := a.container().NewBlobClient(a.blobName(clean)).GetProperties(ctx, nil)
		if err != nil {
			return "", mapAzureError("checksum", clean, err)
		}
		if len(props.ContentMD5) > 0 {
			return hex.EncodeToString(props.ContentMD5), nil
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

// blockID returns the base64 block ID of a part. Azure requires every ID
// of a blob to have the same length.
func blockID(partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%010d", partNumber)))
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

// InitiateUpload starts a block blob upload and returns an upload ID.
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
	a.uploads[uploadID] = &uploadInfo{path: clean, blockIDs: make(map[int]string)}
	a.uploadsMu.Unlock()
	return uploadID, nil
}

// UploadPart stages one block.
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

	id := blockID(partNumber)
	bb := a.container().NewBlockBlobClient(a.blobName(info.path))
	if _, err := bb.StageBlock(ctx, id, streaming.NopCloser(bytes.NewReader(data)), nil); err != nil {
		return mapAzureError("upload-part", info.path, err)
	}

	a.uploadsMu.Lock()
	info.blockIDs[partNumber] = id
	a.uploadsMu.Unlock()
	return nil
}

// CompleteUpload commits the staged blocks in part order.
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) error {
	info, err := a.upload("complete-upload", uploadID, true)
	if err != nil {
		return err
	}

	a.uploadsMu.Lock()
	parts := make([]int, 0, len(info.blockIDs))
	for n := range info.blockIDs {
		parts = append(parts, n)
	}
	a.uploadsMu.Unlock()
	if len(parts) == 0 {
		return &metafs.PathError{Op: "complete-upload", Path: info.path, Err: fmt.Errorf("%w: no parts uploaded", metafs.ErrInvalidFormat)}
	}
	sort.Ints(parts)
	ids := make([]string, len(parts))
	for i, n := range parts {
		ids[i] = info.blockIDs[n]
	}

	bb := a.container().NewBlockBlobClient(a.blobName(info.path))
	_, err = bb.CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: ptr(metafs.GuessContentType(info.path, nil))},
	})
	if err != nil {
		return mapAzureError("complete-upload", info.path, err)
	}
	return nil
}

// AbortUpload forgets a chunked upload. Azure discards uncommitted blocks
// after seven days.
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	_, err := a.upload("abort-upload", uploadID, true)
	return err
}

// Ensure Adapter implements required and optional interfaces
var (
	_ metafs.FileSystem      = (*Adapter)(nil)
	_ metafs.CanCopy         = (*Adapter)(nil)
	_ metafs.CanChecksum     = (*Adapter)(nil)
	_ metafs.CanWatch        = (*Adapter)(nil)
	_ metafs.ChunkedUploader = (*Adapter)(nil)
)
