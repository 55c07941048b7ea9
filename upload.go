package metafs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ChunkedUploader is the interface for filesystems that support chunked uploads
type ChunkedUploader interface {
	// InitiateUpload starts a chunked upload process and returns an upload ID
	InitiateUpload(ctx context.Context, path string) (string, error)

	// UploadPart uploads a part of a file in a chunked upload process
	UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error

	// CompleteUpload finalizes a chunked upload
	CompleteUpload(ctx context.Context, uploadID string) error

	// AbortUpload cancels a chunked upload
	AbortUpload(ctx context.Context, uploadID string) error
}

// ChunkLast marks the final part of a chunked save.
const ChunkLast = -1

var errNoUpload = errors.New("no chunked upload in progress")

type chunkKey struct {
	res  *Resource
	path string
}

type chunkSession struct {
	uploadID string
	nextPart int
}

// chunkTracker keeps the native upload sessions opened by chunked saves.
type chunkTracker struct {
	mu       sync.Mutex
	sessions map[chunkKey]*chunkSession
}

func newChunkTracker() *chunkTracker {
	return &chunkTracker{sessions: make(map[chunkKey]*chunkSession)}
}

func (t *chunkTracker) take(key chunkKey) *chunkSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[key]
	delete(t.sessions, key)
	return s
}

func (t *chunkTracker) put(key chunkKey, s *chunkSession) {
	t.mu.Lock()
	t.sessions[key] = s
	t.mu.Unlock()
}

// saveChunk applies one part of a chunked save. It reports whether the
// file is complete on the backend.
func (d *Dispatcher) saveChunk(ctx context.Context, res *Resource, subpath string, chunk int, data []byte) (bool, error) {
	if chunk == 0 || chunk < ChunkLast {
		return false, NewPathError("save", subpath, fmt.Errorf("%w: invalid chunk %d", ErrInvalidFormat, chunk))
	}
	if up, ok := res.Adapter.(ChunkedUploader); ok {
		return d.saveChunkNative(ctx, up, chunkKey{res: res, path: subpath}, chunk, data)
	}
	return true, appendChunk(ctx, res.Adapter, subpath, chunk, data)
}

func (d *Dispatcher) saveChunkNative(ctx context.Context, up ChunkedUploader, key chunkKey, chunk int, data []byte) (bool, error) {
	session := d.uploads.take(key)

	if chunk == 1 {
		if session != nil {
			_ = up.AbortUpload(ctx, session.uploadID)
		}
		id, err := up.InitiateUpload(ctx, key.path)
		if err != nil {
			return false, err
		}
		session = &chunkSession{uploadID: id, nextPart: 1}
	}
	if session == nil {
		return false, NewPathError("save", key.path, fmt.Errorf("%w: %w", ErrNotExist, errNoUpload))
	}

	part := chunk
	if chunk == ChunkLast {
		part = session.nextPart
	}
	if err := up.UploadPart(ctx, session.uploadID, part, data); err != nil {
		_ = up.AbortUpload(ctx, session.uploadID)
		return false, err
	}
	session.nextPart = part + 1

	if chunk != ChunkLast {
		d.uploads.put(key, session)
		return false, nil
	}
	if err := up.CompleteUpload(ctx, session.uploadID); err != nil {
		return false, err
	}
	return true, nil
}

// appendChunk emulates a chunked save on backends without native support
// by rewriting the file with the part appended.
func appendChunk(ctx context.Context, fs FileSystem, subpath string, chunk int, data []byte) error {
	if chunk == 1 {
		return fs.Write(ctx, subpath, bytes.NewReader(data), WithSize(int64(len(data))))
	}

	rc, err := fs.Read(ctx, subpath)
	if err != nil {
		return err
	}
	existing, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return NewPathError("save", subpath, err)
	}

	buf := make([]byte, 0, len(existing)+len(data))
	buf = append(buf, existing...)
	buf = append(buf, data...)
	return fs.Write(ctx, subpath, bytes.NewReader(buf), WithSize(int64(len(buf))))
}
