package metafs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockFS is an in-memory FileSystem with failure injection
type mockFS struct {
	name string

	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	mode    DeleteMode
	closed  bool
	copied  int
	moved   int
	writes  int
	failOn  map[string]error // path -> error returned by Write
	failAt  int              // fail the n-th Write (1-based), 0 disables
	failErr error
}

func newMockFS(name string) *mockFS {
	return &mockFS{
		name:   name,
		files:  make(map[string][]byte),
		dirs:   make(map[string]bool),
		mode:   DeleteRecursive,
		failOn: make(map[string]error),
	}
}

func (m *mockFS) put(p, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	m.files[p] = []byte(content)
	m.mkdirAll(path.Dir(p))
}

func (m *mockFS) has(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	_, f := m.files[p]
	return f || m.dirs[p]
}

func (m *mockFS) content(p string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[CleanPath(p)])
}

func (m *mockFS) mkdirAll(p string) {
	for p != "." && p != "" && p != "/" {
		m.dirs[p] = true
		p = path.Dir(p)
	}
}

func (m *mockFS) isDir(p string) bool {
	return p == "" || m.dirs[p]
}

func (m *mockFS) Stat(ctx context.Context, p string) (*FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	if m.isDir(p) {
		return &FileInfo{Name: path.Base(p), Path: p, IsDir: true, ModTime: time.Unix(0, 0)}, nil
	}
	data, ok := m.files[p]
	if !ok {
		return nil, NewPathError("stat", p, ErrNotExist)
	}
	return &FileInfo{
		Name:        path.Base(p),
		Path:        p,
		Size:        int64(len(data)),
		ModTime:     time.Unix(0, 0),
		ContentType: "",
	}, nil
}

func (m *mockFS) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[CleanPath(p)]
	if !ok {
		return nil, NewPathError("read", p, ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (m *mockFS) List(ctx context.Context, p string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	if _, ok := m.files[p]; ok {
		return nil, NewPathError("list", p, ErrNotDir)
	}
	if !m.isDir(p) {
		return nil, NewPathError("list", p, ErrNotExist)
	}

	var out []FileInfo
	for f, data := range m.files {
		if path.Dir(f) == p || (p == "" && path.Dir(f) == ".") {
			out = append(out, FileInfo{Name: path.Base(f), Path: f, Size: int64(len(data))})
		}
	}
	for d := range m.dirs {
		if path.Dir(d) == p || (p == "" && path.Dir(d) == ".") {
			out = append(out, FileInfo{Name: path.Base(d), Path: d, IsDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockFS) Exists(ctx context.Context, p string) (bool, error) {
	return m.has(p), nil
}

func (m *mockFS) Write(ctx context.Context, p string, r io.Reader, opts ...Option) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	m.writes++
	if err := m.failOn[p]; err != nil {
		return NewPathError("write", p, err)
	}
	if m.failAt > 0 && m.writes == m.failAt {
		return NewPathError("write", p, m.failErr)
	}
	if m.dirs[p] {
		return NewPathError("write", p, ErrIsDir)
	}
	m.files[p] = data
	m.mkdirAll(path.Dir(p))
	return nil
}

func (m *mockFS) MakeDir(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	if _, ok := m.files[p]; ok {
		return NewPathError("mkdir", p, ErrExist)
	}
	m.mkdirAll(p)
	return nil
}

func (m *mockFS) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = CleanPath(p)
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return nil
	}
	if !m.dirs[p] {
		return NewPathError("delete", p, ErrNotExist)
	}

	prefix := p + "/"
	var children []string
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			children = append(children, f)
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			children = append(children, d)
		}
	}
	if len(children) > 0 && m.mode == DeleteStrict {
		return NewPathError("delete", p, ErrNotEmpty)
	}
	for _, c := range children {
		delete(m.files, c)
		delete(m.dirs, c)
	}
	delete(m.dirs, p)
	return nil
}

func (m *mockFS) Move(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, dst = CleanPath(src), CleanPath(dst)
	m.moved++
	data, ok := m.files[src]
	if !ok {
		return NewPathError("move", src, ErrNotExist)
	}
	m.files[dst] = data
	delete(m.files, src)
	m.mkdirAll(path.Dir(dst))
	return nil
}

func (m *mockFS) Capabilities() Capabilities {
	return Capabilities{DeleteMode: m.mode}
}

func (m *mockFS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

func (m *mockFS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockCopierFS implements the CanCopy interface
type mockCopierFS struct {
	*mockFS
}

func (m *mockCopierFS) Copy(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copied++
	data, ok := m.files[CleanPath(src)]
	if !ok {
		return errors.New("source not found")
	}
	m.files[CleanPath(dst)] = append([]byte{}, data...)
	return nil
}

// mockFactory hands out pre-built filesystems by URI and builds a fresh
// mockFS for unknown ones.
type mockFactory struct {
	mu    sync.Mutex
	fs    map[string]FileSystem
	built []string
	err   error
}

func newMockFactory() *mockFactory {
	return &mockFactory{fs: make(map[string]FileSystem)}
}

func (f *mockFactory) add(uri string, fs FileSystem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fs[uri] = fs
}

func (f *mockFactory) create(ctx context.Context, uri string) (FileSystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.built = append(f.built, uri)
	if fs, ok := f.fs[uri]; ok {
		return fs, nil
	}
	return newMockFS(uri), nil
}

var (
	_ FileSystem = (*mockFS)(nil)
	_ CanCopy    = (*mockCopierFS)(nil)
)
