package badger

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/metafs"
	"github.com/gobeaver/metafs/internal/recordfs"
)

func newTestFS(t *testing.T, cfg Config) *recordfs.FS {
	t.Helper()
	cfg.InMemory = true
	fs, err := New(cfg)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func readString(t *testing.T, fs metafs.FileSystem, p string) string {
	t.Helper()
	rc, err := fs.Read(context.Background(), p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, Config{})

	err := fs.Write(ctx, "notebooks/demo.ipynb", strings.NewReader(`{"cells":[]}`),
		metafs.WithMetadata(map[string]string{"owner": "jovyan"}))
	if err != nil {
		t.Fatal(err)
	}
	if got := readString(t, fs, "notebooks/demo.ipynb"); got != `{"cells":[]}` {
		t.Errorf("content = %q", got)
	}

	info, err := fs.Stat(ctx, "notebooks/demo.ipynb")
	if err != nil {
		t.Fatal(err)
	}
	if info.Metadata["owner"] != "jovyan" || info.Size != 12 || info.IsDir {
		t.Errorf("unexpected info: %+v", info)
	}
	dir, err := fs.Stat(ctx, "notebooks")
	if err != nil || !dir.IsDir {
		t.Errorf("parent dir = %+v, %v", dir, err)
	}
	if _, err := fs.Read(ctx, "notebooks"); !errors.Is(err, metafs.ErrIsDir) {
		t.Errorf("read a dir: %v", err)
	}
	if _, err := fs.Stat(ctx, "missing"); !metafs.IsNotExist(err) {
		t.Errorf("stat missing: %v", err)
	}
}

func TestChildIndex(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, Config{})
	for _, p := range []string{"b.txt", "a/x.txt", "a/y/z.txt", "ab.txt"} {
		if err := fs.Write(ctx, p, strings.NewReader(p)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		dir  string
		want string
	}{
		{"", "a,ab.txt,b.txt"},
		{"a", "x.txt,y"},
		{"a/y", "z.txt"},
	}
	for _, tt := range tests {
		entries, err := fs.List(ctx, tt.dir)
		if err != nil {
			t.Fatalf("list %q: %v", tt.dir, err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		if got := strings.Join(names, ","); got != tt.want {
			t.Errorf("List(%q) = %s, want %s", tt.dir, got, tt.want)
		}
	}
}

func TestMoveRewritesIndex(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, Config{})
	if err := fs.Write(ctx, "src/deep/f.txt", strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Move(ctx, "src", "dst/renamed"); err != nil {
		t.Fatal(err)
	}

	if got := readString(t, fs, "dst/renamed/deep/f.txt"); got != "payload" {
		t.Errorf("moved content = %q", got)
	}
	root, err := fs.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 || root[0].Name != "dst" {
		t.Errorf("root after move: %+v", root)
	}
	inner, err := fs.List(ctx, "dst/renamed")
	if err != nil || len(inner) != 1 || inner[0].Name != "deep" {
		t.Errorf("dst/renamed = %+v, %v", inner, err)
	}
}

func TestDeleteStrict(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, Config{DeleteMode: metafs.DeleteStrict})
	if err := fs.Write(ctx, "d/f.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Delete(ctx, "d"); !errors.Is(err, metafs.ErrNotEmpty) {
		t.Errorf("expected ErrNotEmpty, got %v", err)
	}
	if err := fs.Delete(ctx, "d/f.txt"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Delete(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	if entries, _ := fs.List(ctx, ""); len(entries) != 0 {
		t.Errorf("expected empty root, got %+v", entries)
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, Config{})
	if err := fs.Write(ctx, "a/one.txt", strings.NewReader("1")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Copy(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	if got := readString(t, fs, "b/one.txt"); got != "1" {
		t.Errorf("copy = %q", got)
	}
	if got := readString(t, fs, "a/one.txt"); got != "1" {
		t.Errorf("source = %q", got)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Write(ctx, "keep.txt", strings.NewReader("kept")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got := readString(t, reopened, "keep.txt"); got != "kept" {
		t.Errorf("after reopen = %q", got)
	}
}

func TestConfigFromURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    Config
		wantErr bool
	}{
		{uri: "badger://memory", want: Config{InMemory: true, DeleteMode: metafs.DeleteRecursive}},
		{uri: "badger:///var/lib/metafs?delete=strict&poll=2s", want: Config{
			Dir: "/var/lib/metafs", DeleteMode: metafs.DeleteStrict, PollInterval: 2 * time.Second,
		}},
		{uri: "badger://memory?max_file_size=1024", want: Config{
			InMemory: true, DeleteMode: metafs.DeleteRecursive, MaxFileSize: 1024,
		}},
		{uri: "badger://", wantErr: true},
		{uri: "badger://memory?max_file_size=-1", wantErr: true},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.uri)
		if err != nil {
			t.Fatal(err)
		}
		got, err := configFromURI(u)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.uri, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.uri, got, tt.want)
		}
	}
}
