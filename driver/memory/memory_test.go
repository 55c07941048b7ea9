package memory

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobeaver/metafs"
)

func TestNew(t *testing.T) {
	t.Run("creates adapter with default config", func(t *testing.T) {
		a := New()
		if a.maxSize != 0 {
			t.Errorf("expected maxSize=0, got %d", a.maxSize)
		}
		if a.Capabilities().DeleteMode != metafs.DeleteRecursive {
			t.Errorf("expected recursive delete, got %s", a.Capabilities().DeleteMode)
		}
	})

	t.Run("creates adapter with max size", func(t *testing.T) {
		a := New(Config{MaxSize: 1024})
		if a.maxSize != 1024 {
			t.Errorf("expected maxSize=1024, got %d", a.maxSize)
		}
	})
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("writes file successfully", func(t *testing.T) {
		a := New()
		content := "hello world"

		if err := a.Write(ctx, "test.txt", strings.NewReader(content)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		exists, err := a.Exists(ctx, "test.txt")
		if err != nil || !exists {
			t.Fatalf("expected file to exist: %v", err)
		}
		if a.Size() != int64(len(content)) {
			t.Errorf("expected size=%d, got %d", len(content), a.Size())
		}
	})

	t.Run("traversal stays inside the root", func(t *testing.T) {
		a := New()
		if err := a.Write(ctx, "../etc/passwd", strings.NewReader("x")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok, _ := a.Exists(ctx, "etc/passwd"); !ok {
			t.Error("expected path to be clamped to the root")
		}
	})

	t.Run("respects max size limit", func(t *testing.T) {
		a := New(Config{MaxSize: 10})
		err := a.Write(ctx, "large.txt", strings.NewReader("this is too large"))
		if err == nil {
			t.Fatal("expected error for exceeding max size")
		}
	})

	t.Run("overwrites and keeps created time", func(t *testing.T) {
		a := New()
		a.Write(ctx, "f.txt", strings.NewReader("one"))
		first, _ := a.Stat(ctx, "f.txt")
		time.Sleep(5 * time.Millisecond)
		a.Write(ctx, "f.txt", strings.NewReader("three"))
		second, _ := a.Stat(ctx, "f.txt")

		if second.Size != 5 || a.Size() != 5 {
			t.Errorf("size not replaced: %d / %d", second.Size, a.Size())
		}
		if !second.Created.Equal(first.Created) {
			t.Error("created time changed on overwrite")
		}
		if !second.ModTime.After(first.ModTime) {
			t.Error("mod time not updated")
		}
	})

	t.Run("creates parent directories", func(t *testing.T) {
		a := New()
		a.Write(ctx, "a/b/c.txt", strings.NewReader("x"))
		for _, dir := range []string{"a", "a/b"} {
			info, err := a.Stat(ctx, dir)
			if err != nil || !info.IsDir {
				t.Errorf("expected %s to be a directory: %v", dir, err)
			}
		}
	})

	t.Run("refuses a file below a file", func(t *testing.T) {
		a := New()
		a.Write(ctx, "a", strings.NewReader("x"))
		if err := a.Write(ctx, "a/b", strings.NewReader("y")); !metafs.IsNotExist(err) && metafs.KindOf(err) != metafs.KindNotADirectory {
			t.Errorf("expected not-a-directory, got %v", err)
		}
	})

	t.Run("refuses to replace a directory", func(t *testing.T) {
		a := New()
		a.MakeDir(ctx, "dir")
		if err := a.Write(ctx, "dir", strings.NewReader("x")); metafs.KindOf(err) != metafs.KindInvalid {
			t.Errorf("expected is-a-directory, got %v", err)
		}
	})

	t.Run("detects content type", func(t *testing.T) {
		a := New()
		a.Write(ctx, "data.json", strings.NewReader(`{}`))
		info, _ := a.Stat(ctx, "data.json")
		if !strings.HasPrefix(info.ContentType, "application/json") {
			t.Errorf("expected json content type, got %q", info.ContentType)
		}

		a.Write(ctx, "blob", strings.NewReader("x"), metafs.WithContentType("application/x-custom"))
		info, _ = a.Stat(ctx, "blob")
		if info.ContentType != "application/x-custom" {
			t.Errorf("explicit content type ignored: %q", info.ContentType)
		}
	})
}

func TestRead(t *testing.T) {
	ctx := context.Background()

	t.Run("reads file successfully", func(t *testing.T) {
		a := New()
		content := "hello world"
		a.Write(ctx, "test.txt", strings.NewReader(content))

		reader, err := a.Read(ctx, "test.txt")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer reader.Close()

		data, _ := io.ReadAll(reader)
		if string(data) != content {
			t.Errorf("expected content='%s', got '%s'", content, string(data))
		}
	})

	t.Run("fails for non-existent file", func(t *testing.T) {
		a := New()
		_, err := a.Read(ctx, "nonexistent.txt")
		if !metafs.IsNotExist(err) {
			t.Errorf("expected not exist error, got: %v", err)
		}
	})

	t.Run("fails for a directory", func(t *testing.T) {
		a := New()
		a.MakeDir(ctx, "dir")
		if _, err := a.Read(ctx, "dir"); metafs.KindOf(err) != metafs.KindInvalid {
			t.Errorf("expected is-a-directory, got %v", err)
		}
	})

	t.Run("returns independent readers", func(t *testing.T) {
		a := New()
		a.Write(ctx, "test.txt", strings.NewReader("hello"))

		reader1, _ := a.Read(ctx, "test.txt")
		reader2, _ := a.Read(ctx, "test.txt")
		data1, _ := io.ReadAll(reader1)
		data2, _ := io.ReadAll(reader2)
		if !bytes.Equal(data1, data2) {
			t.Error("expected both readers to return same content")
		}
		reader1.Close()
		reader2.Close()
	})
}

func TestStat(t *testing.T) {
	ctx := context.Background()

	t.Run("returns file info", func(t *testing.T) {
		a := New()
		content := "hello world"
		a.Write(ctx, "test.txt", strings.NewReader(content), metafs.WithMetadata(map[string]string{"key": "value"}))

		info, err := a.Stat(ctx, "test.txt")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Name != "test.txt" || info.Size != int64(len(content)) || info.IsDir {
			t.Errorf("unexpected info %+v", info)
		}
		if info.Metadata["key"] != "value" {
			t.Error("expected metadata to be preserved")
		}
		if info.ModTime.IsZero() {
			t.Error("expected ModTime to be set")
		}
	})

	t.Run("root is a directory", func(t *testing.T) {
		a := New()
		info, err := a.Stat(ctx, "")
		if err != nil || !info.IsDir {
			t.Errorf("expected root directory, got %+v %v", info, err)
		}
	})

	t.Run("fails for non-existent path", func(t *testing.T) {
		a := New()
		if _, err := a.Stat(ctx, "nonexistent"); !metafs.IsNotExist(err) {
			t.Errorf("expected not exist error, got %v", err)
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()

	t.Run("lists direct children sorted", func(t *testing.T) {
		a := New()
		a.Write(ctx, "dir/file2.txt", strings.NewReader("content2"))
		a.Write(ctx, "dir/file1.txt", strings.NewReader("content1"))
		a.Write(ctx, "dir/subdir/deep.txt", strings.NewReader("deep"))

		files, err := a.List(ctx, "dir")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		expected := []string{"file1.txt", "file2.txt", "subdir"}
		if len(files) != len(expected) {
			t.Fatalf("expected %d items, got %d", len(expected), len(files))
		}
		for i, name := range expected {
			if files[i].Name != name {
				t.Errorf("expected name[%d]='%s', got '%s'", i, name, files[i].Name)
			}
		}
		if !files[2].IsDir {
			t.Error("subdir should be a directory")
		}
	})

	t.Run("lists root directory", func(t *testing.T) {
		a := New()
		a.Write(ctx, "file.txt", strings.NewReader("content"))
		a.MakeDir(ctx, "mydir")

		files, err := a.List(ctx, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(files) != 2 || files[0].Name != "file.txt" || files[1].Name != "mydir" {
			t.Errorf("unexpected listing %+v", files)
		}
	})

	t.Run("fails on a file", func(t *testing.T) {
		a := New()
		a.Write(ctx, "file.txt", strings.NewReader("content"))
		if _, err := a.List(ctx, "file.txt"); metafs.KindOf(err) != metafs.KindNotADirectory {
			t.Errorf("expected not a directory, got %v", err)
		}
	})

	t.Run("fails on a missing directory", func(t *testing.T) {
		a := New()
		if _, err := a.List(ctx, "missing"); !metafs.IsNotExist(err) {
			t.Errorf("expected not exist, got %v", err)
		}
	})
}

func TestMakeDir(t *testing.T) {
	ctx := context.Background()
	a := New()

	if err := a.MakeDir(ctx, "a/b/c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.MakeDir(ctx, "a/b/c"); err != nil {
		t.Errorf("repeated MakeDir should succeed: %v", err)
	}
	a.Write(ctx, "file", strings.NewReader("x"))
	if err := a.MakeDir(ctx, "file"); !metafs.IsExist(err) {
		t.Errorf("expected exist error, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes file and updates size", func(t *testing.T) {
		a := New()
		a.Write(ctx, "test.txt", strings.NewReader("hello world"))

		if err := a.Delete(ctx, "test.txt"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exists, _ := a.Exists(ctx, "test.txt"); exists {
			t.Error("expected file to be deleted")
		}
		if a.Size() != 0 {
			t.Errorf("expected size 0, got %d", a.Size())
		}
	})

	t.Run("recursive directory delete", func(t *testing.T) {
		a := New()
		a.Write(ctx, "dir/a.txt", strings.NewReader("a"))
		a.Write(ctx, "dir/sub/b.txt", strings.NewReader("b"))
		a.Write(ctx, "dirx/keep.txt", strings.NewReader("k"))

		if err := a.Delete(ctx, "dir"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.FileCount() != 1 {
			t.Errorf("expected 1 file left, got %d", a.FileCount())
		}
		if exists, _ := a.Exists(ctx, "dir/sub"); exists {
			t.Error("subdirectory survived")
		}
	})

	t.Run("strict mode refuses non-empty directories", func(t *testing.T) {
		a := New(Config{DeleteMode: metafs.DeleteStrict})
		a.Write(ctx, "dir/a.txt", strings.NewReader("a"))
		a.MakeDir(ctx, "empty")

		if err := a.Delete(ctx, "dir"); metafs.KindOf(err) != metafs.KindExists {
			t.Errorf("expected not empty, got %v", err)
		}
		if err := a.Delete(ctx, "empty"); err != nil {
			t.Errorf("empty directory: %v", err)
		}
	})

	t.Run("fails for non-existent path and root", func(t *testing.T) {
		a := New()
		if err := a.Delete(ctx, "nonexistent.txt"); !metafs.IsNotExist(err) {
			t.Errorf("expected not exist, got %v", err)
		}
		if err := a.Delete(ctx, ""); metafs.KindOf(err) != metafs.KindPermission {
			t.Errorf("expected not allowed, got %v", err)
		}
	})
}

func TestCopyAndMove(t *testing.T) {
	ctx := context.Background()

	t.Run("copies a directory tree", func(t *testing.T) {
		a := New()
		a.Write(ctx, "src/a.txt", strings.NewReader("a"))
		a.Write(ctx, "src/sub/b.txt", strings.NewReader("bb"))

		if err := a.Copy(ctx, "src", "dst"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, p := range []string{"src/a.txt", "dst/a.txt", "dst/sub/b.txt"} {
			if ok, _ := a.Exists(ctx, p); !ok {
				t.Errorf("%s missing", p)
			}
		}
		if a.Size() != 6 {
			t.Errorf("expected size 6, got %d", a.Size())
		}
	})

	t.Run("moves a directory tree", func(t *testing.T) {
		a := New()
		a.Write(ctx, "src/a.txt", strings.NewReader("a"))
		a.Write(ctx, "src/sub/b.txt", strings.NewReader("b"))

		if err := a.Move(ctx, "src", "moved/here"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok, _ := a.Exists(ctx, "src"); ok {
			t.Error("source still exists")
		}
		if ok, _ := a.Exists(ctx, "moved/here/sub/b.txt"); !ok {
			t.Error("destination missing")
		}
	})

	t.Run("refuses existing destination", func(t *testing.T) {
		a := New()
		a.Write(ctx, "a.txt", strings.NewReader("a"))
		a.Write(ctx, "b.txt", strings.NewReader("b"))
		if err := a.Move(ctx, "a.txt", "b.txt"); !metafs.IsExist(err) {
			t.Errorf("expected exist error, got %v", err)
		}
		if err := a.Copy(ctx, "a.txt", "b.txt"); !metafs.IsExist(err) {
			t.Errorf("expected exist error, got %v", err)
		}
	})

	t.Run("refuses moving into itself", func(t *testing.T) {
		a := New()
		a.MakeDir(ctx, "dir")
		if err := a.Move(ctx, "dir", "dir/inner"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	a := New()
	a.Write(ctx, "f.txt", strings.NewReader("hello"))

	sum, err := a.Checksum(ctx, "f.txt", metafs.ChecksumSHA256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected checksum %s", sum)
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := New()

	token, err := a.Watch(ctx, "logs/*.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.Write(ctx, "logs/sub/deep.txt", strings.NewReader("x"))
	a.Write(ctx, "other.txt", strings.NewReader("x"))
	time.Sleep(20 * time.Millisecond)
	if token.HasChanged() {
		t.Fatal("unmatched writes signalled the token")
	}

	a.Write(ctx, "logs/today.txt", strings.NewReader("x"))
	deadline := time.Now().Add(time.Second)
	for !token.HasChanged() {
		if time.Now().After(deadline) {
			t.Fatal("change not signalled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := a.Watch(ctx, "[unclosed"); err == nil {
		t.Error("expected invalid pattern error")
	}
}

func TestConcurrency(t *testing.T) {
	ctx := context.Background()
	a := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p := "dir/" + strings.Repeat("x", n%5+1) + ".txt"
			a.Write(ctx, p, strings.NewReader("data"))
			a.Read(ctx, p)
			a.List(ctx, "dir")
		}(i)
	}
	wg.Wait()

	if a.FileCount() != 5 {
		t.Errorf("expected 5 files, got %d", a.FileCount())
	}
}

func TestConfigFromURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    Config
		wantErr bool
	}{
		{uri: "mem://scratch", want: Config{DeleteMode: metafs.DeleteRecursive}},
		{uri: "mem://scratch?max_size=1024&delete=strict", want: Config{MaxSize: 1024, DeleteMode: metafs.DeleteStrict}},
		{uri: "mem://scratch?max_size=-1", wantErr: true},
		{uri: "mem://scratch?delete=sometimes", wantErr: true},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.uri)
		got, err := configFromURI(u)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.uri, got, tt.want)
		}
	}
}

func TestRegisteredScheme(t *testing.T) {
	fs, err := metafs.CreateDriver(context.Background(), "mem://scratch")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fs.(*Adapter); !ok {
		t.Errorf("expected *Adapter, got %T", fs)
	}
}
