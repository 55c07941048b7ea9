package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gobeaver/metafs"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	return a
}

func TestInitiateUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("returns upload ID", func(t *testing.T) {
		a := newTestAdapter(t)
		uploadID, err := a.InitiateUpload(ctx, "test.txt")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if uploadID == "" {
			t.Error("expected non-empty upload ID")
		}
		_ = a.AbortUpload(ctx, uploadID)
	})

	t.Run("clamps parent segments to the root", func(t *testing.T) {
		a := newTestAdapter(t)
		uploadID, err := a.InitiateUpload(ctx, "../escape.txt")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := a.UploadPart(ctx, uploadID, 1, []byte("x")); err != nil {
			t.Fatalf("upload part: %v", err)
		}
		if err := a.CompleteUpload(ctx, uploadID); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := os.Stat(filepath.Join(a.Root(), "escape.txt")); err != nil {
			t.Errorf("expected file inside root: %v", err)
		}
	})

	t.Run("rejects a directory target", func(t *testing.T) {
		a := newTestAdapter(t)
		if err := a.MakeDir(ctx, "dir"); err != nil {
			t.Fatal(err)
		}
		if _, err := a.InitiateUpload(ctx, "dir"); metafs.KindOf(err) != metafs.KindInvalid {
			t.Errorf("expected invalid kind, got %v", err)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		a := newTestAdapter(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := a.InitiateUpload(cctx, "test.txt"); err != context.Canceled {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	})
}

func TestUploadPart(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	uploadID, err := a.InitiateUpload(ctx, "test.txt")
	if err != nil {
		t.Fatalf("failed to initiate upload: %v", err)
	}
	defer a.AbortUpload(ctx, uploadID)

	if err := a.UploadPart(ctx, uploadID, 0, []byte("x")); metafs.KindOf(err) != metafs.KindInvalid {
		t.Errorf("part 0: expected invalid kind, got %v", err)
	}
	if err := a.UploadPart(ctx, "missing", 1, []byte("x")); !metafs.IsNotExist(err) {
		t.Errorf("unknown upload: expected not-exist, got %v", err)
	}
	if err := a.UploadPart(ctx, uploadID, 1, []byte("a")); err != nil {
		t.Fatalf("upload part: %v", err)
	}
	// Re-uploading a part replaces it.
	if err := a.UploadPart(ctx, uploadID, 1, []byte("b")); err != nil {
		t.Fatalf("re-upload part: %v", err)
	}
}

func TestCompleteUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("assembles parts in numeric order", func(t *testing.T) {
		a := newTestAdapter(t)
		uploadID, err := a.InitiateUpload(ctx, "nested/out.txt")
		if err != nil {
			t.Fatal(err)
		}
		parts := map[int]string{3: "world", 1: "hello", 2: " ", 10: "!"}
		for n, s := range parts {
			if err := a.UploadPart(ctx, uploadID, n, []byte(s)); err != nil {
				t.Fatalf("part %d: %v", n, err)
			}
		}
		if err := a.CompleteUpload(ctx, uploadID); err != nil {
			t.Fatalf("complete: %v", err)
		}

		got, err := os.ReadFile(filepath.Join(a.Root(), "nested", "out.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello world!" {
			t.Errorf("content = %q", got)
		}
		if err := a.CompleteUpload(ctx, uploadID); !metafs.IsNotExist(err) {
			t.Errorf("second complete: expected not-exist, got %v", err)
		}
	})

	t.Run("fails without parts", func(t *testing.T) {
		a := newTestAdapter(t)
		uploadID, err := a.InitiateUpload(ctx, "empty.txt")
		if err != nil {
			t.Fatal(err)
		}
		if err := a.CompleteUpload(ctx, uploadID); metafs.KindOf(err) != metafs.KindInvalid {
			t.Errorf("expected invalid kind, got %v", err)
		}
	})
}

func TestAbortUpload(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	uploadID, err := a.InitiateUpload(ctx, "test.txt")
	if err != nil {
		t.Fatal(err)
	}
	info, _ := a.upload("test", uploadID, false)
	if err := a.UploadPart(ctx, uploadID, 1, []byte("content")); err != nil {
		t.Fatal(err)
	}
	if err := a.AbortUpload(ctx, uploadID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := os.Stat(info.partsDir); !os.IsNotExist(err) {
		t.Error("expected parts directory to be removed")
	}
	if exists, _ := a.Exists(ctx, "test.txt"); exists {
		t.Error("aborted upload should not create the file")
	}
	if err := a.AbortUpload(ctx, uploadID); !metafs.IsNotExist(err) {
		t.Errorf("second abort: expected not-exist, got %v", err)
	}
}

func TestCloseAbortsPendingUploads(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	uploadID, err := a.InitiateUpload(ctx, "pending.bin")
	if err != nil {
		t.Fatal(err)
	}
	info, _ := a.upload("test", uploadID, false)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(info.partsDir); !os.IsNotExist(err) {
		t.Error("expected parts directory to be removed on close")
	}
}

func TestConcurrentChunkedUploads(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d.bin", i)
			id, err := a.InitiateUpload(ctx, name)
			if err != nil {
				errs <- err
				return
			}
			for part := 1; part <= 3; part++ {
				if err := a.UploadPart(ctx, id, part, bytes.Repeat([]byte{byte('a' + i)}, 1024)); err != nil {
					errs <- err
					return
				}
			}
			errs <- a.CompleteUpload(ctx, id)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("upload failed: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		info, err := a.Stat(ctx, fmt.Sprintf("file-%d.bin", i))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Size != 3*1024 {
			t.Errorf("file-%d size = %d", i, info.Size)
		}
	}
}
