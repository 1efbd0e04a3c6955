package blobstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFSStore(afero.NewMemMapFs(), "/blobs", 64)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(64),
		"fs":     fsStore,
	}
}

func seedBlob(t *testing.T, store Store, fileName, contentType, content string) *Metadata {
	t.Helper()
	meta := Metadata{
		FileName:    fileName,
		ContentType: contentType,
		ItemID:      "item-1",
	}
	result, err := store.Put(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestStore_PutGet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := "binary-content-here"
			uploaded := seedBlob(t, store, "report.pdf", "application/pdf", content)

			if uploaded.ID == "" {
				t.Fatal("expected non-empty ID")
			}
			if uploaded.Size != int64(len(content)) {
				t.Errorf("expected Size=%d, got %d", len(content), uploaded.Size)
			}
			if uploaded.CreatedAt.IsZero() {
				t.Fatal("expected non-zero CreatedAt")
			}

			rc, meta, err := store.Get(context.Background(), uploaded.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer rc.Close()

			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("error reading content: %v", err)
			}
			if string(data) != content {
				t.Errorf("expected content=%q, got %q", content, string(data))
			}
			if meta.FileName != "report.pdf" {
				t.Errorf("expected FileName=report.pdf, got %s", meta.FileName)
			}
			if meta.ItemID != "item-1" {
				t.Errorf("expected ItemID=item-1, got %s", meta.ItemID)
			}
		})
	}
}

func TestStore_SHA256Hash(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := "compute-my-hash"
			uploaded := seedBlob(t, store, "hash.txt", "text/plain", content)

			h := sha256.Sum256([]byte(content))
			expected := fmt.Sprintf("%x", h)
			if uploaded.Hash != expected {
				t.Errorf("expected hash=%s, got %s", expected, uploaded.Hash)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := store.Get(context.Background(), "nonexistent-id"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Get: expected ErrBlobNotFound, got %v", err)
			}
			if _, err := store.Stat(context.Background(), "nonexistent-id"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Stat: expected ErrBlobNotFound, got %v", err)
			}
			if err := store.Delete(context.Background(), "nonexistent-id"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Delete: expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			uploaded := seedBlob(t, store, "del.txt", "text/plain", "to-delete")

			if err := store.Delete(context.Background(), uploaded.ID); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := store.Stat(context.Background(), uploaded.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
			}
		})
	}
}

func TestStore_Validation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(context.Background(), Metadata{FileName: "big.bin"}, strings.NewReader(strings.Repeat("x", 65)))
			if !errors.Is(err, ErrFileTooLarge) {
				t.Errorf("expected ErrFileTooLarge, got %v", err)
			}
			_, err = store.Put(context.Background(), Metadata{}, strings.NewReader("x"))
			if !errors.Is(err, ErrMissingFileName) {
				t.Errorf("expected ErrMissingFileName, got %v", err)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				seedBlob(t, store, fmt.Sprintf("f%d.txt", i), "text/plain", "c")
			}
			items, total, err := store.List(context.Background(), 2, 0)
			if err != nil {
				t.Fatalf("list error: %v", err)
			}
			if total != 3 {
				t.Errorf("expected total=3, got %d", total)
			}
			if len(items) != 2 {
				t.Errorf("expected 2 items, got %d", len(items))
			}
		})
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			const goroutines = 30

			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				go func(n int) {
					defer wg.Done()
					meta := Metadata{FileName: fmt.Sprintf("file-%d.txt", n), ContentType: "text/plain"}
					result, err := store.Put(context.Background(), meta, strings.NewReader(fmt.Sprintf("content-%d", n)))
					if err != nil {
						t.Errorf("put goroutine %d: %v", n, err)
						return
					}
					rc, _, err := store.Get(context.Background(), result.ID)
					if err != nil {
						t.Errorf("get goroutine %d: %v", n, err)
						return
					}
					rc.Close()
				}(i)
			}
			wg.Wait()

			_, total, err := store.List(context.Background(), 100, 0)
			if err != nil {
				t.Fatalf("list error: %v", err)
			}
			if total != goroutines {
				t.Errorf("expected total=%d, got %d", goroutines, total)
			}
		})
	}
}

func TestFSStore_RejectsPathTraversal(t *testing.T) {
	s, err := NewFSStore(afero.NewMemMapFs(), "/blobs", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stat(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}
