package blobstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

// ---------------------------------------------------------------------------
// FileStore tests
// ---------------------------------------------------------------------------

func TestFileStore_StoreGeneratedName(t *testing.T) {
	store := newTestFileStore(t)

	path, err := store.Store(context.Background(), []byte("DICM-bytes"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(path) != store.Root() {
		t.Errorf("expected blob under %s, got %s", store.Root(), path)
	}
	if !strings.HasSuffix(path, DefaultExtension) {
		t.Errorf("expected %s extension, got %s", DefaultExtension, path)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, []byte("DICM-bytes")) {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestFileStore_StoreSuggestedName(t *testing.T) {
	store := newTestFileStore(t)

	path, err := store.Store(context.Background(), []byte("x"), "1.2.3.4.dcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "1.2.3.4.dcm" {
		t.Errorf("expected suggested name, got %s", filepath.Base(path))
	}
}

func TestFileStore_TakenNameGetsSuffix(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	first, err := store.Store(ctx, []byte("first"), "1.2.3.dcm")
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	second, err := store.Store(ctx, []byte("second"), "1.2.3.dcm")
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if first == second {
		t.Fatal("expected a distinct path for a taken name")
	}
	if !strings.HasPrefix(filepath.Base(second), "1.2.3_") || filepath.Ext(second) != ".dcm" {
		t.Errorf("unexpected variant name %s", second)
	}

	got, _ := os.ReadFile(first)
	if string(got) != "first" {
		t.Errorf("original blob was overwritten: %q", got)
	}
}

func TestFileStore_RejectsEmptyData(t *testing.T) {
	store := newTestFileStore(t)
	_, err := store.Store(context.Background(), nil, "")
	if !errors.Is(err, ErrEmptyBlob) {
		t.Fatalf("expected ErrEmptyBlob, got %v", err)
	}
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	store := newTestFileStore(t)
	for _, name := range []string{"../escape.dcm", "a/b.dcm", "..", `a\b.dcm`} {
		if _, err := store.Store(context.Background(), []byte("x"), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Store(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestFileStore_Delete(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	path, err := store.Store(ctx, []byte("x"), "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Delete(ctx, path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file to be gone, stat err = %v", err)
	}

	if err := store.Delete(ctx, path); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("second delete: expected ErrBlobNotFound, got %v", err)
	}
}

func TestFileStore_DeleteOutsideRoot(t *testing.T) {
	store := newTestFileStore(t)
	outside := filepath.Join(t.TempDir(), "other.dcm")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(context.Background(), outside); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside root must survive: %v", err)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	store := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Store(ctx, []byte("x"), ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// InMemoryBlobStore tests
// ---------------------------------------------------------------------------

func TestInMemoryBlobStore_StoreAndDelete(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	path, err := store.Store(ctx, []byte("abc"), "1.2.dcm")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	data, ok := store.Get(path)
	if !ok || string(data) != "abc" {
		t.Fatalf("Get(%s) = %q, %v", path, data, ok)
	}

	if err := store.Delete(ctx, path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d blobs", store.Len())
	}
	if err := store.Delete(ctx, path); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryBlobStore_ConcurrentStores(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Store(context.Background(), []byte("x"), "same.dcm"); err != nil {
				t.Errorf("store: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.Len() != 50 {
		t.Errorf("expected 50 distinct blobs, got %d", store.Len())
	}
}
