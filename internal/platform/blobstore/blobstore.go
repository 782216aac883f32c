// Package blobstore keeps the original bytes of every ingested DICOM object.
// It defines the BlobStore interface, a filesystem implementation rooted at a
// configured directory, and an in-memory implementation for tests.
//
// A blob store is never transactional. Callers write before their database
// transaction and delete on rollback or after a commit supersedes a blob.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrEmptyBlob    = errors.New("blob is empty")
	ErrInvalidName  = errors.New("invalid blob name")
	ErrOutsideRoot  = errors.New("path is outside the storage root")
)

// DefaultExtension is appended to generated names.
const DefaultExtension = ".dcm"

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore persists byte streams under generated or suggested names.
type BlobStore interface {
	// Store writes data and returns the path it was stored under. An empty
	// suggestedName selects a generated unique token. A suggested name that
	// is already taken gets a unique suffix; existing blobs are never
	// overwritten.
	Store(ctx context.Context, data []byte, suggestedName string) (string, error)
	// Delete removes a previously stored blob.
	Delete(ctx context.Context, path string) error
}

// generatedName returns a unique token name.
func generatedName() string {
	return uuid.NewString() + DefaultExtension
}

// sanitizeName validates a suggested name. Names must be a single path
// element.
func sanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return generatedName(), nil
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// uniqueVariant derives an alternative for a taken name, keeping the
// extension.
func uniqueVariant(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return base + "_" + uuid.NewString()[:8] + ext
}

// ---------------------------------------------------------------------------
// Filesystem implementation
// ---------------------------------------------------------------------------

// FileStore stores blobs as flat files under a root directory.
type FileStore struct {
	root   string
	logger zerolog.Logger
}

// NewFileStore creates root if needed and returns a FileStore.
func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", abs, err)
	}
	return &FileStore{root: abs, logger: logger.With().Str("component", "blobstore").Logger()}, nil
}

// Root returns the absolute storage root.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Store(ctx context.Context, data []byte, suggestedName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyBlob
	}
	name, err := sanitizeName(suggestedName)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.root, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		path = filepath.Join(s.root, uniqueVariant(name))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create blob %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close blob %s: %w", path, err)
	}

	s.logger.Debug().
		Str("path", path).
		Str("size", humanize.Bytes(uint64(len(data)))).
		Msg("blob stored")
	return path, nil
}

func (s *FileStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != s.root {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.Remove(clean); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, path)
		}
		return fmt.Errorf("delete blob %s: %w", path, err)
	}
	s.logger.Debug().Str("path", clean).Msg("blob deleted")
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for tests.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryBlobStore) Store(_ context.Context, data []byte, suggestedName string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyBlob
	}
	name, err := sanitizeName(suggestedName)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.blobs[name]; taken {
		name = uniqueVariant(name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[name] = buf
	return name, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}
	delete(s.blobs, path)
	return nil
}

// Get returns a copy of a stored blob.
func (s *InMemoryBlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Len returns the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
