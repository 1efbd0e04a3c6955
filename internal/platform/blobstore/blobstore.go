// Package blobstore stores the original binary content of ingested records.
// It defines the Store interface, an in-memory implementation for tests and
// development, and a filesystem implementation built on afero.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
)

// DefaultMaxSize is the maximum blob size when a store is built without one.
const DefaultMaxSize = 100 * 1024 * 1024

// Metadata describes a stored blob.
type Metadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	ItemID      string    `json:"item_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store defines the contract for blob storage backends.
type Store interface {
	Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error)
	Get(ctx context.Context, id string) (io.ReadCloser, *Metadata, error)
	Stat(ctx context.Context, id string) (*Metadata, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]*Metadata, int, error)
}

// readLimited reads content up to maxSize bytes, hashing it on the way.
func readLimited(content io.Reader, maxSize int64) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, maxSize+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "reading content")
	}
	if int64(len(data)) > maxSize {
		return nil, "", ErrFileTooLarge
	}
	h := sha256.Sum256(data)
	return data, hex.EncodeToString(h[:]), nil
}

func prepare(meta Metadata, data []byte, hash string) Metadata {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	meta.Size = int64(len(data))
	meta.Hash = hash
	meta.CreatedAt = time.Now().UTC()
	return meta
}

func page(all []*Metadata, limit, offset int) []*Metadata {
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit <= 0 {
		limit = 20
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// MemoryStore is a thread-safe, in-memory Store for testing/dev.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	maxSize int64
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore(maxSize int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{
		blobs:   make(map[string]*storedBlob),
		maxSize: maxSize,
	}
}

// Put validates inputs, reads the content, computes a SHA-256 hash, and
// stores the blob in memory.
func (s *MemoryStore) Put(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	data, hash, err := readLimited(content, s.maxSize)
	if err != nil {
		return nil, err
	}
	meta = prepare(meta, data, hash)

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Get returns an io.ReadCloser over the blob content and its metadata.
func (s *MemoryStore) Get(_ context.Context, id string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Stat returns blob metadata without content.
func (s *MemoryStore) Stat(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

// Delete removes a blob by ID.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// List returns a page of blobs, newest first, and the total count.
func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]*Metadata, int, error) {
	s.mu.RLock()
	all := make([]*Metadata, 0, len(s.blobs))
	for _, b := range s.blobs {
		m := b.metadata
		all = append(all, &m)
	}
	s.mu.RUnlock()

	return page(all, limit, offset), len(all), nil
}
