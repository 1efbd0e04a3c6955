package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

const metaSuffix = ".meta.json"

// FSStore keeps each blob as a file next to a JSON metadata sidecar:
//
//	<root>/<id[:2]>/<id>
//	<root>/<id[:2]>/<id>.meta.json
type FSStore struct {
	fs      afero.Fs
	root    string
	maxSize int64
	mu      sync.Mutex
}

// NewFSStore creates a store rooted at dir on fs. Use afero.NewOsFs() in
// production and afero.NewMemMapFs() in tests.
func NewFSStore(fs afero.Fs, dir string, maxSize int64) (*FSStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create blob directory %s", dir)
	}
	return &FSStore{fs: fs, root: dir, maxSize: maxSize}, nil
}

func (s *FSStore) paths(id string) (string, string, error) {
	if len(id) < 2 || strings.ContainsAny(id, `/\.`) {
		return "", "", ErrBlobNotFound
	}
	dir := path.Join(s.root, id[:2])
	return path.Join(dir, id), path.Join(dir, id+metaSuffix), nil
}

func (s *FSStore) Put(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	data, hash, err := readLimited(content, s.maxSize)
	if err != nil {
		return nil, err
	}
	meta = prepare(meta, data, hash)

	blobPath, metaPath, err := s.paths(meta.ID)
	if err != nil {
		return nil, err
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "encode blob metadata")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(path.Dir(blobPath), 0o750); err != nil {
		return nil, errors.Wrap(err, "create blob shard")
	}
	if err := afero.WriteFile(s.fs, blobPath, data, 0o640); err != nil {
		return nil, errors.Wrap(err, "write blob")
	}
	if err := afero.WriteFile(s.fs, metaPath, sidecar, 0o640); err != nil {
		_ = s.fs.Remove(blobPath)
		return nil, errors.Wrap(err, "write blob metadata")
	}

	out := meta
	return &out, nil
}

func (s *FSStore) Get(ctx context.Context, id string) (io.ReadCloser, *Metadata, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	blobPath, _, _ := s.paths(id)
	data, err := afero.ReadFile(s.fs, blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, errors.Wrap(err, "read blob")
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *FSStore) Stat(_ context.Context, id string) (*Metadata, error) {
	_, metaPath, err := s.paths(id)
	if err != nil {
		return nil, err
	}
	raw, err := afero.ReadFile(s.fs, metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, errors.Wrap(err, "read blob metadata")
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "decode metadata for blob %s", id)
	}
	return &meta, nil
}

func (s *FSStore) Delete(_ context.Context, id string) error {
	blobPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, _ := afero.Exists(s.fs, metaPath); !ok {
		return ErrBlobNotFound
	}
	if err := s.fs.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove blob")
	}
	if err := s.fs.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove blob metadata")
	}
	return nil
}

func (s *FSStore) List(ctx context.Context, limit, offset int) ([]*Metadata, int, error) {
	var all []*Metadata
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		meta, err := s.Stat(ctx, strings.TrimSuffix(path.Base(p), metaSuffix))
		if err != nil {
			return err
		}
		all = append(all, meta)
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "walk blob directory")
	}
	return page(all, limit, offset), len(all), nil
}
