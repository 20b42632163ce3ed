package vectorindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/qaflow-labs/qaflow-go/internal/platform/objectstore"
)

// ErrNoSnapshot is returned by SnapshotStore.Read when nothing was saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

type SnapshotStore interface {
	Write(ctx context.Context, blob []byte) error
	Read(ctx context.Context) ([]byte, error)
}

// FileStore keeps the snapshot in a local file, replaced atomically.
type FileStore struct {
	Path string
}

func (s FileStore) Write(_ context.Context, blob []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

func (s FileStore) Read(_ context.Context) ([]byte, error) {
	blob, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	return blob, err
}

// ObjectStore keeps the snapshot under a single key in a bucket.
type ObjectStore struct {
	Store objectstore.Store
	Key   string
}

const snapshotContentType = "application/vnd.qaflow.vector-snapshot"

func (s ObjectStore) Write(ctx context.Context, blob []byte) error {
	return s.Store.Put(ctx, s.Key, bytes.NewReader(blob), int64(len(blob)), snapshotContentType)
}

func (s ObjectStore) Read(ctx context.Context) ([]byte, error) {
	rc, _, err := s.Store.Get(ctx, s.Key)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	blob, err := io.ReadAll(io.LimitReader(rc, maxSnapshotSize+headerSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Key, err)
	}
	return blob, nil
}

// NewStore builds the snapshot store selected by cfg. objects is only
// consulted for the minio backend.
func NewStore(cfg Config, objects objectstore.Store) (SnapshotStore, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return FileStore{Path: cfg.Path}, nil
	case BackendMinio:
		if objects == nil {
			return nil, errors.New("minio snapshot backend requires an object store")
		}
		return ObjectStore{Store: objects, Key: filepath.Base(cfg.Path)}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}
