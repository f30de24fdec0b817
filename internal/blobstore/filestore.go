package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/logging"
)

// FileStore is a filesystem-backed Store, sharded by the first six hex
// characters of the key into six nested directories (§4.1).
type FileStore struct {
	root    string
	compress bool
	verify   bool
	log      zerolog.Logger
}

// NewFileStore creates a FileStore rooted at dir. compress controls whether
// Save zstd-compresses payloads; verify controls whether Get re-hashes the
// decompressed bytes against the requested key.
func NewFileStore(dir string, compress, verify bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{root: dir, compress: compress, verify: verify, log: logging.WithComponent("blobstore")}, nil
}

// shardPath splits key into six nested single-character directories keyed
// by its first six hex characters, then the full key as the filename.
func (f *FileStore) shardPath(key string) string {
	if len(key) < 6 {
		return filepath.Join(f.root, key)
	}
	parts := make([]string, 0, 7)
	parts = append(parts, f.root)
	for i := 0; i < 6; i++ {
		parts = append(parts, string(key[i]))
	}
	parts = append(parts, key)
	return filepath.Join(parts...)
}

func (f *FileStore) Save(ctx context.Context, key string, data []byte) error {
	if len(data) == 0 {
		f.log.Warn().Str("key", key).Msg("blobstore: zero-length save, ignoring")
		return nil
	}
	path := f.shardPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil // idempotent: already saved
	}
	payload := compress(data, f.compress)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := f.shardPath(key)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	if f.verify && Sha256Hex(data) != key {
		return nil, ErrVerifyMismatch
	}
	return data, nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.shardPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) DeleteMany(ctx context.Context, keys []string) error {
	var firstErr error
	for _, k := range keys {
		if err := f.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
