// Package backup mirrors registry snapshots to a remote blob store and reads
// them back on boot.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/internal/vault"
)

// ErrNotFound is returned by a BlobStore when the key holds no object.
// It matches engine.ErrRemoteNotFound so Restore can tell a cold remote apart
// from a broken one.
var ErrNotFound = engine.ErrRemoteNotFound

// BlobStore is the durable sink backups are written to.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Name() string
}

// ObjectKey returns the remote key of the snapshot of a server label.
func ObjectKey(label string) string {
	return strings.Trim(label, "/") + "/" + engine.DefaultSnapshotFile
}

// Sealed encrypts everything written to the wrapped store with AES-GCM.
// Plain JSON documents found on Get are returned as-is so stores written
// before encryption was enabled stay readable.
type Sealed struct {
	BlobStore
	Key []byte
}

// Put encrypts data and stores it under key.
func (s Sealed) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := vault.Encrypt(data, s.Key)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.BlobStore.Put(ctx, key, []byte(sealed))
}

// Get reads and decrypts the object stored under key.
func (s Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.BlobStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if isPlainJSON(data) {
		return data, nil
	}
	plain, err := vault.Decrypt(string(bytes.TrimSpace(data)), s.Key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

// Name identifies the store in logs.
func (s Sealed) Name() string {
	return s.BlobStore.Name() + "+sealed"
}

func isPlainJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// DirStore is a BlobStore on a (typically mounted) directory.
type DirStore struct {
	Root string
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &DirStore{Root: root}, nil
}

func (d *DirStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(d.Root, clean), nil
}

// Put writes data atomically under key.
func (d *DirStore) Put(_ context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Get reads the object stored under key.
func (d *DirStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Name identifies the store in logs.
func (d *DirStore) Name() string {
	return "dir:" + d.Root
}
