package backup

import (
	"context"
	"fmt"

	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// Endpoint is one side of a migration: a store and the key the snapshot lives under.
type Endpoint struct {
	Store BlobStore
	Key   string
}

// Migrate copies a snapshot from src to dst.
// This works for:
// - local file -> remote store (seeding a new remote)
// - remote store -> local file (offline recovery)
//
// The document is decoded before it is written so a corrupt or newer-version
// snapshot is never propagated.
func Migrate(ctx context.Context, src, dst Endpoint) (*schema.Snapshot, error) {
	data, err := src.Store.Get(ctx, src.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", src.Key, src.Store.Name(), err)
	}

	snap, err := engine.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot from %s: %w", src.Store.Name(), err)
	}

	if err := dst.Store.Put(ctx, dst.Key, data); err != nil {
		return nil, fmt.Errorf("failed to write %s to %s: %w", dst.Key, dst.Store.Name(), err)
	}
	return snap, nil
}
