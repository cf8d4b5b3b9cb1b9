package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// DefaultSnapshotFile is the file name of the local snapshot inside the data directory.
const DefaultSnapshotFile = "naming-server-database.json"

// Persistence handles the disk I/O for the Registry.
type Persistence struct {
	DataDir  string
	FileName string

	mu      sync.Mutex // Protects concurrent writes to the filesystem
	lastSeq uint64
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir, fileName string) (*Persistence, error) {
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if fileName == "" {
		fileName = DefaultSnapshotFile
	}
	return &Persistence{DataDir: dir, FileName: fileName}, nil
}

// Path returns the location of the snapshot file.
func (p *Persistence) Path() string {
	return filepath.Join(p.DataDir, p.FileName)
}

// Save writes the snapshot atomically. A snapshot older than the last one
// written is dropped.
func (p *Persistence) Save(snap *schema.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Sequence != 0 && snap.Sequence < p.lastSeq {
		return nil
	}
	// Advance on attempt so an older snapshot never lands after a newer
	// write failed.
	p.lastSeq = snap.Sequence

	bytes, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	filePath := p.Path()
	tempPath := filePath + ".tmp"

	// Write to a temporary file first, then swap it in with a rename so readers
	// only ever see the old or the new snapshot.
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// ReadLatest returns the raw bytes of the last written snapshot.
func (p *Persistence) ReadLatest() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return os.ReadFile(p.Path())
}

// Load reads and decodes the local snapshot. It returns os.ErrNotExist (wrapped)
// when no snapshot has been written yet.
func (p *Persistence) Load() (*schema.Snapshot, error) {
	content, err := p.ReadLatest()
	if err != nil {
		return nil, err
	}
	snap, err := DecodeSnapshot(content)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Path(), err)
	}
	p.mu.Lock()
	if snap.Sequence > p.lastSeq {
		p.lastSeq = snap.Sequence
	}
	p.mu.Unlock()
	return snap, nil
}

// EncodeSnapshot serializes a snapshot as indented JSON.
func EncodeSnapshot(snap *schema.Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// DecodeSnapshot parses a snapshot document and rejects versions newer than
// this release understands. Documents without a version are treated as version 1.
func DecodeSnapshot(data []byte) (*schema.Snapshot, error) {
	var snap schema.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Version > schema.SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	if snap.Version == 0 {
		snap.Version = schema.SnapshotVersion
	}
	return &snap, nil
}

// IsNotExist reports whether err means no snapshot exists.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
