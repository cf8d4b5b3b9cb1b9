package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single upload or download.
const DefaultTimeout = 15 * time.Second

// Source provides the bytes of the latest local snapshot.
type Source interface {
	ReadLatest() ([]byte, error)
}

// Metrics receives backup outcomes.
type Metrics interface {
	BackupCompleted(d time.Duration, err error)
}

// Backuper mirrors the local snapshot to a BlobStore under a stable key.
//
// Uploads are serialized. Failures are logged and remembered; the next
// scheduled run retries.
type Backuper struct {
	store   BlobStore
	source  Source
	key     string
	timeout time.Duration
	logger  *zap.Logger
	metrics Metrics
	kick    chan struct{}

	uploadMu sync.Mutex

	mu          sync.Mutex
	lastSuccess time.Time
	lastErr     error
}

// Option configures a Backuper.
type Option func(*Backuper)

// WithEncryptionKey seals uploads with AES-GCM. A nil key leaves them in plain JSON.
func WithEncryptionKey(key []byte) Option {
	return func(b *Backuper) {
		if key != nil {
			b.store = Sealed{BlobStore: b.store, Key: key}
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Backuper) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backuper) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Backuper) { b.metrics = m }
}

// New creates a Backuper writing the snapshot of label into store.
func New(store BlobStore, source Source, label string, opts ...Option) *Backuper {
	b := &Backuper{
		store:   store,
		source:  source,
		key:     ObjectKey(label),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Key returns the remote object key.
func (b *Backuper) Key() string {
	return b.key
}

// Trigger asks for a backup as soon as possible. It never blocks; pending
// requests coalesce into one.
func (b *Backuper) Trigger() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Kicks delivers one value per coalesced Trigger.
func (b *Backuper) Kicks() <-chan struct{} {
	return b.kick
}

// Run is the scheduled entry point: it backs up and only logs failures.
func (b *Backuper) Run(ctx context.Context) {
	_ = b.Backup(ctx)
}

// Backup uploads the latest local snapshot.
func (b *Backuper) Backup(ctx context.Context) error {
	b.uploadMu.Lock()
	defer b.uploadMu.Unlock()

	start := time.Now()
	err := b.upload(ctx)
	if b.metrics != nil {
		b.metrics.BackupCompleted(time.Since(start), err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lastErr = err
		b.logger.Warn("remote backup failed",
			zap.String("store", b.store.Name()),
			zap.String("key", b.key),
			zap.Error(err))
		return err
	}
	b.lastErr = nil
	b.lastSuccess = time.Now()
	b.logger.Info("remote backup written",
		zap.String("store", b.store.Name()),
		zap.String("key", b.key),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (b *Backuper) upload(ctx context.Context) error {
	data, err := b.source.ReadLatest()
	if err != nil {
		return fmt.Errorf("read local snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.store.Put(ctx, b.key, data)
}

// Fetch downloads the remote snapshot. It implements engine.RemoteSource.
func (b *Backuper) Fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	data, err := b.store.Get(ctx, b.key)
	if err != nil {
		return nil, err
	}
	if !isPlainJSON(data) {
		return nil, fmt.Errorf("remote backup %s is encrypted but no encryption key is configured", b.key)
	}
	return data, nil
}

// LastResult reports when the last successful backup happened and the error
// of the most recent attempt.
func (b *Backuper) LastResult() (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSuccess, b.lastErr
}
