package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ObjectStore keeps backups in a NATS JetStream object store bucket.
type ObjectStore struct {
	nc     *nats.Conn
	bucket string
	obs    jetstream.ObjectStore
	owned  bool
}

// DialObjectStore connects to url and opens (or creates) bucket.
// The connection is closed by Close.
func DialObjectStore(ctx context.Context, url, bucket string) (*ObjectStore, error) {
	nc, err := nats.Connect(url,
		nats.Name("celerix-naming"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s, err := NewObjectStore(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewObjectStore opens (or creates) bucket on an existing connection.
func NewObjectStore(ctx context.Context, nc *nats.Conn, bucket string) (*ObjectStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "celerix naming registry snapshots",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("object store %s: %w", bucket, err)
	}
	return &ObjectStore{nc: nc, bucket: bucket, obs: obs}, nil
}

// Put overwrites the object stored under key.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.obs.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.obs.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, s.bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// Name identifies the store in logs.
func (s *ObjectStore) Name() string {
	return "nats:" + s.bucket
}

// Close drains the connection when the store dialed it itself.
func (s *ObjectStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.nc.Drain()
}

// LazyObjectStore opens the object store on first use instead of at boot. A
// failed dial is returned to the caller and attempted again on the next call,
// so a NATS server that comes up late is picked up by the next backup.
type LazyObjectStore struct {
	url    string
	bucket string

	mu    sync.Mutex
	store *ObjectStore
}

// NewLazyObjectStore returns a store for bucket on the server at url. It does
// no I/O.
func NewLazyObjectStore(url, bucket string) *LazyObjectStore {
	return &LazyObjectStore{url: url, bucket: bucket}
}

func (l *LazyObjectStore) open(ctx context.Context) (*ObjectStore, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return l.store, nil
	}
	s, err := DialObjectStore(ctx, l.url, l.bucket)
	if err != nil {
		return nil, err
	}
	l.store = s
	return s, nil
}

// Put dials if needed and writes key.
func (l *LazyObjectStore) Put(ctx context.Context, key string, data []byte) error {
	s, err := l.open(ctx)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data)
}

// Get dials if needed and reads key.
func (l *LazyObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	s, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

// Name identifies the store in logs.
func (l *LazyObjectStore) Name() string {
	return "nats:" + l.bucket
}

// Connected reports whether a dial has succeeded.
func (l *LazyObjectStore) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store != nil
}

// Close releases the connection if one was opened.
func (l *LazyObjectStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}
