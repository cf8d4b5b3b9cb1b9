package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// Common errors for heartbeat operations.
var (
	ErrNotStarted     = errors.New("heartbeater not started")
	ErrAlreadyStarted = errors.New("heartbeater already started")
	ErrNoIdentity     = errors.New("identity not set")
)

// Heartbeater keeps an acquired identity live by sending periodic heartbeats.
//
// The interval should stay well below the server's liveness timeout; a third
// of it tolerates two lost heartbeats. Stop announces the shutdown with an
// offline heartbeat so the identity is released immediately instead of
// waiting for the sweep.
type Heartbeater struct {
	client   Signaler
	id       string
	interval time.Duration
	logger   *zap.Logger
	sessions atomic.Int64

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker

	errMu   sync.Mutex
	lastErr error
}

// NewHeartbeater creates a heartbeater for id.
func NewHeartbeater(client Signaler, id string, interval time.Duration, logger *zap.Logger) *Heartbeater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeater{
		client:   client,
		id:       id,
		interval: interval,
		logger:   logger,
	}
}

// SetActiveSessions sets the session count reported with the next heartbeat.
func (h *Heartbeater) SetActiveSessions(n int) {
	h.sessions.Store(int64(n))
}

// Start sends the first heartbeat immediately, then one per interval until
// Stop is called.
func (h *Heartbeater) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}
	if h.id == "" {
		return ErrNoIdentity
	}
	if h.interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", h.interval)
	}

	if err := h.send(ctx); err != nil {
		return fmt.Errorf("failed to send initial heartbeat: %w", err)
	}

	h.started = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.ticker = time.NewTicker(h.interval)
	go h.loop(h.stopCh, h.doneCh, h.ticker)
	return nil
}

// Stop ends the loop and releases the identity on the server.
func (h *Heartbeater) Stop() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return ErrNotStarted
	}
	h.ticker.Stop()
	close(h.stopCh)
	h.started = false
	done := h.doneCh
	h.mu.Unlock()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.client.Heartbeat(ctx, h.id, schema.HeartbeatRequest{Status: schema.HeartbeatOffline}); err != nil {
		return fmt.Errorf("stopped but failed to release %s: %w", h.id, err)
	}
	return nil
}

func (h *Heartbeater) loop(stopCh, doneCh chan struct{}, ticker *time.Ticker) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			err := h.send(ctx)
			cancel()
			if err != nil {
				h.logger.Warn("heartbeat failed", zap.String("id", h.id), zap.Error(err))
				if IsNotFound(err) {
					h.logger.Error("identity no longer exists on the server", zap.String("id", h.id))
				}
			}
		}
	}
}

func (h *Heartbeater) send(ctx context.Context) error {
	_, err := h.client.Heartbeat(ctx, h.id, schema.HeartbeatRequest{
		ActiveSessions: int(h.sessions.Load()),
	})
	h.errMu.Lock()
	h.lastErr = err
	h.errMu.Unlock()
	return err
}

// LastError returns the error of the most recent heartbeat, nil after a success.
func (h *Heartbeater) LastError() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.lastErr
}

// IsStarted returns whether the heartbeat loop is running.
func (h *Heartbeater) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// ID returns the identity kept alive.
func (h *Heartbeater) ID() string {
	return h.id
}
