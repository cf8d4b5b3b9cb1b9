// Package keepalive pings the daemon's own public URL so hosting platforms
// that idle quiet processes keep it running.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single ping.
const DefaultTimeout = 10 * time.Second

// Pinger sends GET <baseURL>/ping.
type Pinger struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New creates a pinger for baseURL. A nil client gets one with DefaultTimeout.
func New(baseURL string, client *http.Client, logger *zap.Logger) *Pinger {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pinger{
		url:    strings.TrimRight(baseURL, "/") + "/ping",
		client: client,
		logger: logger,
	}
}

// Ping performs one request and returns its error.
func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Run is the scheduled entry point; failures are only logged.
func (p *Pinger) Run(ctx context.Context) {
	if err := p.Ping(ctx); err != nil {
		p.logger.Warn("self-ping failed", zap.String("url", p.url), zap.Error(err))
		return
	}
	p.logger.Debug("self-ping ok", zap.String("url", p.url))
}
