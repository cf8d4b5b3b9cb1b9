// Package sdk provides the client-side library for the Celerix naming daemon:
// an HTTP client for every endpoint and a Heartbeater that keeps an acquired
// identity alive.
package sdk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// Client is a remote client for the naming daemon.
// It implements the NamingClient interface.
type Client struct {
	baseURL  string
	secret   string
	http     *http.Client
	logger   *zap.Logger
	attempts int
}

var _ NamingClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAdminSecret sets the shared secret sent on admin calls.
func WithAdminSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAttempts sets how many times a request is tried before giving up.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithInsecureTLS accepts the daemon's self-signed certificate.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.http = &http.Client{
			Timeout: c.http.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // self-signed internal certs
			},
		}
	}
}

// Connect creates a client for the daemon at baseURL, e.g. http://127.0.0.1:3000.
func Connect(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", baseURL)
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   zap.NewNop(),
		attempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the daemon address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// send performs one API call, retrying transport failures and 5xx answers
// with a linear backoff. 4xx answers are returned immediately.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var err error
	for i := 0; i < c.attempts; i++ {
		var retry bool
		retry, err = c.roundTrip(ctx, method, path, payload, out)
		if err == nil || !retry {
			return err
		}

		c.logger.Warn("naming request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Error(err))

		if i == c.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration((i+1)*200) * time.Millisecond):
		}
	}
	return fmt.Errorf("failed after %d attempts. last error: %w", c.attempts, err)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any) (bool, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return false, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, err
	}
	if resp.StatusCode >= 300 {
		var e schema.ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode >= 500, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return false, nil
	}
	return false, json.Unmarshal(raw, out)
}

func (c *Client) Acquire(ctx context.Context, class, currentID string) (schema.AcquireResponse, error) {
	var out schema.AcquireResponse
	err := c.send(ctx, http.MethodPost, "/identity", schema.AcquireRequest{Class: class, CurrentID: currentID}, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, id string, req schema.HeartbeatRequest) (schema.HeartbeatResponse, error) {
	var out schema.HeartbeatResponse
	err := c.send(ctx, http.MethodPost, "/identity/"+url.PathEscape(id)+"/heartbeat", req, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, id, reason string) error {
	return c.send(ctx, http.MethodPost, "/identity/"+url.PathEscape(id)+"/release", schema.ReleaseRequest{Reason: reason}, nil)
}

func (c *Client) Get(ctx context.Context, id string) (schema.IdentityView, error) {
	var out schema.IdentityResponse
	err := c.send(ctx, http.MethodGet, "/identity/"+url.PathEscape(id), nil, &out)
	return out.IdentityView, err
}

func (c *Client) List(ctx context.Context) (schema.ListResponse, error) {
	var out schema.ListResponse
	err := c.send(ctx, http.MethodGet, "/identities", nil, &out)
	return out, err
}

func (c *Client) Audit(ctx context.Context) ([]schema.AuditEntry, error) {
	var out schema.AuditResponse
	err := c.send(ctx, http.MethodGet, "/audit", nil, &out)
	return out.Entries, err
}

func (c *Client) Health(ctx context.Context) (schema.HealthResponse, error) {
	var out schema.HealthResponse
	err := c.send(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (schema.StatusResponse, error) {
	var out schema.StatusResponse
	err := c.send(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id, reason string) (schema.DeleteResult, error) {
	var out schema.DeleteResult
	err := c.send(ctx, http.MethodDelete, "/identity/"+url.PathEscape(id), c.admin(nil, reason), &out)
	return out, err
}

func (c *Client) DeleteByClass(ctx context.Context, class, reason string) (schema.DeleteResult, error) {
	var out schema.DeleteResult
	err := c.send(ctx, http.MethodDelete, "/identity?class="+url.QueryEscape(class), c.admin(nil, reason), &out)
	return out, err
}

func (c *Client) DeleteBulk(ctx context.Context, ids []string, reason string) (schema.DeleteResult, error) {
	var out schema.DeleteResult
	err := c.send(ctx, http.MethodPost, "/identities/delete", c.admin(ids, reason), &out)
	return out, err
}

func (c *Client) DeleteStale(ctx context.Context, reason string) (schema.DeleteResult, error) {
	var out schema.DeleteResult
	err := c.send(ctx, http.MethodDelete, "/identities/stale", c.admin(nil, reason), &out)
	return out, err
}

func (c *Client) Backup(ctx context.Context) (schema.BackupResponse, error) {
	var out schema.BackupResponse
	err := c.send(ctx, http.MethodPost, "/backup", c.admin(nil, ""), &out)
	return out, err
}

func (c *Client) admin(ids []string, reason string) schema.AdminRequest {
	return schema.AdminRequest{Authorization: c.secret, IDs: ids, Reason: reason}
}

// IsNotFound reports whether err means the identity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
