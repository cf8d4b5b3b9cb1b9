package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

var (
	// ErrInvalidRequest is returned when the server rejects a request as malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned when the identity does not exist.
	ErrNotFound = errors.New("identity not found")
	// ErrUnauthorized is returned when an admin call carries a wrong secret.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx answer from the naming daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("naming server: %d %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the package sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

// --- Functional Interfaces (Interface Segregation) ---

// Acquirer obtains identities.
type Acquirer interface {
	Acquire(ctx context.Context, class, currentID string) (schema.AcquireResponse, error)
}

// Signaler reports liveness for an identity.
type Signaler interface {
	Heartbeat(ctx context.Context, id string, req schema.HeartbeatRequest) (schema.HeartbeatResponse, error)
	Release(ctx context.Context, id, reason string) error
}

// Inspector reads registry state.
type Inspector interface {
	Get(ctx context.Context, id string) (schema.IdentityView, error)
	List(ctx context.Context) (schema.ListResponse, error)
	Audit(ctx context.Context) ([]schema.AuditEntry, error)
	Health(ctx context.Context) (schema.HealthResponse, error)
	Status(ctx context.Context) (schema.StatusResponse, error)
}

// Administrator performs the secret-protected operations.
type Administrator interface {
	Delete(ctx context.Context, id, reason string) (schema.DeleteResult, error)
	DeleteByClass(ctx context.Context, class, reason string) (schema.DeleteResult, error)
	DeleteBulk(ctx context.Context, ids []string, reason string) (schema.DeleteResult, error)
	DeleteStale(ctx context.Context, reason string) (schema.DeleteResult, error)
	Backup(ctx context.Context) (schema.BackupResponse, error)
}

// --- Composite Interfaces ---

// NamingClient is the full client surface of the naming daemon.
type NamingClient interface {
	Acquirer
	Signaler
	Inspector
	Administrator
}
