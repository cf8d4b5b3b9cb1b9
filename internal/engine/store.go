// Package engine implements the identity registry, its liveness monitor and the
// local snapshot persistence of the naming daemon.
package engine

import (
	"errors"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

var (
	// ErrValidation is returned when a required class or id is missing.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for operations on an identity the registry does not hold.
	ErrNotFound = errors.New("identity not found")
	// ErrPersistence marks a failed local snapshot write.
	ErrPersistence = errors.New("snapshot write failed")
	// ErrUnsupportedVersion is returned when a snapshot was written by a newer release.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// IdentityStore is the contract the HTTP layer depends on.
type IdentityStore interface {
	Acquire(class, currentID string) (string, schema.Mode, error)
	Heartbeat(id, status string, activeSessions int) (HeartbeatResult, error)
	Release(id, reason string) error

	Delete(id, reason string) error
	DeleteByClass(class, reason string) (DeleteOutcome, error)
	DeleteBulk(ids []string, reason string) (DeleteOutcome, error)
	DeleteStale(reason string) DeleteOutcome

	Get(id string) (schema.IdentityView, error)
	List() []schema.IdentityView
	Audit() []schema.AuditEntry
	Stats() Stats
	Health() Health
}

// DeleteOutcome partitions the ids of a bulk delete.
type DeleteOutcome struct {
	Succeeded []string
	Failed    []FailedDelete
}

// FailedDelete is one id a bulk delete could not remove.
type FailedDelete struct {
	ID  string
	Err error
}
