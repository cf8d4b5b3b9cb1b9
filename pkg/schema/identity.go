// Package schema defines the data structures shared by the naming daemon and its clients.
package schema

import "time"

// SnapshotVersion is the current version of the persisted snapshot document.
const SnapshotVersion = 1

// IDSeparator joins a class and its global sequence number inside an identity.
const IDSeparator = "_"

// Mode describes how an identity was handed out by an acquire call.
type Mode string

const (
	ModeNew         Mode = "new"
	ModeReconnected Mode = "reconnected"
	ModeReactivated Mode = "reactivated"
)

// Status is the derived liveness of an identity as reported to clients.
type Status string

const (
	StatusLive     Status = "live"
	StatusStale    Status = "stale"
	StatusNotFound Status = "not_found"
)

// IdentityRecord is one identity ever handed out to a worker.
type IdentityRecord struct {
	ID              string     `json:"id"`
	Class           string     `json:"class"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt"`
	ActiveSessions  int        `json:"activeSessions,omitempty"`
}

// LastSignal returns the most recent moment the identity proved it was alive.
// Records that never sent a heartbeat count from their creation time.
func (r IdentityRecord) LastSignal() time.Time {
	if r.LastHeartbeatAt != nil {
		return *r.LastHeartbeatAt
	}
	return r.CreatedAt
}

// Clone returns a deep copy of the record.
func (r IdentityRecord) Clone() IdentityRecord {
	if r.LastHeartbeatAt != nil {
		t := *r.LastHeartbeatAt
		r.LastHeartbeatAt = &t
	}
	return r
}

// AuditEntry records the permanent deletion of an identity.
type AuditEntry struct {
	ID        string         `json:"id"`
	Class     string         `json:"class"`
	Reason    string         `json:"reason"`
	DeletedAt time.Time      `json:"deletedAt"`
	Record    IdentityRecord `json:"record"`
}

// ClassCounter is the display-only allocation counter of a single class.
type ClassCounter struct {
	Class string `json:"class"`
	Count uint64 `json:"count"`
}

// Snapshot is the full persisted registry state.
type Snapshot struct {
	Version          int              `json:"version"`
	Sequence         uint64           `json:"sequence"`
	ServerLabel      string           `json:"serverLabel,omitempty"`
	Registry         []IdentityRecord `json:"registry"`
	ActiveSet        []string         `json:"activeSet"`
	AuditLog         []AuditEntry     `json:"auditLog"`
	GlobalCounter    uint64           `json:"globalCounter"`
	PerClassCounters []ClassCounter   `json:"perClassCounters"`
	SavedAt          time.Time        `json:"savedAt"`
}

// ClassStats summarizes the identities of one class.
type ClassStats struct {
	Total     int    `json:"total"`
	Live      int    `json:"live"`
	Allocated uint64 `json:"allocated"`
}
