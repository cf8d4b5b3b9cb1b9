package schema

import "time"

// HeartbeatOffline is the heartbeat status a worker sends when it is going away.
const HeartbeatOffline = "offline"

// AcquireRequest is the body of POST /identity.
type AcquireRequest struct {
	Class     string `json:"class"`
	CurrentID string `json:"currentId,omitempty"`
}

// AcquireResponse is returned by POST /identity.
type AcquireResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Mode    Mode   `json:"mode"`
}

// HeartbeatRequest is the body of POST /identity/:id/heartbeat.
type HeartbeatRequest struct {
	Status         string `json:"status,omitempty"`
	ActiveSessions int    `json:"activeSessions,omitempty"`
}

// HeartbeatResponse is returned by POST /identity/:id/heartbeat.
// TimeSinceLast is "first" for the first heartbeat of an identity.
type HeartbeatResponse struct {
	Success         bool   `json:"success"`
	TimeSinceLast   string `json:"timeSinceLast"`
	TimeSinceLastMs int64  `json:"timeSinceLastMs"`
	Released        bool   `json:"released,omitempty"`
}

// ReleaseRequest is the optional body of POST /identity/:id/release.
type ReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AdminRequest carries the shared secret of destructive operations.
type AdminRequest struct {
	Authorization string   `json:"authorization,omitempty"`
	IDs           []string `json:"ids,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// DeleteFailure explains why one id of a bulk delete was not removed.
type DeleteFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// DeleteResult partitions the ids of a delete call.
type DeleteResult struct {
	Success      bool            `json:"success"`
	DeletedCount int             `json:"deletedCount"`
	Succeeded    []string        `json:"succeeded"`
	Failed       []DeleteFailure `json:"failed"`
}

// IdentityView is an identity record together with its derived status.
type IdentityView struct {
	IdentityRecord
	Status Status `json:"status"`
}

// IdentityResponse is returned by GET /identity/:id. A 404 carries the id,
// status "not_found" and Error.
type IdentityResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	IdentityView
}

// ListResponse is returned by GET /identities.
type ListResponse struct {
	Success    bool           `json:"success"`
	Total      int            `json:"total"`
	Live       int            `json:"live"`
	Stale      int            `json:"stale"`
	Identities []IdentityView `json:"identities"`
}

// AuditResponse is returned by GET /audit.
type AuditResponse struct {
	Success bool         `json:"success"`
	Entries []AuditEntry `json:"entries"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	TotalIdentities  int    `json:"totalIdentities"`
	ActiveIdentities int    `json:"activeIdentities"`
	Uptime           int64  `json:"uptime"`
	Degraded         bool   `json:"degraded"`
	LastPersistError string `json:"lastPersistError,omitempty"`
}

// PingResponse is returned by GET /ping, the keep-alive target.
type PingResponse struct {
	Success          bool      `json:"success"`
	Status           string    `json:"status"`
	Server           string    `json:"server"`
	TotalIdentities  int       `json:"totalIdentities"`
	ActiveIdentities int       `json:"activeIdentities"`
	Time             time.Time `json:"time"`
}

// BackupResponse is returned by POST /backup.
type BackupResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Success           bool                  `json:"success"`
	Server            string                `json:"server"`
	TotalIdentities   int                   `json:"totalIdentities"`
	ActiveIdentities  int                   `json:"activeIdentities"`
	DeletedIdentities int                   `json:"deletedIdentities"`
	GlobalCounter     uint64                `json:"globalCounter"`
	Classes           map[string]ClassStats `json:"classes"`
	LivenessMode      string                `json:"livenessMode"`
	Timeout           string                `json:"timeout"`
	Grace             string                `json:"grace"`
	BackupEnabled     bool                  `json:"backupEnabled"`
	LastBackupAt      *time.Time            `json:"lastBackupAt,omitempty"`
	LastBackupError   string                `json:"lastBackupError,omitempty"`
	Time              time.Time             `json:"time"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
