// Package api exposes the identity registry over HTTP using gin.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// ErrUnauthorized is returned when an admin operation carries a wrong or missing secret.
var ErrUnauthorized = errors.New("unauthorized")

// BackupRunner performs an on-demand remote backup and reports the last one.
type BackupRunner interface {
	Backup(ctx context.Context) error
	Key() string
	LastResult() (time.Time, error)
}

type Handler struct {
	Store       engine.IdentityStore
	Policy      engine.Policy
	Backup      BackupRunner // nil when remote backup is disabled
	AdminSecret string
	Label       string
	Logger      *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) Health(c *gin.Context) {
	hl := h.Store.Health()
	status := "ok"
	if hl.Degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, schema.HealthResponse{
		Success:          true,
		Status:           status,
		TotalIdentities:  hl.Total,
		ActiveIdentities: hl.Live,
		Uptime:           int64(hl.Uptime.Seconds()),
		Degraded:         hl.Degraded,
		LastPersistError: hl.LastPersistError,
	})
}

func (h *Handler) Ping(c *gin.Context) {
	hl := h.Store.Health()
	c.JSON(http.StatusOK, schema.PingResponse{
		Success:          true,
		Status:           "pong",
		Server:           h.Label,
		TotalIdentities:  hl.Total,
		ActiveIdentities: hl.Live,
		Time:             time.Now().UTC(),
	})
}

func (h *Handler) Status(c *gin.Context) {
	st := h.Store.Stats()
	resp := schema.StatusResponse{
		Success:           true,
		Server:            h.Label,
		TotalIdentities:   st.Total,
		ActiveIdentities:  st.Live,
		DeletedIdentities: st.Deleted,
		GlobalCounter:     st.GlobalCounter,
		Classes:           st.Classes,
		LivenessMode:      string(h.Policy.Mode),
		Timeout:           h.Policy.Timeout.String(),
		Grace:             h.Policy.Grace.String(),
		BackupEnabled:     h.Backup != nil,
		Time:              time.Now().UTC(),
	}
	if h.Backup != nil {
		last, err := h.Backup.LastResult()
		if !last.IsZero() {
			last = last.UTC()
			resp.LastBackupAt = &last
		}
		if err != nil {
			resp.LastBackupError = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Acquire(c *gin.Context) {
	var req schema.AcquireRequest
	if !bind(c, &req, true) {
		return
	}
	id, mode, err := h.Store.Acquire(req.Class, req.CurrentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.AcquireResponse{Success: true, ID: id, Mode: mode})
}

func (h *Handler) GetIdentity(c *gin.Context) {
	view, err := h.Store.Get(c.Param("id"))
	if errors.Is(err, engine.ErrNotFound) {
		c.JSON(http.StatusNotFound, schema.IdentityResponse{
			Error: err.Error(),
			IdentityView: schema.IdentityView{
				IdentityRecord: schema.IdentityRecord{ID: view.ID},
				Status:         schema.StatusNotFound,
			},
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.IdentityResponse{Success: true, IdentityView: view})
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var req schema.HeartbeatRequest
	if !bind(c, &req, false) {
		return
	}
	res, err := h.Store.Heartbeat(c.Param("id"), req.Status, req.ActiveSessions)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := schema.HeartbeatResponse{Success: true, Released: res.Released}
	switch {
	case res.Released:
		out.TimeSinceLast = "released"
	case res.First:
		out.TimeSinceLast = "first"
	default:
		out.TimeSinceLast = res.SinceLast.Round(time.Millisecond).String()
		out.TimeSinceLastMs = res.SinceLast.Milliseconds()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Release(c *gin.Context) {
	var req schema.ReleaseRequest
	if !bind(c, &req, false) {
		return
	}
	if err := h.Store.Release(c.Param("id"), req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) DeleteIdentity(c *gin.Context) {
	req, ok := h.authorize(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.Store.Delete(id, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.DeleteResult{
		Success:      true,
		DeletedCount: 1,
		Succeeded:    []string{id},
		Failed:       []schema.DeleteFailure{},
	})
}

func (h *Handler) DeleteByClass(c *gin.Context) {
	req, ok := h.authorize(c)
	if !ok {
		return
	}
	out, err := h.Store.DeleteByClass(c.Query("class"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteResult(out))
}

func (h *Handler) DeleteBulk(c *gin.Context) {
	req, ok := h.authorize(c)
	if !ok {
		return
	}
	out, err := h.Store.DeleteBulk(req.IDs, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteResult(out))
}

func (h *Handler) DeleteStale(c *gin.Context) {
	req, ok := h.authorize(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, deleteResult(h.Store.DeleteStale(req.Reason)))
}

func (h *Handler) List(c *gin.Context) {
	views := h.Store.List()
	if class := c.Query("class"); class != "" {
		filtered := views[:0]
		for _, v := range views {
			if v.Class == class {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	resp := schema.ListResponse{Success: true, Total: len(views), Identities: views}
	for _, v := range views {
		if v.Status == schema.StatusLive {
			resp.Live++
		} else {
			resp.Stale++
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Audit(c *gin.Context) {
	c.JSON(http.StatusOK, schema.AuditResponse{Success: true, Entries: h.Store.Audit()})
}

func (h *Handler) TriggerBackup(c *gin.Context) {
	if _, ok := h.authorize(c); !ok {
		return
	}
	if h.Backup == nil {
		c.JSON(http.StatusServiceUnavailable, schema.ErrorResponse{Error: "remote backup is not configured"})
		return
	}
	if err := h.Backup.Backup(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.BackupResponse{Success: true, Key: h.Backup.Key()})
}

// authorize binds the admin body and checks the shared secret, which may also
// arrive as a bearer token. An unset secret rejects every admin call.
func (h *Handler) authorize(c *gin.Context) (schema.AdminRequest, bool) {
	var req schema.AdminRequest
	if !bind(c, &req, false) {
		return req, false
	}
	secret := req.Authorization
	if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && secret == "" {
		secret = strings.TrimSpace(bearer)
	}
	if h.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.AdminSecret)) != 1 {
		h.logger().Warn("unauthorized admin request",
			zap.String("path", c.FullPath()),
			zap.String("client_ip", c.ClientIP()))
		h.fail(c, ErrUnauthorized)
		return req, false
	}
	return req, true
}

// bind decodes a JSON body into dst. Unless required, an empty body is accepted.
func bind(c *gin.Context, dst any, required bool) bool {
	if !required && (c.Request.Body == nil || c.Request.ContentLength == 0) {
		return true
	}
	err := c.ShouldBindJSON(dst)
	if err == nil || (!required && errors.Is(err, io.EOF)) {
		return true
	}
	c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "invalid request body: " + err.Error()})
	return false
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, schema.ErrorResponse{Error: err.Error()})
}

func deleteResult(out engine.DeleteOutcome) schema.DeleteResult {
	res := schema.DeleteResult{
		Success:      true,
		DeletedCount: len(out.Succeeded),
		Succeeded:    out.Succeeded,
		Failed:       make([]schema.DeleteFailure, 0, len(out.Failed)),
	}
	if res.Succeeded == nil {
		res.Succeeded = []string{}
	}
	for _, f := range out.Failed {
		res.Failed = append(res.Failed, schema.DeleteFailure{ID: f.ID, Error: f.Err.Error()})
	}
	return res
}
