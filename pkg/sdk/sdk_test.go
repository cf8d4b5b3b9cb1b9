package sdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-naming/internal/api"
	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/pkg/schema"
	"github.com/celerix-dev/celerix-naming/pkg/sdk"
)

const secret = "s3cret"

func startDaemon(t *testing.T) (*httptest.Server, *engine.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	policy, _ := engine.PolicyFor(engine.LivenessStrict)
	reg := engine.NewRegistry(nil, nil, engine.WithPolicy(policy))
	srv := httptest.NewServer(api.NewRouter(&api.Handler{
		Store:       reg,
		Policy:      policy,
		AdminSecret: secret,
		Label:       "sdk-test",
	}, nil, ""))
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestClient_Integration(t *testing.T) {
	srv, _ := startDaemon(t)
	ctx := context.Background()

	client, err := sdk.Connect(srv.URL, sdk.WithAdminSecret(secret))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	acq, err := client.Acquire(ctx, "worker", "")
	if err != nil || acq.ID != "worker_001" || acq.Mode != schema.ModeNew {
		t.Fatalf("Acquire failed: %+v, %v", acq, err)
	}

	hb, err := client.Heartbeat(ctx, acq.ID, schema.HeartbeatRequest{ActiveSessions: 2})
	if err != nil || !hb.Success {
		t.Fatalf("Heartbeat failed: %+v, %v", hb, err)
	}

	view, err := client.Get(ctx, acq.ID)
	if err != nil || view.Status != schema.StatusLive || view.ActiveSessions != 2 {
		t.Errorf("Get failed: %+v, %v", view, err)
	}

	if err := client.Release(ctx, acq.ID, ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	again, err := client.Acquire(ctx, "worker", "")
	if err != nil || again.ID != acq.ID || again.Mode != schema.ModeReactivated {
		t.Errorf("Expected reactivation of %s, got %+v, %v", acq.ID, again, err)
	}

	list, err := client.List(ctx)
	if err != nil || list.Total != 1 || list.Live != 1 {
		t.Errorf("List failed: %+v, %v", list, err)
	}

	res, err := client.Delete(ctx, acq.ID, "retired")
	if err != nil || res.DeletedCount != 1 {
		t.Fatalf("Delete failed: %+v, %v", res, err)
	}
	audit, err := client.Audit(ctx)
	if err != nil || len(audit) != 1 || audit[0].Reason != "retired" {
		t.Errorf("Audit failed: %+v, %v", audit, err)
	}

	_, err = client.Get(ctx, acq.ID)
	if !sdk.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	health, err := client.Health(ctx)
	if err != nil || health.Status != "ok" {
		t.Errorf("Health failed: %+v, %v", health, err)
	}
	status, err := client.Status(ctx)
	if err != nil || status.Server != "sdk-test" || status.DeletedIdentities != 1 {
		t.Errorf("Status failed: %+v, %v", status, err)
	}
}

func TestClient_AdminCalls(t *testing.T) {
	srv, _ := startDaemon(t)
	ctx := context.Background()

	admin, _ := sdk.Connect(srv.URL, sdk.WithAdminSecret(secret))
	for _, class := range []string{"worker", "worker", "scraper"} {
		if _, err := admin.Acquire(ctx, class, ""); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}

	anon, _ := sdk.Connect(srv.URL)
	_, err := anon.DeleteByClass(ctx, "worker", "")
	if !errors.Is(err, sdk.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	var apiErr *sdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected a 401 APIError, got %v", err)
	}

	res, err := admin.DeleteBulk(ctx, []string{"scraper_003", "nope_001"}, "")
	if err != nil || res.DeletedCount != 1 || len(res.Failed) != 1 {
		t.Errorf("DeleteBulk failed: %+v, %v", res, err)
	}

	res, err = admin.DeleteByClass(ctx, "worker", "")
	if err != nil || res.DeletedCount != 2 {
		t.Errorf("DeleteByClass failed: %+v, %v", res, err)
	}

	res, err = admin.DeleteStale(ctx, "")
	if err != nil || res.DeletedCount != 0 {
		t.Errorf("DeleteStale failed: %+v, %v", res, err)
	}

	_, err = admin.Acquire(ctx, "", "")
	if !errors.Is(err, sdk.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestClient_RetryLogic(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"id":"worker_001","mode":"new"}`))
	}))
	defer srv.Close()

	client, _ := sdk.Connect(srv.URL)
	acq, err := client.Acquire(context.Background(), "worker", "")
	if err != nil || acq.ID != "worker_001" {
		t.Fatalf("Expected success on third attempt, got %+v, %v", acq, err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}

	// 4xx answers are final.
	calls.Store(0)
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	client, _ = sdk.Connect(notFound.URL)
	if _, err := client.Get(context.Background(), "x_001"); !sdk.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// A dead server exhausts the attempts.
	srv.Close()
	client, _ = sdk.Connect(srv.URL, sdk.WithAttempts(2))
	if _, err := client.Health(context.Background()); err == nil {
		t.Error("Expected an error from a closed server")
	}
}

func TestConnect_RejectsBadURL(t *testing.T) {
	if _, err := sdk.Connect("ftp://example.com"); err == nil {
		t.Error("Expected an error for a non-http scheme")
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("CELERIX_NAMING_ADDR", "")
	if _, err := sdk.NewFromEnv(); !errors.Is(err, sdk.ErrNoServer) {
		t.Fatalf("Expected ErrNoServer, got %v", err)
	}

	srv, _ := startDaemon(t)
	t.Setenv("CELERIX_NAMING_ADDR", srv.Listener.Addr().String())
	t.Setenv("CELERIX_DISABLE_TLS", "true")
	t.Setenv("CELERIX_NAMING_ADMIN_SECRET", secret)

	client, err := sdk.NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv failed: %v", err)
	}
	if client.BaseURL() != srv.URL {
		t.Errorf("Expected %s, got %s", srv.URL, client.BaseURL())
	}
	if _, err := client.DeleteStale(context.Background(), ""); err != nil {
		t.Errorf("Expected the env secret to authorize, got %v", err)
	}
}

func TestHeartbeater_Lifecycle(t *testing.T) {
	srv, reg := startDaemon(t)
	ctx := context.Background()
	client, _ := sdk.Connect(srv.URL)

	acq, err := client.Acquire(ctx, "worker", "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	hb := sdk.NewHeartbeater(client, acq.ID, 20*time.Millisecond, nil)
	hb.SetActiveSessions(4)
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := hb.Start(ctx); !errors.Is(err, sdk.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	view, _ := reg.Get(acq.ID)
	if view.Status != schema.StatusLive || view.ActiveSessions != 4 {
		t.Errorf("Expected live identity with 4 sessions, got %+v", view)
	}
	if hb.LastError() != nil {
		t.Errorf("Unexpected heartbeat error: %v", hb.LastError())
	}

	if err := hb.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if hb.IsStarted() {
		t.Error("Expected heartbeater to be stopped")
	}
	view, _ = reg.Get(acq.ID)
	if view.Status != schema.StatusStale {
		t.Errorf("Expected Stop to release the identity, got %s", view.Status)
	}
	if err := hb.Stop(); !errors.Is(err, sdk.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
}

func TestHeartbeater_StartErrors(t *testing.T) {
	srv, _ := startDaemon(t)
	client, _ := sdk.Connect(srv.URL)

	if err := sdk.NewHeartbeater(client, "", time.Second, nil).Start(context.Background()); !errors.Is(err, sdk.ErrNoIdentity) {
		t.Errorf("Expected ErrNoIdentity, got %v", err)
	}
	err := sdk.NewHeartbeater(client, "ghost_001", time.Second, nil).Start(context.Background())
	if !sdk.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound for an unknown identity, got %v", err)
	}
}
