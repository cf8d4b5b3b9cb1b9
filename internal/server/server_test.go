package server

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-naming/internal/vault"
)

func startServer(t *testing.T, s *Server) (string, chan error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Listen("127.0.0.1:0") }()

	// Wait a bit for listener to be set
	for i := 0; i < 40; i++ {
		if addr := s.Addr(); addr != nil {
			return addr.String(), done
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("Server did not start in time")
	return "", nil
}

func TestServer_ServesAndStops(t *testing.T) {
	s := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}), nil)
	addr, done := startServer(t, s)

	resp, err := http.Get("http://" + addr + "/ping")
	if err != nil {
		t.Fatalf("Failed to GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("Expected pong, got %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Stop")
	}
}

func TestServer_TLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("Failed to generate cert: %v", err)
	}
	s := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), nil)
	s.SetCertificate(cert)
	addr, done := startServer(t, s)
	defer func() {
		s.Stop(context.Background())
		<-done
	}()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + addr + "/")
	if err != nil {
		t.Fatalf("TLS request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if resp.TLS == nil {
		t.Error("Expected a TLS connection")
	}
}

func TestServer_StopBeforeListen(t *testing.T) {
	s := New(http.NotFoundHandler(), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Errorf("Expected Listen to return nil after Stop, got %v", err)
	}
}

func TestServer_BadAddress(t *testing.T) {
	s := New(http.NotFoundHandler(), nil)
	if err := s.Listen("256.0.0.1:bad"); err == nil {
		t.Error("Expected an error for an invalid address")
	}
}
