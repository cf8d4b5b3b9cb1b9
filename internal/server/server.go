// Package server runs the HTTP listener of the naming daemon.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	handler http.Handler
	logger  *zap.Logger
	cert    *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	stopped  bool
}

func New(handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger}
}

// SetCertificate enables TLS on the listener.
func (s *Server) SetCertificate(cert tls.Certificate) {
	s.cert = &cert
}

// Listen serves HTTP on addr until Stop is called. It returns nil after a
// clean shutdown.
func (s *Server) Listen(addr string) error {
	var listener net.Listener
	var err error

	if s.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*s.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return listener.Close()
	}
	s.listener = listener
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("http listener started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", s.cert != nil))

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Listen has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
