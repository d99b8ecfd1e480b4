// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package server exposes the engines over HTTP: one server per
// enabled service speaking its wire dialect, a control plane for
// inventory, chaos, mocks, metrics and the live log tail, and the
// lifecycle supervisor that builds and owns the whole runtime.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("ldk.server")

// shutdownTimeout bounds the graceful drain on stop.
const shutdownTimeout = 5 * time.Second

// HTTPConfig holds one service server's dependencies.
type HTTPConfig struct {
	Name    string
	Port    int
	Handler http.Handler
}

// Validate ensures the config values are valid.
func (c *HTTPConfig) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("missing Name")
	}
	// Port 0 binds an ephemeral port, reported by Addr.
	if c.Port < 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	if c.Handler == nil {
		return errors.NotValidf("missing Handler")
	}
	return nil
}

// HTTPServer serves one service's dialect on its own port.
type HTTPServer struct {
	catacomb catacomb.Catacomb
	cfg      HTTPConfig
	listener net.Listener
	server   *http.Server
}

// NewHTTPServer binds the port and starts serving.
func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.Annotatef(err, "binding %s port %d", cfg.Name, cfg.Port)
	}
	s := &HTTPServer{
		cfg:      cfg,
		listener: listener,
		server:   &http.Server{Handler: cfg.Handler},
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "http-server",
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		listener.Close()
		return nil, errors.Trace(err)
	}
	logger.Infof("%s listening on %s", cfg.Name, listener.Addr())
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *HTTPServer) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *HTTPServer) Wait() error {
	return s.catacomb.Wait()
}

// Addr returns the bound address.
func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}

// Report shows the server in the engine report.
func (s *HTTPServer) Report() map[string]interface{} {
	return map[string]interface{}{
		"service": s.cfg.Name,
		"address": s.Addr(),
	}
}

func (s *HTTPServer) loop() error {
	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(s.listener)
	}()
	select {
	case <-s.catacomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Warningf("shutting down %s: %v", s.cfg.Name, err)
			s.server.Close()
		}
		<-served
		return s.catacomb.ErrDying()
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return s.catacomb.ErrDying()
		}
		return errors.Annotatef(err, "serving %s", s.cfg.Name)
	}
}
