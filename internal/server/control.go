// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localdevkit/ldk/internal/engine/compute"
	"github.com/localdevkit/ldk/internal/engine/eventbus"
	"github.com/localdevkit/ldk/internal/engine/objectstore"
	"github.com/localdevkit/ldk/internal/engine/paramstore"
	"github.com/localdevkit/ldk/internal/engine/queue"
	"github.com/localdevkit/ldk/internal/engine/secretstore"
	"github.com/localdevkit/ldk/internal/engine/statemachine"
	"github.com/localdevkit/ldk/internal/engine/table"
	"github.com/localdevkit/ldk/internal/engine/topic"
	"github.com/localdevkit/ldk/internal/logstream"
	"github.com/localdevkit/ldk/internal/middleware"
)

// ControlConfig holds the control plane's dependencies. Engine fields
// left nil are omitted from the resource inventory.
type ControlConfig struct {
	Queues    *queue.Engine
	Tables    *table.Engine
	Objects   *objectstore.Engine
	Topics    *topic.Engine
	Buses     *eventbus.Engine
	Machines  *statemachine.Engine
	Params    *paramstore.Engine
	Secrets   *secretstore.Engine
	Functions *compute.Engine

	Chaos      *middleware.Injector
	Mocks      *middleware.MockTable
	LogHub     *logstream.Hub
	Gatherer   prometheus.Gatherer

	// Health reports the supervisor's worker tree.
	Health func() map[string]interface{}
}

// Validate ensures the config values are valid.
func (c *ControlConfig) Validate() error {
	if c.Chaos == nil {
		return errors.NotValidf("missing Chaos")
	}
	if c.Mocks == nil {
		return errors.NotValidf("missing Mocks")
	}
	if c.LogHub == nil {
		return errors.NotValidf("missing LogHub")
	}
	return nil
}

// controlPlane serves the management endpoints under /_ldk/.
type controlPlane struct {
	cfg      ControlConfig
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewControlPlane returns the management handler.
func NewControlPlane(cfg ControlConfig) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &controlPlane{cfg: cfg, router: mux.NewRouter()}
	r := p.router.PathPrefix(middleware.ManagementPrefix).Subrouter()
	r.HandleFunc("/resources", p.resources).Methods("GET")
	r.HandleFunc("/chaos", p.getChaos).Methods("GET")
	r.HandleFunc("/chaos", p.postChaos).Methods("POST")
	r.HandleFunc("/aws-mock", p.getMocks).Methods("GET")
	r.HandleFunc("/aws-mock", p.postMocks).Methods("POST")
	r.HandleFunc("/logs/ws", p.logsWS).Methods("GET")
	r.HandleFunc("/health", p.health).Methods("GET")
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(
			cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return p, nil
}

func (p *controlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func writeControlJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encoding control response: %v", err)
	}
}

func writeControlError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (p *controlPlane) resources(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	if e := p.cfg.Queues; e != nil {
		out["queues"] = e.List()
	}
	if e := p.cfg.Tables; e != nil {
		out["tables"] = e.List()
	}
	if e := p.cfg.Objects; e != nil {
		names := make([]string, 0)
		for name := range e.ListBuckets() {
			names = append(names, name)
		}
		sort.Strings(names)
		out["buckets"] = names
	}
	if e := p.cfg.Topics; e != nil {
		out["topics"] = e.List()
	}
	if e := p.cfg.Buses; e != nil {
		out["event-buses"] = e.ListBuses()
	}
	if e := p.cfg.Machines; e != nil {
		names := make([]string, 0)
		for _, info := range e.List() {
			names = append(names, info.Name)
		}
		out["state-machines"] = names
	}
	if e := p.cfg.Params; e != nil {
		names := make([]string, 0)
		for _, param := range e.GetByPath("/", true) {
			names = append(names, param.Name)
		}
		sort.Strings(names)
		out["parameters"] = names
	}
	if e := p.cfg.Secrets; e != nil {
		names := make([]string, 0)
		for _, secret := range e.List() {
			names = append(names, secret.Name)
		}
		out["secrets"] = names
	}
	if e := p.cfg.Functions; e != nil {
		names := make([]string, 0)
		for _, fn := range e.List() {
			names = append(names, fn.Name)
		}
		out["functions"] = names
	}
	writeControlJSON(w, out)
}

func (p *controlPlane) getChaos(w http.ResponseWriter, r *http.Request) {
	writeControlJSON(w, p.cfg.Chaos.Snapshot())
}

func (p *controlPlane) postChaos(w http.ResponseWriter, r *http.Request) {
	var req map[string]middleware.ChaosConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeControlError(w, http.StatusBadRequest, errors.NotValidf("chaos config: %v", err))
		return
	}
	for service, cfg := range req {
		if err := p.cfg.Chaos.SetConfig(service, cfg); err != nil {
			writeControlError(w, http.StatusBadRequest, err)
			return
		}
	}
	writeControlJSON(w, p.cfg.Chaos.Snapshot())
}

func (p *controlPlane) getMocks(w http.ResponseWriter, r *http.Request) {
	enabled, rules := p.cfg.Mocks.Snapshot()
	writeControlJSON(w, map[string]interface{}{
		"enabled": enabled,
		"rules":   rules,
	})
}

func (p *controlPlane) postMocks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool                  `json:"enabled"`
		Rules   []middleware.MockRule `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeControlError(w, http.StatusBadRequest, errors.NotValidf("mock config: %v", err))
		return
	}
	if err := p.cfg.Mocks.SetRules(req.Rules); err != nil {
		writeControlError(w, http.StatusBadRequest, err)
		return
	}
	p.cfg.Mocks.SetEnabled(req.Enabled)
	writeControlJSON(w, map[string]interface{}{"enabled": req.Enabled})
}

func (p *controlPlane) health(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Health == nil {
		writeControlJSON(w, map[string]interface{}{})
		return
	}
	writeControlJSON(w, p.cfg.Health())
}

// logsWS streams log entries over a websocket. Each client gets its
// own tap with a bounded backlog; a slow client loses oldest entries
// rather than stalling the hub.
func (p *controlPlane) logsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Infof("log stream upgrade: %v", err)
		return
	}
	tap, err := logstream.NewTap(logstream.TapConfig{
		Hub: p.cfg.LogHub,
		Sink: func(entry logstream.Entry) error {
			return conn.WriteJSON(entry)
		},
	})
	if err != nil {
		conn.Close()
		logger.Errorf("log stream tap: %v", err)
		return
	}
	// The read loop only notices the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				tap.Kill()
				return
			}
		}
	}()
	if err := tap.Wait(); err != nil {
		logger.Debugf("log stream closed: %v", err)
	}
	conn.Close()
}
