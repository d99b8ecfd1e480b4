// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fabric wires the engines together: a name registry resolves
// (service, endpoint) to dispatch callbacks, dispatcher adapters carry
// topic and event-bus deliveries across engines, and queue pollers
// drain event-source-mapped queues into compute invocations.
package fabric

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("ldk.fabric")

// QueueTarget enqueues one body on a named queue.
type QueueTarget func(body string) error

// ComputeTarget invokes a function with a JSON payload.
type ComputeTarget func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type tables struct {
	queues   map[string]QueueTarget
	computes map[string]ComputeTarget
}

// Registry maps endpoint names to dispatch callbacks. It is built
// during startup and frozen before traffic; lookups after Freeze are
// lock-free.
type Registry struct {
	building tables
	frozen   atomic.Pointer[tables]
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		building: tables{
			queues:   make(map[string]QueueTarget),
			computes: make(map[string]ComputeTarget),
		},
	}
}

// RegisterQueue adds a queue endpoint. Startup only.
func (r *Registry) RegisterQueue(name string, target QueueTarget) error {
	if r.frozen.Load() != nil {
		return errors.NotValidf("registering %q after freeze", name)
	}
	if _, ok := r.building.queues[name]; ok {
		return errors.AlreadyExistsf("queue endpoint %q", name)
	}
	r.building.queues[name] = target
	return nil
}

// RegisterCompute adds a compute endpoint. Startup only.
func (r *Registry) RegisterCompute(name string, target ComputeTarget) error {
	if r.frozen.Load() != nil {
		return errors.NotValidf("registering %q after freeze", name)
	}
	if _, ok := r.building.computes[name]; ok {
		return errors.AlreadyExistsf("compute endpoint %q", name)
	}
	r.building.computes[name] = target
	return nil
}

// Freeze makes the registry immutable and lookup-safe from any
// goroutine.
func (r *Registry) Freeze() {
	snapshot := r.building
	r.frozen.Store(&snapshot)
}

func (r *Registry) lookup() (*tables, error) {
	t := r.frozen.Load()
	if t == nil {
		return nil, errors.NotValidf("lookup before freeze")
	}
	return t, nil
}

// Queue resolves a queue endpoint.
func (r *Registry) Queue(name string) (QueueTarget, error) {
	t, err := r.lookup()
	if err != nil {
		return nil, errors.Trace(err)
	}
	target, ok := t.queues[name]
	if !ok {
		return nil, errors.NotFoundf("queue endpoint %q", name)
	}
	return target, nil
}

// Compute resolves a compute endpoint.
func (r *Registry) Compute(name string) (ComputeTarget, error) {
	t, err := r.lookup()
	if err != nil {
		return nil, errors.Trace(err)
	}
	target, ok := t.computes[name]
	if !ok {
		return nil, errors.NotFoundf("compute endpoint %q", name)
	}
	return target, nil
}

// QueueNames returns the registered queue endpoints.
func (r *Registry) QueueNames() []string {
	t, err := r.lookup()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(t.queues))
	for name := range t.queues {
		names = append(names, name)
	}
	return names
}
