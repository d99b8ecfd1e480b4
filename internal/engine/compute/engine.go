// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package compute implements the function registry and invocation
// contract. Actual code execution sits behind the Runner interface;
// subprocess runners plug in from outside, and tests use in-process
// fakes.
package compute

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("ldk.engine.compute")

// DefaultTimeout applies when a function config omits one.
const DefaultTimeout = 3 * time.Second

// Function is a registered function config.
type Function struct {
	Name     string
	Runtime  string
	Handler  string
	Timeout  time.Duration
	MemoryMB int
	Env      map[string]string
}

// FunctionError is the structured envelope for handler failures, as
// opposed to engine failures (unknown function, cancelled context).
type FunctionError struct {
	Message string `json:"errorMessage"`
	Type    string `json:"errorType"`
}

func (e *FunctionError) Error() string {
	return e.Type + ": " + e.Message
}

// Runner executes a function's code with a decoded payload. A handler
// failure comes back as funcErr; err is reserved for runner failures.
type Runner interface {
	Run(ctx context.Context, fn Function, payload json.RawMessage) (result json.RawMessage, funcErr *FunctionError, err error)
}

// Config holds the engine's dependencies.
type Config struct {
	Clock  clock.Clock
	Runner Runner
}

// Validate ensures the config values are valid.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Runner == nil {
		return errors.NotValidf("missing Runner")
	}
	return nil
}

// Engine owns the function registry.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	functions map[string]Function
}

// NewEngine returns a compute engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{
		cfg:       cfg,
		functions: make(map[string]Function),
	}, nil
}

// Register adds or replaces a function config.
func (e *Engine) Register(fn Function) error {
	if fn.Name == "" {
		return errors.NotValidf("empty function name")
	}
	if fn.Timeout <= 0 {
		fn.Timeout = DefaultTimeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[fn.Name] = fn
	return nil
}

// Unregister removes a function.
func (e *Engine) Unregister(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.functions[name]; !ok {
		return errors.NotFoundf("function %q", name)
	}
	delete(e.functions, name)
	return nil
}

// Describe returns one function's config.
func (e *Engine) Describe(name string) (Function, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.functions[name]
	if !ok {
		return Function{}, errors.NotFoundf("function %q", name)
	}
	return fn, nil
}

// List returns function configs sorted by name.
func (e *Engine) List() []Function {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Function, 0, len(e.functions))
	for _, fn := range e.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs a function with an absolute deadline taken from its
// timeout. A handler failure is reported as funcErr with a nil err, so
// callers can distinguish "your code failed" from "the invoke failed".
func (e *Engine) Invoke(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, *FunctionError, error) {
	e.mu.RLock()
	fn, ok := e.functions[name]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, errors.NotFoundf("function %q", name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := e.cfg.Clock.NewTimer(fn.Timeout)
	defer timer.Stop()
	done := make(chan struct{})
	defer close(done)
	timedOut := make(chan struct{})
	go func() {
		select {
		case <-timer.Chan():
			close(timedOut)
			cancel()
		case <-done:
		}
	}()

	start := e.cfg.Clock.Now()
	result, funcErr, err := e.cfg.Runner.Run(ctx, fn, payload)
	elapsed := e.cfg.Clock.Now().Sub(start)
	if err != nil {
		select {
		case <-timedOut:
			logger.Debugf("function %q timed out after %s", name, elapsed)
			return nil, &FunctionError{
				Message: "function timed out after " + fn.Timeout.String(),
				Type:    "TimeoutError",
			}, nil
		default:
		}
		return nil, nil, errors.Annotatef(err, "invoking %q", name)
	}
	if funcErr != nil {
		logger.Debugf("function %q failed after %s: %v", name, elapsed, funcErr)
		return nil, funcErr, nil
	}
	return result, nil, nil
}
