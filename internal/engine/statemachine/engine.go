// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package statemachine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Kind distinguishes the two workflow flavours.
type Kind string

const (
	Standard Kind = "STANDARD"
	Express  Kind = "EXPRESS"
)

// Status is an execution's lifecycle state. Transitions are monotonic:
// running moves to exactly one terminal status.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// historyLimit bounds retained executions per machine; the oldest
// finished executions are evicted first.
const historyLimit = 1000

// MachineInfo describes a registered state machine.
type MachineInfo struct {
	Name       string
	ARN        string
	Kind       Kind
	Definition string
	CreatedAt  time.Time
}

// Execution is a snapshot of one run.
type Execution struct {
	ARN        string
	MachineARN string
	Name       string
	Status     Status
	Input      json.RawMessage
	Output     json.RawMessage
	Error      string
	Cause      string
	StartTime  time.Time
	StopTime   time.Time
}

type execState struct {
	Execution
	runCtx context.Context
	cancel context.CancelFunc
}

type machine struct {
	info MachineInfo
	def  *Definition

	executions map[string]*execState
	order      []string
}

// Config holds the engine's dependencies.
type Config struct {
	Clock   clock.Clock
	Invoker TaskInvoker

	// MaxWait caps Wait suspensions and retry backoffs. Zero leaves
	// them unbounded.
	MaxWait time.Duration
}

// Validate ensures the config values are valid.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Invoker == nil {
		return errors.NotValidf("missing Invoker")
	}
	return nil
}

// Engine owns the machine registry and execution histories.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	machines map[string]*machine
}

// NewEngine returns a state-machine engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{
		cfg:      cfg,
		machines: make(map[string]*machine),
	}, nil
}

// MachineARN returns the emulator ARN for a machine name.
func MachineARN(name string) string {
	return "arn:ldk:states:local:000000000000:stateMachine:" + name
}

// Create registers a machine from its definition document.
func (e *Engine) Create(name string, definition []byte, kind Kind) (string, error) {
	if name == "" {
		return "", errors.NotValidf("empty machine name")
	}
	switch kind {
	case Standard, Express:
	default:
		return "", errors.NotValidf("machine kind %q", kind)
	}
	def, err := ParseDefinition(definition)
	if err != nil {
		return "", errors.Trace(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.machines[name]; ok {
		return "", errors.AlreadyExistsf("state machine %q", name)
	}
	m := &machine{
		info: MachineInfo{
			Name:       name,
			ARN:        MachineARN(name),
			Kind:       kind,
			Definition: string(definition),
			CreatedAt:  e.cfg.Clock.Now(),
		},
		def:        def,
		executions: make(map[string]*execState),
	}
	e.machines[name] = m
	return m.info.ARN, nil
}

// Delete removes a machine and its history.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.machines[name]; !ok {
		return errors.NotFoundf("state machine %q", name)
	}
	delete(e.machines, name)
	return nil
}

// List returns registered machines sorted by name.
func (e *Engine) List() []MachineInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MachineInfo, 0, len(e.machines))
	for _, m := range e.machines {
		out = append(out, m.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns one machine's info.
func (e *Engine) Describe(name string) (MachineInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[name]
	if !ok {
		return MachineInfo{}, errors.NotFoundf("state machine %q", name)
	}
	return m.info, nil
}

// StartExecution begins an asynchronous run and returns its ARN.
func (e *Engine) StartExecution(machineName, execName string, input json.RawMessage) (string, error) {
	e.mu.Lock()
	m, ok := e.machines[machineName]
	if !ok {
		e.mu.Unlock()
		return "", errors.NotFoundf("state machine %q", machineName)
	}
	es, decoded, err := e.beginLocked(m, execName, input)
	if err != nil {
		e.mu.Unlock()
		return "", errors.Trace(err)
	}
	def := m.def
	e.mu.Unlock()

	go e.runExecution(es, def, decoded)
	return es.ARN, nil
}

// StartSyncExecution runs an express machine to completion and returns
// the finished snapshot.
func (e *Engine) StartSyncExecution(machineName, execName string, input json.RawMessage) (Execution, error) {
	e.mu.Lock()
	m, ok := e.machines[machineName]
	if !ok {
		e.mu.Unlock()
		return Execution{}, errors.NotFoundf("state machine %q", machineName)
	}
	if m.info.Kind != Express {
		e.mu.Unlock()
		return Execution{}, errors.NotValidf("synchronous start of %s machine %q", m.info.Kind, machineName)
	}
	es, decoded, err := e.beginLocked(m, execName, input)
	if err != nil {
		e.mu.Unlock()
		return Execution{}, errors.Trace(err)
	}
	def := m.def
	e.mu.Unlock()

	e.runExecution(es, def, decoded)
	return e.DescribeExecution(es.ARN)
}

// beginLocked records a running execution. Caller holds e.mu.
func (e *Engine) beginLocked(m *machine, execName string, input json.RawMessage) (*execState, interface{}, error) {
	if execName == "" {
		execName = uuid.New().String()
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded interface{}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return nil, nil, errors.Annotate(err, "parsing execution input")
	}
	ctx, cancel := context.WithCancel(context.Background())
	es := &execState{
		Execution: Execution{
			ARN:        m.info.ARN + ":" + execName,
			MachineARN: m.info.ARN,
			Name:       execName,
			Status:     StatusRunning,
			Input:      input,
			StartTime:  e.cfg.Clock.Now(),
		},
		cancel: cancel,
	}
	if _, ok := m.executions[es.ARN]; ok {
		cancel()
		return nil, nil, errors.AlreadyExistsf("execution %q", execName)
	}
	es.runCtx = ctx
	m.executions[es.ARN] = es
	m.order = append(m.order, es.ARN)
	e.evictLocked(m)
	return es, decoded, nil
}

// evictLocked drops the oldest finished executions over the history
// limit. Caller holds e.mu.
func (e *Engine) evictLocked(m *machine) {
	for len(m.order) > historyLimit {
		evicted := false
		for i, arn := range m.order {
			if m.executions[arn].Status == StatusRunning {
				continue
			}
			delete(m.executions, arn)
			m.order = append(m.order[:i], m.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (e *Engine) runExecution(es *execState, def *Definition, input interface{}) {
	x := &executor{
		clock:   e.cfg.Clock,
		invoker: e.cfg.Invoker,
		maxWait: e.cfg.MaxWait,
	}
	output, err := x.run(es.runCtx, def, input)

	e.mu.Lock()
	defer e.mu.Unlock()
	if es.StopTime.IsZero() {
		es.StopTime = e.cfg.Clock.Now()
	}
	if err != nil {
		// StopExecution may already have claimed the terminal status.
		if es.Status == StatusAborted {
			return
		}
		se := asStateError(err)
		if se.name == ErrTimeout {
			es.Status = StatusTimedOut
		} else {
			es.Status = StatusFailed
		}
		es.Error = se.name
		es.Cause = se.cause
		return
	}
	if es.Status == StatusAborted {
		return
	}
	es.Status = StatusSucceeded
	encoded, merr := json.Marshal(output)
	if merr != nil {
		es.Status = StatusFailed
		es.Error = ErrTaskFailed
		es.Cause = merr.Error()
		return
	}
	es.Output = encoded
}

// StopExecution aborts a running execution.
func (e *Engine) StopExecution(executionARN string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.machines {
		if es, ok := m.executions[executionARN]; ok {
			if es.Status != StatusRunning {
				return nil
			}
			es.Status = StatusAborted
			es.StopTime = e.cfg.Clock.Now()
			es.cancel()
			return nil
		}
	}
	return errors.NotFoundf("execution %q", executionARN)
}

// DescribeExecution returns an execution snapshot.
func (e *Engine) DescribeExecution(executionARN string) (Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.machines {
		if es, ok := m.executions[executionARN]; ok {
			return es.Execution, nil
		}
	}
	return Execution{}, errors.NotFoundf("execution %q", executionARN)
}

// ListExecutions returns a machine's retained executions, newest
// first, optionally filtered by status.
func (e *Engine) ListExecutions(machineName string, status Status) ([]Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[machineName]
	if !ok {
		return nil, errors.NotFoundf("state machine %q", machineName)
	}
	out := make([]Execution, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		es := m.executions[m.order[i]]
		if status != "" && es.Status != status {
			continue
		}
		out = append(out, es.Execution)
	}
	return out, nil
}
