// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package eventbus implements the event bus engine: buses own rules,
// put_events evaluates rule patterns against canonical envelopes, and
// a scheduler worker fires rules with schedule expressions.
package eventbus

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/localdevkit/ldk/core/matcher"
)

var logger = loggo.GetLogger("ldk.engine.eventbus")

// DefaultBus always exists and cannot be deleted.
const DefaultBus = "default"

// TargetKind names what a rule target invokes.
type TargetKind string

const (
	TargetQueue   TargetKind = "queue"
	TargetCompute TargetKind = "compute"
)

// Target is one delivery destination on a rule. A non-empty Input
// replaces the event detail with a fixed payload.
type Target struct {
	ID    string
	Kind  TargetKind
	Name  string
	Input string
}

// Rule matches events by pattern, or fires on a schedule, and
// dispatches to its targets. A rule carries a pattern, a schedule, or
// both.
type Rule struct {
	Name     string
	Pattern  matcher.Pattern
	Schedule string
	Enabled  bool
	Targets  []Target
}

// Event is the canonical envelope evaluated against rule patterns and
// delivered to targets.
type Event struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	DetailType string                 `json:"detail-type"`
	Detail     map[string]interface{} `json:"detail"`
	Time       string                 `json:"time"`
	Region     string                 `json:"region"`
	Account    string                 `json:"account"`
	Resources  []string               `json:"resources,omitempty"`
}

func (e Event) asMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":          e.ID,
		"source":      e.Source,
		"detail-type": e.DetailType,
		"time":        e.Time,
		"region":      e.Region,
		"account":     e.Account,
	}
	if e.Detail != nil {
		m["detail"] = e.Detail
	}
	if e.Resources != nil {
		rs := make([]interface{}, len(e.Resources))
		for i, r := range e.Resources {
			rs[i] = r
		}
		m["resources"] = rs
	}
	return m
}

// Dispatcher delivers events to rule targets. The fabric provides the
// production implementation.
type Dispatcher interface {
	DeliverQueue(queueName string, event Event) error
	DeliverCompute(functionName string, event Event) error
}

// Entry is one event submitted through PutEvents.
type Entry struct {
	BusName    string
	Source     string
	DetailType string
	Detail     json.RawMessage
	Resources  []string
}

// EntryResult reports per-entry acceptance.
type EntryResult struct {
	EventID   string
	ErrorCode string
}

type bus struct {
	name  string
	rules map[string]*Rule
}

// Engine owns all buses and their rules.
type Engine struct {
	clock      clock.Clock
	dispatcher Dispatcher
	region     string
	account    string

	mu    sync.RWMutex
	buses map[string]*bus

	// kicked on any rule change so the scheduler recomputes its next
	// fire time.
	schedChanged chan struct{}
}

// NewEngine returns an event bus engine with the default bus in place.
func NewEngine(clk clock.Clock, dispatcher Dispatcher) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	if dispatcher == nil {
		return nil, errors.NotValidf("missing Dispatcher")
	}
	e := &Engine{
		clock:        clk,
		dispatcher:   dispatcher,
		region:       "local",
		account:      "000000000000",
		buses:        make(map[string]*bus),
		schedChanged: make(chan struct{}, 1),
	}
	e.buses[DefaultBus] = &bus{name: DefaultBus, rules: make(map[string]*Rule)}
	return e, nil
}

// CreateBus adds a bus.
func (e *Engine) CreateBus(name string) error {
	if name == "" {
		return errors.NotValidf("empty bus name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buses[name]; ok {
		return errors.AlreadyExistsf("bus %q", name)
	}
	e.buses[name] = &bus{name: name, rules: make(map[string]*Rule)}
	return nil
}

// DeleteBus removes a bus. The default bus cannot be deleted.
func (e *Engine) DeleteBus(name string) error {
	if name == DefaultBus {
		return errors.NotValidf("deleting the default bus")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buses[name]; !ok {
		return errors.NotFoundf("bus %q", name)
	}
	delete(e.buses, name)
	e.kickScheduler()
	return nil
}

// ListBuses returns bus names sorted.
func (e *Engine) ListBuses() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.buses))
	for name := range e.buses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PutRule creates or replaces a rule on a bus. An empty BusName means
// the default bus. A rule must carry a pattern or a schedule.
func (e *Engine) PutRule(busName string, rule Rule) error {
	if busName == "" {
		busName = DefaultBus
	}
	if rule.Name == "" {
		return errors.NotValidf("empty rule name")
	}
	if rule.Pattern == nil && rule.Schedule == "" {
		return errors.NotValidf("rule %q: needs a pattern or a schedule", rule.Name)
	}
	if rule.Schedule != "" {
		if _, err := ParseSchedule(rule.Schedule); err != nil {
			return errors.Trace(err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buses[busName]
	if !ok {
		return errors.NotFoundf("bus %q", busName)
	}
	stored := rule
	b.rules[rule.Name] = &stored
	e.kickScheduler()
	return nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(busName, ruleName string) error {
	if busName == "" {
		busName = DefaultBus
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buses[busName]
	if !ok {
		return errors.NotFoundf("bus %q", busName)
	}
	if _, ok := b.rules[ruleName]; !ok {
		return errors.NotFoundf("rule %q on bus %q", ruleName, busName)
	}
	delete(b.rules, ruleName)
	e.kickScheduler()
	return nil
}

// SetRuleEnabled toggles a rule without touching its pattern or
// targets.
func (e *Engine) SetRuleEnabled(busName, ruleName string, enabled bool) error {
	if busName == "" {
		busName = DefaultBus
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buses[busName]
	if !ok {
		return errors.NotFoundf("bus %q", busName)
	}
	rule, ok := b.rules[ruleName]
	if !ok {
		return errors.NotFoundf("rule %q on bus %q", ruleName, busName)
	}
	rule.Enabled = enabled
	e.kickScheduler()
	return nil
}

// ListRules returns a bus's rules sorted by name.
func (e *Engine) ListRules(busName string) ([]Rule, error) {
	if busName == "" {
		busName = DefaultBus
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buses[busName]
	if !ok {
		return nil, errors.NotFoundf("bus %q", busName)
	}
	out := make([]Rule, 0, len(b.rules))
	for _, rule := range b.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutEvents accepts a batch of entries. Each entry is matched against
// the enabled pattern rules of its target bus; matching rules dispatch
// their targets concurrently. An entry naming an unknown bus gets a
// per-entry error code rather than failing the batch.
func (e *Engine) PutEvents(entries []Entry) []EntryResult {
	results := make([]EntryResult, len(entries))
	for i, entry := range entries {
		results[i] = e.putEvent(entry)
	}
	return results
}

func (e *Engine) putEvent(entry Entry) EntryResult {
	busName := entry.BusName
	if busName == "" {
		busName = DefaultBus
	}

	var detail map[string]interface{}
	if len(entry.Detail) > 0 {
		if err := json.Unmarshal(entry.Detail, &detail); err != nil {
			return EntryResult{ErrorCode: "MalformedDetail"}
		}
	}
	event := Event{
		ID:         uuid.New().String(),
		Source:     entry.Source,
		DetailType: entry.DetailType,
		Detail:     detail,
		Time:       e.clock.Now().UTC().Format(time.RFC3339),
		Region:     e.region,
		Account:    e.account,
		Resources:  entry.Resources,
	}

	e.mu.RLock()
	b, ok := e.buses[busName]
	if !ok {
		e.mu.RUnlock()
		return EntryResult{ErrorCode: "ResourceNotFoundException"}
	}
	var matched []*Rule
	envelope := event.asMap()
	for _, rule := range b.rules {
		if !rule.Enabled || rule.Pattern == nil {
			continue
		}
		if rule.Pattern.Match(envelope) {
			matched = append(matched, rule)
		}
	}
	e.mu.RUnlock()

	for _, rule := range matched {
		e.dispatch(*rule, event)
	}
	return EntryResult{EventID: event.ID}
}

// dispatch fans the event out to a rule's targets concurrently.
// Delivery errors are logged and never surface to the publisher.
func (e *Engine) dispatch(rule Rule, event Event) {
	for _, target := range rule.Targets {
		target := target
		go func() {
			ev := event
			if target.Input != "" {
				var detail map[string]interface{}
				if err := json.Unmarshal([]byte(target.Input), &detail); err != nil {
					logger.Errorf("rule %q target %q: bad input override: %v",
						rule.Name, target.ID, err)
					return
				}
				ev.Detail = detail
			}
			var err error
			switch target.Kind {
			case TargetQueue:
				err = e.dispatcher.DeliverQueue(target.Name, ev)
			case TargetCompute:
				err = e.dispatcher.DeliverCompute(target.Name, ev)
			default:
				err = errors.NotValidf("target kind %q", target.Kind)
			}
			if err != nil {
				logger.Errorf("rule %q target %q: %v", rule.Name, target.ID, err)
			}
		}()
	}
}

func (e *Engine) kickScheduler() {
	select {
	case e.schedChanged <- struct{}{}:
	default:
	}
}

// scheduledRule pairs a rule with its bus for the scheduler.
type scheduledRule struct {
	bus  string
	rule Rule
}

// scheduled returns every enabled rule carrying a schedule expression.
func (e *Engine) scheduled() []scheduledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []scheduledRule
	for _, b := range e.buses {
		for _, rule := range b.rules {
			if rule.Enabled && rule.Schedule != "" {
				out = append(out, scheduledRule{bus: b.name, rule: *rule})
			}
		}
	}
	return out
}
