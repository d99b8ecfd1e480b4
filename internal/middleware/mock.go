// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// MockRule is one canned response, matched by service, kebab-case
// operation and optional header filters.
type MockRule struct {
	Service     string            `json:"service"`
	Operation   string            `json:"operation"`
	Headers     map[string]string `json:"headers,omitempty"`
	Status      int               `json:"status"`
	ContentType string            `json:"content-type,omitempty"`
	Body        string            `json:"body"`
	DelayMS     int               `json:"delay-ms,omitempty"`
}

// Validate ensures the rule values are valid.
func (r *MockRule) Validate() error {
	if r.Service == "" {
		return errors.NotValidf("missing service")
	}
	if r.Operation == "" {
		return errors.NotValidf("missing operation")
	}
	if r.Status < 100 || r.Status > 599 {
		return errors.NotValidf("status %d", r.Status)
	}
	return nil
}

// MockTable holds the active mock rules. The control plane replaces
// the set wholesale; requests scan it in order and the first match
// wins.
type MockTable struct {
	clock clock.Clock

	mu      sync.RWMutex
	enabled bool
	rules   []MockRule
}

// NewMockTable returns an empty, disabled table.
func NewMockTable(clk clock.Clock) *MockTable {
	return &MockTable{clock: clk}
}

// SetRules replaces the rule set.
func (t *MockTable) SetRules(rules []MockRule) error {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return errors.Annotatef(err, "rule %d", i)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append([]MockRule(nil), rules...)
	return nil
}

// SetEnabled turns mocking on or off without touching the rules.
func (t *MockTable) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Snapshot returns the current enablement and rules for the control
// plane.
func (t *MockTable) Snapshot() (bool, []MockRule) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled, append([]MockRule(nil), t.rules...)
}

func (t *MockTable) match(service, op string, r *http.Request) *MockRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.enabled || op == "" {
		return nil
	}
	for i := range t.rules {
		rule := &t.rules[i]
		if rule.Service != service || rule.Operation != op {
			continue
		}
		matched := true
		for name, want := range rule.Headers {
			if r.Header.Get(name) != want {
				matched = false
				break
			}
		}
		if matched {
			out := *rule
			return &out
		}
	}
	return nil
}

// Wrap short-circuits matching requests with their canned response.
func (t *MockTable) Wrap(service string, extract OpExtractor, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var op string
		if extract != nil {
			op = extract(r)
		}
		rule := t.match(service, op, r)
		if rule == nil {
			handler.ServeHTTP(w, r)
			return
		}
		logger.Debugf("mocking %s %s with status %d", service, op, rule.Status)
		if rule.DelayMS > 0 {
			select {
			case <-t.clock.After(time.Duration(rule.DelayMS) * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		if rule.ContentType != "" {
			w.Header().Set("Content-Type", rule.ContentType)
		}
		w.WriteHeader(rule.Status)
		w.Write([]byte(rule.Body))
	})
}
