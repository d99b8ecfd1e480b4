// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package identity implements the identity engine: a principal
// catalog, policy documents with wildcard actions and resources, a
// deny-overrides evaluator, and short-lived signed tokens.
package identity

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var logger = loggo.GetLogger("ldk.engine.identity")

// Mode selects how policy denials are applied.
type Mode string

const (
	// ModeEnforce turns denials into request failures.
	ModeEnforce Mode = "enforce"
	// ModeAudit logs denials and lets requests proceed.
	ModeAudit Mode = "audit"
)

// Effect is a statement's outcome.
type Effect string

const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

// Statement is one policy clause. Actions and Resources support *
// wildcards.
type Statement struct {
	Effect    Effect   `json:"Effect"`
	Actions   []string `json:"Action"`
	Resources []string `json:"Resource"`
}

// PolicyDocument is an ordered statement list.
type PolicyDocument struct {
	Version    string      `json:"Version"`
	Statements []Statement `json:"Statement"`
}

// Principal is a caller identity with attached policies and an
// optional permissions boundary.
type Principal struct {
	Name     string
	Policies []string
	Boundary string
}

// Decision is the evaluator's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config holds the engine's dependencies.
type Config struct {
	Clock clock.Clock
	Mode  Mode

	// TokenSecret signs issued tokens. TokenTTL bounds their life.
	TokenSecret []byte
	TokenTTL    time.Duration
}

// Validate ensures the config values are valid.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	switch c.Mode {
	case ModeEnforce, ModeAudit:
	default:
		return errors.NotValidf("mode %q", c.Mode)
	}
	if len(c.TokenSecret) == 0 {
		return errors.NotValidf("missing TokenSecret")
	}
	return nil
}

// Engine owns principals, policies and resource policies.
type Engine struct {
	cfg Config

	mu         sync.RWMutex
	principals map[string]Principal
	policies   map[string]PolicyDocument
	resources  map[string]PolicyDocument
}

// NewEngine returns an identity engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{
		cfg:        cfg,
		principals: make(map[string]Principal),
		policies:   make(map[string]PolicyDocument),
		resources:  make(map[string]PolicyDocument),
	}, nil
}

// Mode reports whether denials enforce or audit.
func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// PutPolicy stores a named policy document.
func (e *Engine) PutPolicy(name string, doc PolicyDocument) error {
	if name == "" {
		return errors.NotValidf("empty policy name")
	}
	for _, st := range doc.Statements {
		if st.Effect != Allow && st.Effect != Deny {
			return errors.NotValidf("policy %q: effect %q", name, st.Effect)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[name] = doc
	return nil
}

// PutPrincipal stores a principal. Attached policy names must exist.
func (e *Engine) PutPrincipal(p Principal) error {
	if p.Name == "" {
		return errors.NotValidf("empty principal name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range p.Policies {
		if _, ok := e.policies[name]; !ok {
			return errors.NotFoundf("policy %q", name)
		}
	}
	if p.Boundary != "" {
		if _, ok := e.policies[p.Boundary]; !ok {
			return errors.NotFoundf("boundary policy %q", p.Boundary)
		}
	}
	e.principals[p.Name] = p
	return nil
}

// Principal returns a principal by name.
func (e *Engine) Principal(name string) (Principal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.principals[name]
	if !ok {
		return Principal{}, errors.NotFoundf("principal %q", name)
	}
	return p, nil
}

// PutResourcePolicy attaches a policy to a resource identifier.
func (e *Engine) PutResourcePolicy(resource string, doc PolicyDocument) error {
	if resource == "" {
		return errors.NotValidf("empty resource")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources[resource] = doc
	return nil
}

// Evaluate runs the deny-overrides decision for one action on one
// resource. Any matching Deny statement anywhere denies. Otherwise the
// identity policies must allow, the boundary (when set) must also
// allow, and a resource-policy allow counts as an identity allow.
func (e *Engine) Evaluate(principalName, action, resource string) Decision {
	d := e.evaluate(principalName, action, resource)
	if !d.Allowed {
		logger.Debugf("deny %s on %s for %q: %s", action, resource, principalName, d.Reason)
	}
	return d
}

func (e *Engine) evaluate(principalName, action, resource string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.principals[principalName]
	if !ok {
		return Decision{Reason: "unknown principal " + principalName}
	}

	identityAllow := false
	for _, name := range p.Policies {
		doc := e.policies[name]
		switch verdict(doc, action, resource) {
		case Deny:
			return Decision{Reason: "denied by policy " + name}
		case Allow:
			identityAllow = true
		}
	}

	resourceAllow := false
	if doc, ok := e.resources[resource]; ok {
		switch verdict(doc, action, resource) {
		case Deny:
			return Decision{Reason: "denied by resource policy"}
		case Allow:
			resourceAllow = true
		}
	}

	if p.Boundary != "" {
		doc := e.policies[p.Boundary]
		switch verdict(doc, action, resource) {
		case Deny:
			return Decision{Reason: "denied by boundary " + p.Boundary}
		case Allow:
		default:
			return Decision{Reason: "not allowed by boundary " + p.Boundary}
		}
	}

	if identityAllow || resourceAllow {
		return Decision{Allowed: true}
	}
	return Decision{Reason: "no policy allows " + action}
}

// verdict returns Deny if any statement denies, else Allow if any
// allows, else "".
func verdict(doc PolicyDocument, action, resource string) Effect {
	var allow bool
	for _, st := range doc.Statements {
		if !matchesAny(st.Actions, action) || !matchesAny(st.Resources, resource) {
			continue
		}
		if st.Effect == Deny {
			return Deny
		}
		allow = true
	}
	if allow {
		return Allow
	}
	return ""
}

func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, value) {
			return true
		}
	}
	return false
}

// wildcardMatch supports * anywhere in the pattern.
func wildcardMatch(pattern, value string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == value
	}
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(value, part)
		if i == -1 {
			return false
		}
		value = value[i+len(part):]
	}
	return strings.HasSuffix(value, parts[len(parts)-1])
}

// IssueToken mints a signed short-lived token for a principal.
func (e *Engine) IssueToken(principalName string) (string, error) {
	if _, err := e.Principal(principalName); err != nil {
		return "", errors.Trace(err)
	}
	now := e.cfg.Clock.Now()
	token, err := jwt.NewBuilder().
		Subject(principalName).
		Issuer("ldk").
		IssuedAt(now).
		Expiration(now.Add(e.cfg.TokenTTL)).
		Build()
	if err != nil {
		return "", errors.Trace(err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, e.cfg.TokenSecret))
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(signed), nil
}

// VerifyToken validates a token and returns its principal name.
func (e *Engine) VerifyToken(raw string) (string, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, e.cfg.TokenSecret),
		jwt.WithClock(e.cfg.Clock),
		jwt.WithIssuer("ldk"),
	)
	if err != nil {
		return "", errors.Annotate(err, "verifying token")
	}
	name := token.Subject()
	if _, err := e.Principal(name); err != nil {
		return "", errors.Trace(err)
	}
	return name, nil
}
