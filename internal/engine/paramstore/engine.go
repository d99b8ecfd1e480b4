// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package paramstore implements the versioned parameter store engine.
package paramstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Type is the parameter value type.
type Type string

const (
	TypeString       Type = "String"
	TypeSecureString Type = "SecureString"
)

// Parameter is one stored version.
type Parameter struct {
	Name         string
	Type         Type
	Value        string
	Version      int64
	LastModified time.Time
}

type entry struct {
	versions []Parameter
}

// Engine owns all parameters.
type Engine struct {
	clock clock.Clock

	mu     sync.RWMutex
	params map[string]*entry
}

// NewEngine returns a parameter store engine.
func NewEngine(clk clock.Clock) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	return &Engine{
		clock:  clk,
		params: make(map[string]*entry),
	}, nil
}

// Put stores a new version. Overwriting an existing parameter needs
// overwrite set; the first put never does.
func (e *Engine) Put(name string, typ Type, value string, overwrite bool) (int64, error) {
	if name == "" {
		return 0, errors.NotValidf("empty parameter name")
	}
	switch typ {
	case TypeString, TypeSecureString:
	default:
		return 0, errors.NotValidf("parameter type %q", typ)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.params[name]
	if ok && !overwrite {
		return 0, errors.AlreadyExistsf("parameter %q", name)
	}
	if !ok {
		ent = &entry{}
		e.params[name] = ent
	}
	version := int64(len(ent.versions) + 1)
	ent.versions = append(ent.versions, Parameter{
		Name:         name,
		Type:         typ,
		Value:        value,
		Version:      version,
		LastModified: e.clock.Now(),
	})
	return version, nil
}

// Get returns the latest version, or a specific one when version > 0.
func (e *Engine) Get(name string, version int64) (Parameter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.params[name]
	if !ok {
		return Parameter{}, errors.NotFoundf("parameter %q", name)
	}
	if version == 0 {
		return ent.versions[len(ent.versions)-1], nil
	}
	if version < 1 || version > int64(len(ent.versions)) {
		return Parameter{}, errors.NotFoundf("parameter %q version %d", name, version)
	}
	return ent.versions[version-1], nil
}

// History returns all versions of a parameter, oldest first.
func (e *Engine) History(name string) ([]Parameter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.params[name]
	if !ok {
		return nil, errors.NotFoundf("parameter %q", name)
	}
	return append([]Parameter(nil), ent.versions...), nil
}

// Delete removes a parameter and its history.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.params[name]; !ok {
		return errors.NotFoundf("parameter %q", name)
	}
	delete(e.params, name)
	return nil
}

// GetByPath returns the latest versions of every parameter under a
// /-separated path prefix, sorted by name. Non-recursive lookups skip
// parameters nested deeper than one level below the path.
func (e *Engine) GetByPath(path string, recursive bool) []Parameter {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Parameter
	for name, ent := range e.params {
		if !strings.HasPrefix(name, path) {
			continue
		}
		if !recursive && strings.Contains(name[len(path):], "/") {
			continue
		}
		out = append(out, ent.versions[len(ent.versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
