// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package secretstore implements the secret store engine: versioned
// secret values with AWSCURRENT/AWSPREVIOUS staging labels.
package secretstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Staging labels.
const (
	StageCurrent  = "AWSCURRENT"
	StagePrevious = "AWSPREVIOUS"
)

// Secret describes a stored secret.
type Secret struct {
	Name        string
	ARN         string
	Description string
	CreatedAt   time.Time
}

// Version is one stored value.
type Version struct {
	ID        string
	Value     string
	Stages    []string
	CreatedAt time.Time
}

type secret struct {
	info     Secret
	versions []*Version
}

// Engine owns all secrets.
type Engine struct {
	clock clock.Clock

	mu      sync.RWMutex
	secrets map[string]*secret
}

// NewEngine returns a secret store engine.
func NewEngine(clk clock.Clock) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	return &Engine{
		clock:   clk,
		secrets: make(map[string]*secret),
	}, nil
}

// SecretARN returns the emulator ARN for a secret name.
func SecretARN(name string) string {
	return "arn:ldk:secrets:local:000000000000:secret:" + name
}

// Create stores a secret with an initial value staged AWSCURRENT.
func (e *Engine) Create(name, description, value string) (Secret, error) {
	if name == "" {
		return Secret{}, errors.NotValidf("empty secret name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.secrets[name]; ok {
		return Secret{}, errors.AlreadyExistsf("secret %q", name)
	}
	now := e.clock.Now()
	s := &secret{
		info: Secret{
			Name:        name,
			ARN:         SecretARN(name),
			Description: description,
			CreatedAt:   now,
		},
		versions: []*Version{{
			ID:        uuid.New().String(),
			Value:     value,
			Stages:    []string{StageCurrent},
			CreatedAt: now,
		}},
	}
	e.secrets[name] = s
	return s.info, nil
}

// PutValue stores a new version staged AWSCURRENT; the prior current
// version moves to AWSPREVIOUS.
func (e *Engine) PutValue(name, value string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.secrets[name]
	if !ok {
		return "", errors.NotFoundf("secret %q", name)
	}
	for _, v := range s.versions {
		v.Stages = removeStage(v.Stages, StagePrevious)
	}
	for _, v := range s.versions {
		if hasStage(v.Stages, StageCurrent) {
			v.Stages = removeStage(v.Stages, StageCurrent)
			v.Stages = append(v.Stages, StagePrevious)
		}
	}
	version := &Version{
		ID:        uuid.New().String(),
		Value:     value,
		Stages:    []string{StageCurrent},
		CreatedAt: e.clock.Now(),
	}
	s.versions = append(s.versions, version)
	return version.ID, nil
}

// GetValue returns a version by stage (default AWSCURRENT) or by
// version id.
func (e *Engine) GetValue(name, versionID, stage string) (Version, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.secrets[name]
	if !ok {
		return Version{}, errors.NotFoundf("secret %q", name)
	}
	if versionID != "" {
		for _, v := range s.versions {
			if v.ID == versionID {
				return *v, nil
			}
		}
		return Version{}, errors.NotFoundf("secret %q version %q", name, versionID)
	}
	if stage == "" {
		stage = StageCurrent
	}
	for _, v := range s.versions {
		if hasStage(v.Stages, stage) {
			return *v, nil
		}
	}
	return Version{}, errors.NotFoundf("secret %q stage %q", name, stage)
}

// Describe returns a secret's metadata.
func (e *Engine) Describe(name string) (Secret, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.secrets[name]
	if !ok {
		return Secret{}, errors.NotFoundf("secret %q", name)
	}
	return s.info, nil
}

// Delete removes a secret and all versions.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.secrets[name]; !ok {
		return errors.NotFoundf("secret %q", name)
	}
	delete(e.secrets, name)
	return nil
}

// List returns secret metadata sorted by name.
func (e *Engine) List() []Secret {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Secret, 0, len(e.secrets))
	for _, s := range e.secrets {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

func removeStage(stages []string, stage string) []string {
	out := stages[:0]
	for _, s := range stages {
		if s != stage {
			out = append(out, s)
		}
	}
	return out
}
