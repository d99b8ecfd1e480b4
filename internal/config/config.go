// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config defines the resolved configuration document the
// daemon starts from: enabled services and ports, declared resources,
// event-source mappings, function configs, identity catalogs and
// global options.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Duration reads "45s"-style values from YAML.
type Duration time.Duration

// UnmarshalYAML is part of the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.NotValidf("duration: %v", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.NotValidf("duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Known service names, used for service-keyed settings.
var Services = []string{
	"queue", "table", "objectstore", "topic", "events",
	"statemachine", "paramstore", "secretstore", "identity", "compute",
}

// Document is the whole configuration file.
type Document struct {
	Options      Options              `yaml:"options"`
	Services     map[string]Service   `yaml:"services"`
	Queues       []Queue              `yaml:"queues"`
	Tables       []Table              `yaml:"tables"`
	Buckets      []string             `yaml:"buckets"`
	Topics       []Topic              `yaml:"topics"`
	Buses        []Bus                `yaml:"buses"`
	Machines     []StateMachine       `yaml:"state-machines"`
	Parameters   []Parameter          `yaml:"parameters"`
	Secrets      []Secret             `yaml:"secrets"`
	Functions    []Function           `yaml:"functions"`
	EventSources []EventSourceMapping `yaml:"event-sources"`
	Identity     Identity             `yaml:"identity"`
}

// Options holds global settings.
type Options struct {
	LogLevel         string        `yaml:"log-level"`
	ConsistencyDelay Duration      `yaml:"consistency-delay"`
	Strict           bool          `yaml:"strict"`
	ChaosSeed        int64         `yaml:"chaos-seed"`
}

// Service is one service's enablement and port.
type Service struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Queue declares one queue.
type Queue struct {
	Name              string        `yaml:"name"`
	FIFO              bool          `yaml:"fifo"`
	ContentDedup      bool          `yaml:"content-dedup"`
	VisibilityTimeout Duration      `yaml:"visibility-timeout"`
	DelaySeconds      int           `yaml:"delay-seconds"`
	DeadLetterTarget  string        `yaml:"dead-letter-target"`
	MaxReceiveCount   int           `yaml:"max-receive-count"`
}

// KeyAttribute is one key attribute of a table.
type KeyAttribute struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Index declares a secondary index.
type Index struct {
	Name         string        `yaml:"name"`
	PartitionKey KeyAttribute  `yaml:"partition-key"`
	SortKey      *KeyAttribute `yaml:"sort-key"`
}

// Table declares one table.
type Table struct {
	Name         string        `yaml:"name"`
	PartitionKey KeyAttribute  `yaml:"partition-key"`
	SortKey      *KeyAttribute `yaml:"sort-key"`
	Indexes      []Index       `yaml:"indexes"`
	StreamView   string        `yaml:"stream-view"`
}

// Topic declares one topic and its subscriptions.
type Topic struct {
	Name          string         `yaml:"name"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// Subscription declares one topic subscription.
type Subscription struct {
	Protocol string `yaml:"protocol"`
	Endpoint string `yaml:"endpoint"`
	Filter   string `yaml:"filter"`
}

// Bus declares one event bus and its rules.
type Bus struct {
	Name  string `yaml:"name"`
	Rules []Rule `yaml:"rules"`
}

// Rule declares one event-bus rule.
type Rule struct {
	Name     string   `yaml:"name"`
	Pattern  string   `yaml:"pattern"`
	Schedule string   `yaml:"schedule"`
	Disabled bool     `yaml:"disabled"`
	Targets  []Target `yaml:"targets"`
}

// Target declares one rule target.
type Target struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Name  string `yaml:"name"`
	Input string `yaml:"input"`
}

// StateMachine declares one state machine.
type StateMachine struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Definition string `yaml:"definition"`
}

// Parameter declares one parameter-store entry.
type Parameter struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// Secret declares one secret.
type Secret struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Value       string `yaml:"value"`
}

// Function declares one compute function.
type Function struct {
	Name     string            `yaml:"name"`
	Runtime  string            `yaml:"runtime"`
	Handler  string            `yaml:"handler"`
	Timeout  Duration          `yaml:"timeout"`
	MemoryMB int               `yaml:"memory-mb"`
	Env      map[string]string `yaml:"env"`
}

// EventSourceMapping binds a queue, a table stream or a bucket to a
// function. Events, Prefix and Suffix narrow bucket mappings; the
// other kinds ignore them.
type EventSourceMapping struct {
	Kind      string   `yaml:"kind"`
	Source    string   `yaml:"source"`
	Function  string   `yaml:"function"`
	BatchSize int      `yaml:"batch-size"`
	Events    []string `yaml:"events"`
	Prefix    string   `yaml:"prefix"`
	Suffix    string   `yaml:"suffix"`
	Disabled  bool     `yaml:"disabled"`
}

// Identity holds the policy catalog and authorization settings.
type Identity struct {
	Mode            string                `yaml:"mode"`
	PrincipalHeader string                `yaml:"principal-header"`
	TokenSecret     string                `yaml:"token-secret"`
	TokenTTL        Duration              `yaml:"token-ttl"`
	Policies        map[string]string     `yaml:"policies"`
	Principals      []IdentityPrincipal   `yaml:"principals"`
	ResourcePolicy  map[string]string     `yaml:"resource-policies"`
}

// IdentityPrincipal declares one principal.
type IdentityPrincipal struct {
	Name     string   `yaml:"name"`
	Policies []string `yaml:"policies"`
	Boundary string   `yaml:"boundary"`
}

// Load reads and validates a configuration document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NotValidf("config: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &doc, nil
}

// Validate ensures the document is internally consistent.
func (d *Document) Validate() error {
	known := make(map[string]bool, len(Services))
	for _, name := range Services {
		known[name] = true
	}
	for name, svc := range d.Services {
		if !known[name] {
			return errors.NotValidf("unknown service %q", name)
		}
		if svc.Enabled && (svc.Port <= 0 || svc.Port > 65535) {
			return errors.NotValidf("service %q port %d", name, svc.Port)
		}
	}

	queues := make(map[string]bool)
	for _, q := range d.Queues {
		if q.Name == "" {
			return errors.NotValidf("queue with empty name")
		}
		if queues[q.Name] {
			return errors.NotValidf("duplicate queue %q", q.Name)
		}
		queues[q.Name] = true
	}
	for _, q := range d.Queues {
		if q.DeadLetterTarget != "" && !queues[q.DeadLetterTarget] {
			return errors.NotValidf("queue %q dead-letter target %q", q.Name, q.DeadLetterTarget)
		}
	}

	functions := make(map[string]bool)
	for _, fn := range d.Functions {
		if fn.Name == "" {
			return errors.NotValidf("function with empty name")
		}
		functions[fn.Name] = true
	}

	tables := make(map[string]bool)
	for _, t := range d.Tables {
		if t.Name == "" {
			return errors.NotValidf("table with empty name")
		}
		if t.PartitionKey.Name == "" {
			return errors.NotValidf("table %q without partition key", t.Name)
		}
		tables[t.Name] = true
	}

	buckets := make(map[string]bool, len(d.Buckets))
	for _, b := range d.Buckets {
		buckets[b] = true
	}

	for _, m := range d.EventSources {
		switch m.Kind {
		case "queue":
			if !queues[m.Source] {
				return errors.NotValidf("event source queue %q", m.Source)
			}
		case "table-stream":
			if !tables[m.Source] {
				return errors.NotValidf("event source table %q", m.Source)
			}
		case "bucket":
			if !buckets[m.Source] {
				return errors.NotValidf("event source bucket %q", m.Source)
			}
		default:
			return errors.NotValidf("event source kind %q", m.Kind)
		}
		if !functions[m.Function] {
			return errors.NotValidf("event source function %q", m.Function)
		}
	}

	for _, t := range d.Topics {
		for _, sub := range t.Subscriptions {
			switch sub.Protocol {
			case "queue":
				if !queues[sub.Endpoint] {
					return errors.NotValidf("subscription endpoint queue %q", sub.Endpoint)
				}
			case "compute":
				if !functions[sub.Endpoint] {
					return errors.NotValidf("subscription endpoint function %q", sub.Endpoint)
				}
			default:
				return errors.NotValidf("subscription protocol %q", sub.Protocol)
			}
		}
	}

	switch d.Identity.Mode {
	case "", "enforce", "audit":
	default:
		return errors.NotValidf("identity mode %q", d.Identity.Mode)
	}
	return nil
}

// ServiceEnabled reports whether a service is enabled, with its port.
func (d *Document) ServiceEnabled(name string) (int, bool) {
	svc, ok := d.Services[name]
	if !ok || !svc.Enabled {
		return 0, false
	}
	return svc.Port, true
}
