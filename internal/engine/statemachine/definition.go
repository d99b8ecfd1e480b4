// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package statemachine implements the workflow engine: definitions
// parse into a typed state graph and an executor walks the graph from
// StartAt applying the input-path, parameters, result-path and
// output-path filters at each state.
package statemachine

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("ldk.engine.statemachine")

// Definition is a parsed state-machine document.
type Definition struct {
	Comment        string            `json:"Comment"`
	StartAt        string            `json:"StartAt"`
	TimeoutSeconds int               `json:"TimeoutSeconds"`
	States         map[string]*State `json:"States"`
}

// Retrier is one entry in a Task's retry catalog.
type Retrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds float64  `json:"IntervalSeconds"`
	MaxAttempts     *int     `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
}

// Catcher routes an unretried failure to a recovery state.
type Catcher struct {
	ErrorEquals []string  `json:"ErrorEquals"`
	ResultPath  pathField `json:"ResultPath"`
	Next        string    `json:"Next"`
}

// State is one node of the graph. Which fields apply depends on Type.
type State struct {
	Type    string `json:"Type"`
	Comment string `json:"Comment"`
	Next    string `json:"Next"`
	End     bool   `json:"End"`

	InputPath  pathField              `json:"InputPath"`
	OutputPath pathField              `json:"OutputPath"`
	ResultPath pathField              `json:"ResultPath"`
	Parameters map[string]interface{} `json:"Parameters"`

	// Pass
	Result interface{} `json:"Result"`

	// Task
	Resource       string    `json:"Resource"`
	TimeoutSeconds int       `json:"TimeoutSeconds"`
	Retry          []Retrier `json:"Retry"`
	Catch          []Catcher `json:"Catch"`

	// Choice
	Choices []ChoiceRule `json:"Choices"`
	Default string       `json:"Default"`

	// Wait
	Seconds       *float64 `json:"Seconds"`
	SecondsPath   string   `json:"SecondsPath"`
	Timestamp     string   `json:"Timestamp"`
	TimestampPath string   `json:"TimestampPath"`

	// Parallel
	Branches []*Definition `json:"Branches"`

	// Map
	Iterator       *Definition `json:"Iterator"`
	ItemsPath      string      `json:"ItemsPath"`
	MaxConcurrency int         `json:"MaxConcurrency"`

	// Fail
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// ChoiceRule is one rule of a Choice state: either a combinator
// (And/Or/Not) or a comparison on a Variable path.
type ChoiceRule struct {
	And []ChoiceRule `json:"And"`
	Or  []ChoiceRule `json:"Or"`
	Not *ChoiceRule  `json:"Not"`

	Variable string `json:"Variable"`

	StringEquals             *string  `json:"StringEquals"`
	StringLessThan           *string  `json:"StringLessThan"`
	StringGreaterThan        *string  `json:"StringGreaterThan"`
	StringLessThanEquals     *string  `json:"StringLessThanEquals"`
	StringGreaterThanEquals  *string  `json:"StringGreaterThanEquals"`
	NumericEquals            *float64 `json:"NumericEquals"`
	NumericLessThan          *float64 `json:"NumericLessThan"`
	NumericGreaterThan       *float64 `json:"NumericGreaterThan"`
	NumericLessThanEquals    *float64 `json:"NumericLessThanEquals"`
	NumericGreaterThanEquals *float64 `json:"NumericGreaterThanEquals"`
	BooleanEquals            *bool    `json:"BooleanEquals"`
	IsPresent                *bool    `json:"IsPresent"`

	Next string `json:"Next"`
}

// ParseDefinition decodes and validates a state-machine document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Annotate(err, "parsing definition")
	}
	if err := def.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.StartAt == "" {
		return errors.NotValidf("definition: missing StartAt")
	}
	if len(d.States) == 0 {
		return errors.NotValidf("definition: no states")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return errors.NotValidf("StartAt %q: no such state", d.StartAt)
	}
	for name, st := range d.States {
		if err := st.validate(d, name); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *State) validate(d *Definition, name string) error {
	checkNext := func(next string) error {
		if next == "" {
			return nil
		}
		if _, ok := d.States[next]; !ok {
			return errors.NotValidf("state %q: transition to unknown state %q", name, next)
		}
		return nil
	}
	switch s.Type {
	case "Pass", "Task", "Wait", "Parallel", "Map":
		if s.Next == "" && !s.End {
			return errors.NotValidf("state %q: needs Next or End", name)
		}
		if err := checkNext(s.Next); err != nil {
			return errors.Trace(err)
		}
	case "Choice":
		if len(s.Choices) == 0 {
			return errors.NotValidf("state %q: Choice without Choices", name)
		}
		for _, rule := range s.Choices {
			if err := checkNext(rule.Next); err != nil {
				return errors.Trace(err)
			}
		}
		if err := checkNext(s.Default); err != nil {
			return errors.Trace(err)
		}
	case "Succeed", "Fail":
	default:
		return errors.NotValidf("state %q: type %q", name, s.Type)
	}
	if s.Type == "Task" && s.Resource == "" {
		return errors.NotValidf("state %q: Task without Resource", name)
	}
	if s.Type == "Parallel" && len(s.Branches) == 0 {
		return errors.NotValidf("state %q: Parallel without Branches", name)
	}
	if s.Type == "Map" && s.Iterator == nil {
		return errors.NotValidf("state %q: Map without Iterator", name)
	}
	for _, sub := range s.Branches {
		if err := sub.validate(); err != nil {
			return errors.Annotatef(err, "state %q branch", name)
		}
	}
	if s.Iterator != nil {
		if err := s.Iterator.validate(); err != nil {
			return errors.Annotatef(err, "state %q iterator", name)
		}
	}
	for _, catcher := range s.Catch {
		if err := checkNext(catcher.Next); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// match evaluates the rule against the state input.
func (r ChoiceRule) match(input interface{}) (bool, error) {
	switch {
	case len(r.And) > 0:
		for _, sub := range r.And {
			ok, err := sub.match(input)
			if err != nil || !ok {
				return false, errors.Trace(err)
			}
		}
		return true, nil
	case len(r.Or) > 0:
		for _, sub := range r.Or {
			ok, err := sub.match(input)
			if err != nil {
				return false, errors.Trace(err)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case r.Not != nil:
		ok, err := r.Not.match(input)
		return !ok, errors.Trace(err)
	}

	if r.IsPresent != nil {
		return hasPath(input, r.Variable) == *r.IsPresent, nil
	}
	value, err := getPath(input, r.Variable)
	if err != nil {
		// A missing variable matches nothing rather than failing the
		// execution.
		return false, nil
	}
	switch {
	case r.StringEquals != nil:
		s, ok := value.(string)
		return ok && s == *r.StringEquals, nil
	case r.StringLessThan != nil:
		s, ok := value.(string)
		return ok && s < *r.StringLessThan, nil
	case r.StringGreaterThan != nil:
		s, ok := value.(string)
		return ok && s > *r.StringGreaterThan, nil
	case r.StringLessThanEquals != nil:
		s, ok := value.(string)
		return ok && s <= *r.StringLessThanEquals, nil
	case r.StringGreaterThanEquals != nil:
		s, ok := value.(string)
		return ok && s >= *r.StringGreaterThanEquals, nil
	case r.NumericEquals != nil:
		n, ok := value.(float64)
		return ok && n == *r.NumericEquals, nil
	case r.NumericLessThan != nil:
		n, ok := value.(float64)
		return ok && n < *r.NumericLessThan, nil
	case r.NumericGreaterThan != nil:
		n, ok := value.(float64)
		return ok && n > *r.NumericGreaterThan, nil
	case r.NumericLessThanEquals != nil:
		n, ok := value.(float64)
		return ok && n <= *r.NumericLessThanEquals, nil
	case r.NumericGreaterThanEquals != nil:
		n, ok := value.(float64)
		return ok && n >= *r.NumericGreaterThanEquals, nil
	case r.BooleanEquals != nil:
		b, ok := value.(bool)
		return ok && b == *r.BooleanEquals, nil
	}
	return false, errors.NotValidf("choice rule on %q: no comparison", r.Variable)
}
