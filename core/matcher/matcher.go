// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package matcher implements the attribute-match trees shared by topic
// filter policies and event-bus rule patterns. A policy maps attribute
// names to lists of match specs; a pattern is the nested form of the
// same thing, keyed structurally by envelope fields.
package matcher

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

// Spec is a single match specification. Exactly one of the match
// modes is populated.
type Spec struct {
	exactString *string
	exactNumber *float64
	prefix      *string
	suffix      *string
	numeric     []numericClause
	anythingBut []string
	exists      *bool
}

type numericClause struct {
	op      string
	operand float64
}

// ParseSpec builds a Spec from a decoded JSON element of a spec list:
// a bare string or number is an exact match; an object selects one of
// the operator forms (prefix, suffix, numeric, anything-but, exists).
func ParseSpec(raw interface{}) (Spec, error) {
	switch v := raw.(type) {
	case string:
		return Spec{exactString: &v}, nil
	case float64:
		return Spec{exactNumber: &v}, nil
	case map[string]interface{}:
		if len(v) != 1 {
			return Spec{}, errors.NotValidf("match spec with %d operators", len(v))
		}
		for op, arg := range v {
			return parseOperator(op, arg)
		}
	}
	return Spec{}, errors.NotValidf("match spec %v", raw)
}

func parseOperator(op string, arg interface{}) (Spec, error) {
	switch op {
	case "prefix":
		s, ok := arg.(string)
		if !ok {
			return Spec{}, errors.NotValidf("prefix operand %v", arg)
		}
		return Spec{prefix: &s}, nil
	case "suffix":
		s, ok := arg.(string)
		if !ok {
			return Spec{}, errors.NotValidf("suffix operand %v", arg)
		}
		return Spec{suffix: &s}, nil
	case "numeric":
		list, ok := arg.([]interface{})
		if !ok || len(list)%2 != 0 || len(list) == 0 {
			return Spec{}, errors.NotValidf("numeric operand %v", arg)
		}
		var clauses []numericClause
		for i := 0; i < len(list); i += 2 {
			cmp, ok := list[i].(string)
			if !ok {
				return Spec{}, errors.NotValidf("numeric comparator %v", list[i])
			}
			switch cmp {
			case "=", "<", "<=", ">", ">=":
			default:
				return Spec{}, errors.NotValidf("numeric comparator %q", cmp)
			}
			operand, ok := list[i+1].(float64)
			if !ok {
				return Spec{}, errors.NotValidf("numeric operand %v", list[i+1])
			}
			clauses = append(clauses, numericClause{op: cmp, operand: operand})
		}
		return Spec{numeric: clauses}, nil
	case "anything-but":
		var values []string
		switch a := arg.(type) {
		case string:
			values = []string{a}
		case []interface{}:
			for _, e := range a {
				s, ok := e.(string)
				if !ok {
					return Spec{}, errors.NotValidf("anything-but element %v", e)
				}
				values = append(values, s)
			}
		default:
			return Spec{}, errors.NotValidf("anything-but operand %v", arg)
		}
		return Spec{anythingBut: values}, nil
	case "exists":
		b, ok := arg.(bool)
		if !ok {
			return Spec{}, errors.NotValidf("exists operand %v", arg)
		}
		return Spec{exists: &b}, nil
	}
	return Spec{}, errors.NotValidf("match operator %q", op)
}

// Match evaluates the spec against a single attribute value. present
// reports whether the attribute existed at all; a missing attribute
// only satisfies {"exists": false}.
func (s Spec) Match(value interface{}, present bool) bool {
	if s.exists != nil {
		return *s.exists == present
	}
	if !present {
		return false
	}
	// A list value matches if any element does.
	if list, ok := value.([]interface{}); ok {
		for _, e := range list {
			if s.matchScalar(e) {
				return true
			}
		}
		return false
	}
	return s.matchScalar(value)
}

func (s Spec) matchScalar(value interface{}) bool {
	switch {
	case s.exactString != nil:
		v, ok := value.(string)
		return ok && v == *s.exactString
	case s.exactNumber != nil:
		v, ok := value.(float64)
		return ok && v == *s.exactNumber
	case s.prefix != nil:
		v, ok := value.(string)
		return ok && strings.HasPrefix(v, *s.prefix)
	case s.suffix != nil:
		v, ok := value.(string)
		return ok && strings.HasSuffix(v, *s.suffix)
	case s.numeric != nil:
		v, ok := value.(float64)
		if !ok {
			return false
		}
		for _, c := range s.numeric {
			if !c.eval(v) {
				return false
			}
		}
		return true
	case s.anythingBut != nil:
		v, ok := value.(string)
		if !ok {
			return false
		}
		for _, excluded := range s.anythingBut {
			if v == excluded {
				return false
			}
		}
		return true
	}
	return false
}

func (c numericClause) eval(v float64) bool {
	switch c.op {
	case "=":
		return v == c.operand
	case "<":
		return v < c.operand
	case "<=":
		return v <= c.operand
	case ">":
		return v > c.operand
	case ">=":
		return v >= c.operand
	}
	return false
}

// SpecList is the list of alternatives for one attribute; the
// attribute matches when at least one spec does.
type SpecList []Spec

// Match evaluates the alternatives against one attribute value.
func (l SpecList) Match(value interface{}, present bool) bool {
	for _, s := range l {
		if s.Match(value, present) {
			return true
		}
	}
	return false
}

// ParseSpecList decodes a JSON array of spec elements.
func ParseSpecList(raw []interface{}) (SpecList, error) {
	if len(raw) == 0 {
		return nil, errors.NotValidf("empty match spec list")
	}
	out := make(SpecList, 0, len(raw))
	for _, e := range raw {
		s, err := ParseSpec(e)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Policy is a flat attribute-name to spec-list mapping, as used by
// topic subscription filter policies. A policy with no attributes
// matches everything.
type Policy map[string]SpecList

// ParsePolicy decodes a filter policy from its JSON text.
func ParsePolicy(data []byte) (Policy, error) {
	if len(data) == 0 {
		return Policy{}, nil
	}
	var raw map[string][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "parsing filter policy")
	}
	p := make(Policy, len(raw))
	for name, list := range raw {
		specs, err := ParseSpecList(list)
		if err != nil {
			return nil, errors.Annotatef(err, "attribute %q", name)
		}
		p[name] = specs
	}
	return p, nil
}

// Match evaluates the policy against a set of attribute values. Every
// policy attribute must be satisfied by the corresponding value.
func (p Policy) Match(attrs map[string]interface{}) bool {
	for name, specs := range p {
		value, present := attrs[name]
		if !specs.Match(value, present) {
			return false
		}
	}
	return true
}

// Pattern is the nested structural form used by event-bus rules: at
// each leaf a list of specs, interior nodes mirror the envelope shape.
type Pattern map[string]interface{}

// ParsePattern decodes an event pattern from its JSON text. An empty
// document yields a nil pattern, which matches nothing (rules with no
// pattern are schedule-only).
func ParsePattern(data []byte) (Pattern, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "parsing event pattern")
	}
	if err := validatePatternNode(raw); err != nil {
		return nil, errors.Trace(err)
	}
	return Pattern(raw), nil
}

func validatePatternNode(node map[string]interface{}) error {
	for key, sub := range node {
		switch v := sub.(type) {
		case map[string]interface{}:
			if err := validatePatternNode(v); err != nil {
				return errors.Trace(err)
			}
		case []interface{}:
			if _, err := ParseSpecList(v); err != nil {
				return errors.Annotatef(err, "pattern key %q", key)
			}
		default:
			return errors.NotValidf("pattern key %q: value %v", key, sub)
		}
	}
	return nil
}

// Match evaluates the pattern against a decoded event envelope. The
// envelope must have the same structural shape and every leaf spec
// list must be satisfied.
func (p Pattern) Match(event map[string]interface{}) bool {
	if p == nil {
		return false
	}
	return matchNode(p, event)
}

func matchNode(pattern map[string]interface{}, event map[string]interface{}) bool {
	for key, sub := range pattern {
		value, present := event[key]
		switch node := sub.(type) {
		case map[string]interface{}:
			child, ok := value.(map[string]interface{})
			if !present || !ok {
				return false
			}
			if !matchNode(node, child) {
				return false
			}
		case []interface{}:
			specs, err := ParseSpecList(node)
			if err != nil {
				return false
			}
			if !specs.Match(value, present) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
