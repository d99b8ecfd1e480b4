// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package value models typed table attribute values. On the wire a
// value is a single-entry JSON object whose key names the type, e.g.
// {"S":"abc"}, {"N":"42"}, {"BOOL":true}, {"L":[...]}, {"M":{...}}.
package value

import (
	"bytes"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/juju/errors"
)

// Value is a typed attribute value. Exactly one of the fields is set;
// Null is the explicit null type, not the absence of a value.
type Value struct {
	S    *string
	N    *string
	B    []byte
	Bool *bool
	Null bool
	L    []Value
	M    map[string]Value
	SS   []string
	NS   []string
}

// Item is an attribute-name to value mapping.
type Item map[string]Value

// String returns a string value.
func String(s string) Value {
	return Value{S: &s}
}

// Number returns a number value; numbers travel as strings.
func Number(n string) Value {
	return Value{N: &n}
}

// Boolean returns a boolean value.
func Boolean(b bool) Value {
	return Value{Bool: &b}
}

// NullValue returns the explicit null value.
func NullValue() Value {
	return Value{Null: true}
}

// List returns a list value.
func List(vs ...Value) Value {
	return Value{L: vs}
}

// Map returns a map value.
func Map(m map[string]Value) Value {
	return Value{M: m}
}

// IsZero reports whether v carries no type at all.
func (v Value) IsZero() bool {
	return v.S == nil && v.N == nil && v.B == nil && v.Bool == nil &&
		!v.Null && v.L == nil && v.M == nil && v.SS == nil && v.NS == nil
}

// TypeName returns the wire name of the value's type.
func (v Value) TypeName() string {
	switch {
	case v.S != nil:
		return "S"
	case v.N != nil:
		return "N"
	case v.B != nil:
		return "B"
	case v.Bool != nil:
		return "BOOL"
	case v.Null:
		return "NULL"
	case v.L != nil:
		return "L"
	case v.M != nil:
		return "M"
	case v.SS != nil:
		return "SS"
	case v.NS != nil:
		return "NS"
	}
	return ""
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.S != nil:
		return json.Marshal(map[string]string{"S": *v.S})
	case v.N != nil:
		return json.Marshal(map[string]string{"N": *v.N})
	case v.B != nil:
		return json.Marshal(map[string][]byte{"B": v.B})
	case v.Bool != nil:
		return json.Marshal(map[string]bool{"BOOL": *v.Bool})
	case v.Null:
		return json.Marshal(map[string]bool{"NULL": true})
	case v.L != nil:
		return json.Marshal(map[string][]Value{"L": v.L})
	case v.M != nil:
		return json.Marshal(map[string]map[string]Value{"M": v.M})
	case v.SS != nil:
		return json.Marshal(map[string][]string{"SS": v.SS})
	case v.NS != nil:
		return json.Marshal(map[string][]string{"NS": v.NS})
	}
	return nil, errors.NotValidf("value with no type")
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Trace(err)
	}
	if len(raw) != 1 {
		return errors.NotValidf("attribute value with %d type keys", len(raw))
	}
	for typ, body := range raw {
		switch typ {
		case "S":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return errors.Trace(err)
			}
			v.S = &s
		case "N":
			var n string
			if err := json.Unmarshal(body, &n); err != nil {
				return errors.Trace(err)
			}
			v.N = &n
		case "B":
			if err := json.Unmarshal(body, &v.B); err != nil {
				return errors.Trace(err)
			}
		case "BOOL":
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return errors.Trace(err)
			}
			v.Bool = &b
		case "NULL":
			v.Null = true
		case "L":
			if err := json.Unmarshal(body, &v.L); err != nil {
				return errors.Trace(err)
			}
			if v.L == nil {
				v.L = []Value{}
			}
		case "M":
			if err := json.Unmarshal(body, &v.M); err != nil {
				return errors.Trace(err)
			}
			if v.M == nil {
				v.M = map[string]Value{}
			}
		case "SS":
			if err := json.Unmarshal(body, &v.SS); err != nil {
				return errors.Trace(err)
			}
		case "NS":
			if err := json.Unmarshal(body, &v.NS); err != nil {
				return errors.Trace(err)
			}
		default:
			return errors.NotValidf("attribute type %q", typ)
		}
	}
	return nil
}

// Equal reports deep equality. Numbers compare numerically, so
// {"N":"1.0"} equals {"N":"1"}.
func (v Value) Equal(o Value) bool {
	if v.TypeName() != o.TypeName() {
		return false
	}
	switch {
	case v.S != nil:
		return *v.S == *o.S
	case v.N != nil:
		c, err := compareNumbers(*v.N, *o.N)
		return err == nil && c == 0
	case v.B != nil:
		return bytes.Equal(v.B, o.B)
	case v.Bool != nil:
		return *v.Bool == *o.Bool
	case v.Null:
		return true
	case v.L != nil:
		if len(v.L) != len(o.L) {
			return false
		}
		for i := range v.L {
			if !v.L[i].Equal(o.L[i]) {
				return false
			}
		}
		return true
	case v.M != nil:
		if len(v.M) != len(o.M) {
			return false
		}
		for k, vv := range v.M {
			ov, ok := o.M[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	case v.SS != nil:
		return stringSetEqual(v.SS, o.SS)
	case v.NS != nil:
		return stringSetEqual(v.NS, o.NS)
	}
	return false
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Compare orders two values of the same scalar type: -1, 0 or 1.
// Strings and binary compare lexicographically, numbers numerically.
func (v Value) Compare(o Value) (int, error) {
	if v.TypeName() != o.TypeName() {
		return 0, errors.NotValidf("comparing %s with %s", v.TypeName(), o.TypeName())
	}
	switch {
	case v.S != nil:
		return bytes.Compare([]byte(*v.S), []byte(*o.S)), nil
	case v.N != nil:
		return compareNumbers(*v.N, *o.N)
	case v.B != nil:
		return bytes.Compare(v.B, o.B), nil
	}
	return 0, errors.NotValidf("ordering values of type %s", v.TypeName())
}

func compareNumbers(a, b string) (int, error) {
	fa, ok := new(big.Float).SetString(a)
	if !ok {
		return 0, errors.NotValidf("number %q", a)
	}
	fb, ok := new(big.Float).SetString(b)
	if !ok {
		return 0, errors.NotValidf("number %q", b)
	}
	return fa.Cmp(fb), nil
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	out := v
	if v.S != nil {
		s := *v.S
		out.S = &s
	}
	if v.N != nil {
		n := *v.N
		out.N = &n
	}
	if v.B != nil {
		out.B = append([]byte(nil), v.B...)
	}
	if v.Bool != nil {
		b := *v.Bool
		out.Bool = &b
	}
	if v.L != nil {
		out.L = make([]Value, len(v.L))
		for i := range v.L {
			out.L[i] = v.L[i].Clone()
		}
	}
	if v.M != nil {
		out.M = make(map[string]Value, len(v.M))
		for k, vv := range v.M {
			out.M[k] = vv.Clone()
		}
	}
	if v.SS != nil {
		out.SS = append([]string(nil), v.SS...)
	}
	if v.NS != nil {
		out.NS = append([]string(nil), v.NS...)
	}
	return out
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports deep equality of two items.
func (it Item) Equal(o Item) bool {
	if len(it) != len(o) {
		return false
	}
	for k, v := range it {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
