// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package statemachine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// pathField distinguishes an absent path (defaults to "$") from an
// explicit null (discard).
type pathField struct {
	set  bool
	null bool
	path string
}

func (p *pathField) UnmarshalJSON(data []byte) error {
	p.set = true
	if string(data) == "null" {
		p.null = true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Trace(err)
	}
	p.path = s
	return nil
}

// segments splits a path like $.a.b[2].c into its steps. The leading
// $ (or $$ for context paths) must already be stripped.
func segments(path string) ([]interface{}, error) {
	var out []interface{}
	rest := path
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end == -1 {
				end = len(rest)
			}
			if end == 0 {
				return nil, errors.NotValidf("path %q: empty segment", path)
			}
			out = append(out, rest[:end])
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end == -1 {
				return nil, errors.NotValidf("path %q: unclosed index", path)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, errors.NotValidf("path %q: index %q", path, rest[1:end])
			}
			out = append(out, idx)
			rest = rest[end+1:]
		default:
			return nil, errors.NotValidf("path %q", path)
		}
	}
	return out, nil
}

// getPath resolves a $-rooted path against data.
func getPath(data interface{}, path string) (interface{}, error) {
	if path == "" || path == "$" {
		return data, nil
	}
	if !strings.HasPrefix(path, "$") {
		return nil, errors.NotValidf("path %q", path)
	}
	segs, err := segments(path[1:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	cur := data
	for _, seg := range segs {
		switch s := seg.(type) {
		case string:
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, errors.NotFoundf("path %q", path)
			}
			cur, ok = m[s]
			if !ok {
				return nil, errors.NotFoundf("path %q", path)
			}
		case int:
			list, ok := cur.([]interface{})
			if !ok || s >= len(list) {
				return nil, errors.NotFoundf("path %q", path)
			}
			cur = list[s]
		}
	}
	return cur, nil
}

// hasPath reports whether the path resolves.
func hasPath(data interface{}, path string) bool {
	_, err := getPath(data, path)
	return err == nil
}

// setPath writes value into data at a $-rooted path, creating
// intermediate objects. "$" replaces data wholesale. Only object
// segments may be created; writing through a list index into a missing
// element is an error.
func setPath(data interface{}, path string, value interface{}) (interface{}, error) {
	if path == "" || path == "$" {
		return value, nil
	}
	if !strings.HasPrefix(path, "$") {
		return nil, errors.NotValidf("path %q", path)
	}
	segs, err := segments(path[1:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	root, ok := data.(map[string]interface{})
	if !ok {
		if data == nil {
			root = map[string]interface{}{}
		} else {
			return nil, errors.NotValidf("result path %q into non-object input", path)
		}
	}
	cur := root
	for i, seg := range segs {
		name, ok := seg.(string)
		if !ok {
			return nil, errors.NotValidf("result path %q: index segments", path)
		}
		if i == len(segs)-1 {
			cur[name] = value
			break
		}
		child, ok := cur[name].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			cur[name] = child
		}
		cur = child
	}
	return root, nil
}

// applyParameters builds a value from the template. Keys ending in .$
// resolve their string value as a path against input, or against the
// context object when the path starts with $$.
func applyParameters(template, input, context interface{}) (interface{}, error) {
	switch t := template.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for key, raw := range t {
			if stripped, ok := strings.CutSuffix(key, ".$"); ok {
				path, ok := raw.(string)
				if !ok {
					return nil, errors.NotValidf("parameter %q: path must be a string", key)
				}
				var resolved interface{}
				var err error
				if strings.HasPrefix(path, "$$") {
					resolved, err = getPath(context, path[1:])
				} else {
					resolved, err = getPath(input, path)
				}
				if err != nil {
					return nil, errors.Trace(err)
				}
				out[stripped] = resolved
				continue
			}
			child, err := applyParameters(raw, input, context)
			if err != nil {
				return nil, errors.Trace(err)
			}
			out[key] = child
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, raw := range t {
			child, err := applyParameters(raw, input, context)
			if err != nil {
				return nil, errors.Trace(err)
			}
			out[i] = child
		}
		return out, nil
	default:
		return template, nil
	}
}
