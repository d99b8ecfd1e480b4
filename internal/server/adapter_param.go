// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/paramstore"
	"github.com/localdevkit/ldk/internal/wire"
)

// paramPrefix is the target-header prefix of the parameter store.
const paramPrefix = "AmazonSSM"

func renderParameter(p paramstore.Parameter) map[string]interface{} {
	return map[string]interface{}{
		"Name":             p.Name,
		"Type":             string(p.Type),
		"Value":            p.Value,
		"Version":          p.Version,
		"LastModifiedDate": epochSeconds(p.LastModified),
	}
}

// newParamAdapter wires the parameter store into the JSON target
// dialect.
func newParamAdapter(engine *paramstore.Engine) *targetMux {
	m := newTargetMux(paramPrefix)

	m.handle("PutParameter", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name      string `json:"Name"`
			Type      string `json:"Type"`
			Value     string `json:"Value"`
			Overwrite bool   `json:"Overwrite"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		typ := paramstore.Type(req.Type)
		if typ == "" {
			typ = paramstore.TypeString
		}
		version, err := engine.Put(req.Name, typ, req.Value, req.Overwrite)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{"Version": version}, nil
	})

	m.handle("GetParameter", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name    string `json:"Name"`
			Version int64  `json:"Version"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		param, err := engine.Get(req.Name, req.Version)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{"Parameter": renderParameter(param)}, nil
	})

	m.handle("GetParameterHistory", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name string `json:"Name"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		history, err := engine.History(req.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		params := make([]map[string]interface{}, len(history))
		for i, p := range history {
			params[i] = renderParameter(p)
		}
		return map[string]interface{}{"Parameters": params}, nil
	})

	m.handle("DeleteParameter", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name string `json:"Name"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Delete(req.Name); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("GetParametersByPath", func(r *http.Request) (interface{}, error) {
		var req struct {
			Path      string `json:"Path"`
			Recursive bool   `json:"Recursive"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if req.Path == "" {
			return nil, errors.NotValidf("missing Path")
		}
		found := engine.GetByPath(req.Path, req.Recursive)
		params := make([]map[string]interface{}, len(found))
		for i, p := range found {
			params[i] = renderParameter(p)
		}
		return map[string]interface{}{"Parameters": params}, nil
	})

	return m
}
