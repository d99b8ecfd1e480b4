// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/ldkerrors"
	"github.com/localdevkit/ldk/internal/wire"
)

// actionOp handles one form-encoded operation, returning the XML
// response body value.
type actionOp func(r *http.Request) (interface{}, error)

// actionMux routes form-encoded requests by their Action selector.
type actionMux struct {
	ops map[string]actionOp
}

func newActionMux() *actionMux {
	return &actionMux{ops: make(map[string]actionOp)}
}

func (m *actionMux) handle(op string, fn actionOp) {
	m.ops[op] = fn
}

func (m *actionMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action, err := wire.ParseAction(r)
	if err != nil {
		wire.WriteQueryError(w, ldkerrors.WithCode(
			errors.Trace(err), "MissingAction"))
		return
	}
	fn, ok := m.ops[action]
	if !ok {
		wire.WriteQueryError(w, ldkerrors.WithCode(
			errors.NotValidf("action %q", action), "InvalidAction"))
		return
	}
	resp, err := fn(r)
	if err != nil {
		wire.WriteQueryError(w, err)
		return
	}
	wire.WriteXML(w, resp)
}

// extractActionOp is the middleware operation extractor for
// form-encoded services.
func extractActionOp(r *http.Request) string {
	action, err := wire.ParseAction(r)
	if err != nil {
		return ""
	}
	return wire.KebabOp(action)
}
