// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/ldkerrors"
	"github.com/localdevkit/ldk/internal/wire"
)

// targetOp handles one header-targeted JSON operation, returning the
// response body value.
type targetOp func(r *http.Request) (interface{}, error)

// targetMux routes header-targeted JSON requests by operation name.
type targetMux struct {
	prefix string
	ops    map[string]targetOp
}

func newTargetMux(prefix string) *targetMux {
	return &targetMux{
		prefix: prefix,
		ops:    make(map[string]targetOp),
	}
}

func (m *targetMux) handle(op string, fn targetOp) {
	m.ops[op] = fn
}

func (m *targetMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix, op, err := wire.ParseTarget(r.Header.Get(wire.TargetHeader))
	if err != nil {
		wire.WriteJSONError(w, ldkerrors.WithCode(
			errors.Trace(err), "MissingAction"))
		return
	}
	fn, ok := m.ops[op]
	if !ok || prefix != m.prefix {
		wire.WriteJSONError(w, ldkerrors.WithCode(
			errors.NotValidf("operation %s.%s", prefix, op), "UnknownOperationException"))
		return
	}
	resp, err := fn(r)
	if err != nil {
		wire.WriteJSONError(w, err)
		return
	}
	wire.WriteJSON(w, resp)
}

// extractTargetOp is the middleware operation extractor for
// header-targeted services.
func extractTargetOp(r *http.Request) string {
	_, op, err := wire.ParseTarget(r.Header.Get(wire.TargetHeader))
	if err != nil {
		return ""
	}
	return wire.KebabOp(op)
}
