// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package middleware implements the per-service handler chain:
// request logging, operation mocking, identity authorization and
// chaos injection, in that order, with the management prefix
// bypassing everything but logging.
package middleware

import (
	"net/http"
	"strings"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("ldk.middleware")

// ManagementPrefix marks control-plane paths that skip mocking,
// authorization and chaos.
const ManagementPrefix = "/_ldk/"

// OpExtractor pulls the wire operation name from a request, already
// normalized to kebab-case. An empty result means the operation could
// not be determined; mock and auth steps then pass the request
// through.
type OpExtractor func(r *http.Request) string

// ErrorWriter renders an error in the service's native wire format.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Chain assembles the middleware stack for one service.
type Chain struct {
	Service    string
	Extract    OpExtractor
	WriteError ErrorWriter
	RequestLog *RequestLogger
	Mocks      *MockTable
	Auth       *Authorizer
	Chaos      *Injector
}

// Wrap returns handler wrapped in the configured chain. Nil stages
// are skipped.
func (c Chain) Wrap(handler http.Handler) http.Handler {
	wrapped := handler
	if c.Chaos != nil {
		wrapped = c.Chaos.Wrap(c.Service, c.WriteError, wrapped)
	}
	if c.Auth != nil {
		wrapped = c.Auth.Wrap(c.Service, c.Extract, c.WriteError, wrapped)
	}
	if c.Mocks != nil {
		wrapped = c.Mocks.Wrap(c.Service, c.Extract, wrapped)
	}
	bypassed := bypass(wrapped, handler)
	if c.RequestLog != nil {
		return c.RequestLog.Wrap(c.Service, c.Extract, bypassed)
	}
	return bypassed
}

// bypass routes management paths straight to the handler, skipping
// the mock, auth and chaos stages.
func bypass(wrapped, direct http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, ManagementPrefix) {
			direct.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}
