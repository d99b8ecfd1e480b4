// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package middleware

import (
	"net/http"
	"strings"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/identity"
)

// DefaultPrincipalHeader names the caller when no token is presented.
const DefaultPrincipalHeader = "X-Ldk-Principal"

// ResourceFunc names the resource a request operates on, in the
// "<service>/<name>" form used by policy documents. A nil func (or an
// empty result) evaluates against "*".
type ResourceFunc func(r *http.Request) string

// Authorizer resolves the caller and evaluates the request through
// the identity engine.
type Authorizer struct {
	engine    *identity.Engine
	header    string
	resources map[string]ResourceFunc
}

// NewAuthorizer returns an authorizer over the identity engine.
// resources maps service name to its resource extractor; missing
// services evaluate against "*".
func NewAuthorizer(engine *identity.Engine, header string, resources map[string]ResourceFunc) *Authorizer {
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return &Authorizer{engine: engine, header: header, resources: resources}
}

// principal resolves the caller: a bearer token when presented, else
// the configured principal header.
func (a *Authorizer) principal(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		name, err := a.engine.VerifyToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return "", errors.Annotate(err, "verifying token")
		}
		return name, nil
	}
	return r.Header.Get(a.header), nil
}

// action converts a kebab-case operation back to the wire form used
// in policy actions: queue + receive-message = queue:ReceiveMessage.
func action(service, op string) string {
	var b strings.Builder
	upper := true
	for _, r := range op {
		if r == '-' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			b.WriteRune(r - 'a' + 'A')
			upper = false
			continue
		}
		upper = false
		b.WriteRune(r)
	}
	return service + ":" + b.String()
}

// Wrap evaluates each request and, in enforce mode, rejects denials
// in the service's native error format. Audit mode logs and proceeds.
func (a *Authorizer) Wrap(service string, extract OpExtractor, writeError ErrorWriter, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var op string
		if extract != nil {
			op = extract(r)
		}
		if op == "" {
			handler.ServeHTTP(w, r)
			return
		}
		caller, err := a.principal(r)
		if err != nil {
			a.reject(w, r, service, writeError, errors.Unauthorizedf("invalid credentials"))
			return
		}

		resource := "*"
		if fn := a.resources[service]; fn != nil {
			if res := fn(r); res != "" {
				resource = res
			}
		}
		decision := a.engine.Evaluate(caller, action(service, op), resource)
		if decision.Allowed {
			handler.ServeHTTP(w, r)
			return
		}
		if a.engine.Mode() == identity.ModeAudit {
			logger.Infof("audit: %s would deny %q %s on %s: %s",
				service, caller, action(service, op), resource, decision.Reason)
			handler.ServeHTTP(w, r)
			return
		}
		a.reject(w, r, service, writeError, errors.Forbiddenf("%s", decision.Reason))
	})
}

func (a *Authorizer) reject(w http.ResponseWriter, r *http.Request, service string, writeError ErrorWriter, err error) {
	logger.Debugf("%s denied: %v", service, err)
	if writeError != nil {
		writeError(w, r, err)
		return
	}
	http.Error(w, err.Error(), http.StatusForbidden)
}
