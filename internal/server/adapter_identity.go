// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"encoding/xml"
	"net/http"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/identity"
	"github.com/localdevkit/ldk/internal/wire"
)

// identityPrefix is the target-header prefix of the identity service.
const identityPrefix = "LdkIdentity"

type getTokenResponse struct {
	XMLName   xml.Name         `xml:"GetTokenResponse"`
	Token     string           `xml:"GetTokenResult>Token"`
	Principal string           `xml:"GetTokenResult>Principal"`
	Metadata  responseMetadata `xml:"ResponseMetadata"`
}

// newIdentityAdapter wires the identity engine into the JSON target
// dialect, with the token endpoint speaking the form-encoded XML
// dialect on the same handler.
func newIdentityAdapter(engine *identity.Engine) http.Handler {
	targets := newTargetMux(identityPrefix)

	targets.handle("PutPolicy", func(r *http.Request) (interface{}, error) {
		var req struct {
			PolicyName     string `json:"PolicyName"`
			PolicyDocument string `json:"PolicyDocument"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		var doc identity.PolicyDocument
		if err := json.Unmarshal([]byte(req.PolicyDocument), &doc); err != nil {
			return nil, errors.NotValidf("policy document: %v", err)
		}
		if err := engine.PutPolicy(req.PolicyName, doc); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	targets.handle("PutPrincipal", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name     string   `json:"Name"`
			Policies []string `json:"Policies"`
			Boundary string   `json:"Boundary"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		err := engine.PutPrincipal(identity.Principal{
			Name:     req.Name,
			Policies: req.Policies,
			Boundary: req.Boundary,
		})
		return map[string]interface{}{}, errors.Trace(err)
	})

	targets.handle("GetPrincipal", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name string `json:"Name"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		principal, err := engine.Principal(req.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"Name":     principal.Name,
			"Policies": principal.Policies,
			"Boundary": principal.Boundary,
		}, nil
	})

	targets.handle("PutResourcePolicy", func(r *http.Request) (interface{}, error) {
		var req struct {
			Resource       string `json:"Resource"`
			PolicyDocument string `json:"PolicyDocument"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		var doc identity.PolicyDocument
		if err := json.Unmarshal([]byte(req.PolicyDocument), &doc); err != nil {
			return nil, errors.NotValidf("policy document: %v", err)
		}
		if err := engine.PutResourcePolicy(req.Resource, doc); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	targets.handle("Evaluate", func(r *http.Request) (interface{}, error) {
		var req struct {
			Principal string `json:"Principal"`
			Action    string `json:"Action"`
			Resource  string `json:"Resource"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		decision := engine.Evaluate(req.Principal, req.Action, req.Resource)
		return map[string]interface{}{
			"Allowed": decision.Allowed,
			"Reason":  decision.Reason,
		}, nil
	})

	// Token issuance speaks the form-encoded dialect; everything else
	// is header-targeted. The Action form field disambiguates.
	actions := newActionMux()
	actions.handle("GetToken", func(r *http.Request) (interface{}, error) {
		principal := r.Form.Get("Principal")
		if principal == "" {
			return nil, errors.NotValidf("missing Principal")
		}
		token, err := engine.IssueToken(principal)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return getTokenResponse{
			Token:     token,
			Principal: principal,
			Metadata:  newResponseMetadata(),
		}, nil
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(wire.TargetHeader) != "" {
			targets.ServeHTTP(w, r)
			return
		}
		actions.ServeHTTP(w, r)
	})
}

// extractIdentityOp handles the service's split dialect.
func extractIdentityOp(r *http.Request) string {
	if r.Header.Get(wire.TargetHeader) != "" {
		return extractTargetOp(r)
	}
	return extractActionOp(r)
}
