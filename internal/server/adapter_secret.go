// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/secretstore"
	"github.com/localdevkit/ldk/internal/wire"
)

// secretPrefix is the target-header prefix of the secret store.
const secretPrefix = "secretsmanager"

// newSecretAdapter wires the secret store into the JSON target
// dialect.
func newSecretAdapter(engine *secretstore.Engine) *targetMux {
	m := newTargetMux(secretPrefix)

	m.handle("CreateSecret", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name         string `json:"Name"`
			Description  string `json:"Description"`
			SecretString string `json:"SecretString"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		secret, err := engine.Create(req.Name, req.Description, req.SecretString)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]string{
			"ARN":  secret.ARN,
			"Name": secret.Name,
		}, nil
	})

	m.handle("GetSecretValue", func(r *http.Request) (interface{}, error) {
		var req struct {
			SecretID     string `json:"SecretId"`
			VersionID    string `json:"VersionId"`
			VersionStage string `json:"VersionStage"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		version, err := engine.GetValue(req.SecretID, req.VersionID, req.VersionStage)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"Name":          req.SecretID,
			"SecretString":  version.Value,
			"VersionId":     version.ID,
			"VersionStages": version.Stages,
			"CreatedDate":   epochSeconds(version.CreatedAt),
		}, nil
	})

	m.handle("PutSecretValue", func(r *http.Request) (interface{}, error) {
		var req struct {
			SecretID     string `json:"SecretId"`
			SecretString string `json:"SecretString"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		versionID, err := engine.PutValue(req.SecretID, req.SecretString)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"Name":          req.SecretID,
			"VersionId":     versionID,
			"VersionStages": []string{secretstore.StageCurrent},
		}, nil
	})

	m.handle("DescribeSecret", func(r *http.Request) (interface{}, error) {
		var req struct {
			SecretID string `json:"SecretId"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		secret, err := engine.Describe(req.SecretID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"ARN":         secret.ARN,
			"Name":        secret.Name,
			"Description": secret.Description,
			"CreatedDate": epochSeconds(secret.CreatedAt),
		}, nil
	})

	m.handle("DeleteSecret", func(r *http.Request) (interface{}, error) {
		var req struct {
			SecretID string `json:"SecretId"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Delete(req.SecretID); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]string{"Name": req.SecretID}, nil
	})

	m.handle("ListSecrets", func(r *http.Request) (interface{}, error) {
		secrets := engine.List()
		members := make([]map[string]interface{}, len(secrets))
		for i, secret := range secrets {
			members[i] = map[string]interface{}{
				"ARN":         secret.ARN,
				"Name":        secret.Name,
				"Description": secret.Description,
				"CreatedDate": epochSeconds(secret.CreatedAt),
			}
		}
		return map[string]interface{}{"SecretList": members}, nil
	})

	return m
}

// epochSeconds renders a timestamp the way the JSON dialect carries
// dates: seconds since the epoch, fractional part preserved.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
