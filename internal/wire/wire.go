// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire implements the three service dialects: header-targeted
// JSON, form-encoded Action with XML envelopes, and REST-over-path.
// Adapters in internal/server decode with these codecs and render
// engine errors through the central ldkerrors table.
package wire

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/localdevkit/ldk/core/ldkerrors"
)

var logger = loggo.GetLogger("ldk.wire")

// JSON content types accepted on header-targeted services. Responses
// echo the 1.0 variant; clients accept either.
const (
	ContentJSON10 = "application/x-amz-json-1.0"
	ContentJSON11 = "application/x-amz-json-1.1"
)

// TargetHeader carries "Prefix.OperationName" on JSON services.
const TargetHeader = "X-Amz-Target"

// ParseTarget splits a target header value into its service prefix and
// operation name.
func ParseTarget(value string) (prefix, op string, err error) {
	i := strings.LastIndex(value, ".")
	if value == "" || i <= 0 || i == len(value)-1 {
		return "", "", errors.NotValidf("target %q", value)
	}
	return value[:i], value[i+1:], nil
}

// DecodeJSON unmarshals a JSON request body into v.
func DecodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return errors.NotValidf("request body: %v", err)
	}
	return nil
}

// WriteJSON renders v as the JSON response body.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", ContentJSON10)
	w.WriteHeader(http.StatusOK)
	if v == nil {
		w.Write([]byte("{}"))
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

// jsonError is the JSON-dialect error envelope.
type jsonError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// WriteJSONError renders err in the JSON error format with the status
// from the central table.
func WriteJSONError(w http.ResponseWriter, err error) {
	kind := ldkerrors.KindOf(err)
	w.Header().Set("Content-Type", ContentJSON10)
	w.WriteHeader(ldkerrors.HTTPStatus(kind))
	body := jsonError{
		Type:    ldkerrors.Code(err),
		Message: err.Error(),
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		logger.Errorf("encoding error response: %v", encErr)
	}
}

// KebabOp converts a wire operation name (GetQueueUrl, PutItem) to the
// kebab-case form used by mock rules and authorization mapping
// (get-queue-url, put-item). Consecutive capitals stay one word:
// GetQueueURL becomes get-queue-url.
func KebabOp(op string) string {
	var b strings.Builder
	runes := []rune(op)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			boundary := i > 0 &&
				(runes[i-1] < 'A' || runes[i-1] > 'Z' ||
					(i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'))
			if boundary {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
