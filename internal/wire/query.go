// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/ldkerrors"
)

// ParseAction reads the Action selector from a form-encoded or
// query-param request, leaving the parsed values on the request.
func ParseAction(r *http.Request) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", errors.NotValidf("request form: %v", err)
	}
	action := r.Form.Get("Action")
	if action == "" {
		return "", errors.NotValidf("missing Action")
	}
	return action, nil
}

// NumberedEntries decodes "Prefix.N.Key" form values into per-index
// key/value maps, ordered by index. Both the "entry" style
// (MessageAttributes.entry.1.Name) and the bare style (Attribute.1.Name)
// work; pass the full prefix up to the index.
func NumberedEntries(values url.Values, prefix string) []map[string]string {
	byIndex := make(map[int]map[string]string)
	for key, vals := range values {
		if !strings.HasPrefix(key, prefix+".") || len(vals) == 0 {
			continue
		}
		rest := key[len(prefix)+1:]
		dot := strings.Index(rest, ".")
		if dot <= 0 {
			continue
		}
		index, err := strconv.Atoi(rest[:dot])
		if err != nil {
			continue
		}
		entry, ok := byIndex[index]
		if !ok {
			entry = make(map[string]string)
			byIndex[index] = entry
		}
		entry[rest[dot+1:]] = vals[0]
	}
	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]map[string]string, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, byIndex[i])
	}
	return out
}

// WriteXML renders v as an XML response body.
func WriteXML(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

// queryError is the identity-dialect XML error envelope.
type queryError struct {
	XMLName   xml.Name `xml:"ErrorResponse"`
	Type      string   `xml:"Error>Type"`
	Code      string   `xml:"Error>Code"`
	Message   string   `xml:"Error>Message"`
	RequestID string   `xml:"RequestId"`
}

// WriteQueryError renders err in the ErrorResponse XML format used by
// form-encoded services.
func WriteQueryError(w http.ResponseWriter, err error) {
	kind := ldkerrors.KindOf(err)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(ldkerrors.HTTPStatus(kind))
	w.Write([]byte(xml.Header))
	body := queryError{
		Type:      "Sender",
		Code:      ldkerrors.Code(err),
		Message:   err.Error(),
		RequestID: uuid.New().String(),
	}
	if encErr := xml.NewEncoder(w).Encode(body); encErr != nil {
		logger.Errorf("encoding error response: %v", encErr)
	}
}

// bucketError is the bucket-dialect XML error envelope.
type bucketError struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

// WriteBucketError renders err in the flat Error XML format used by
// the object store, naming the resource path it concerns.
func WriteBucketError(w http.ResponseWriter, resource string, err error) {
	kind := ldkerrors.KindOf(err)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(bucketStatus(kind))
	w.Write([]byte(xml.Header))
	body := bucketError{
		Code:      bucketCode(kind, err),
		Message:   err.Error(),
		Resource:  resource,
		RequestID: uuid.New().String(),
	}
	if encErr := xml.NewEncoder(w).Encode(body); encErr != nil {
		logger.Errorf("encoding error response: %v", encErr)
	}
}

// bucketStatus deviates from the central table where the object-store
// dialect does: absent resources are 404, conflicting creates 409.
func bucketStatus(kind ldkerrors.Kind) int {
	switch kind {
	case ldkerrors.KindNotFound:
		return http.StatusNotFound
	case ldkerrors.KindAlreadyExists, ldkerrors.KindConditionFailed:
		return http.StatusConflict
	}
	return ldkerrors.HTTPStatus(kind)
}

func bucketCode(kind ldkerrors.Kind, err error) string {
	// An explicitly attached code wins; otherwise map the kind to the
	// dialect's code set.
	if code := ldkerrors.Code(err); code != ldkerrors.DefaultCode(kind) {
		return code
	}
	switch kind {
	case ldkerrors.KindNotFound:
		return "NoSuchKey"
	case ldkerrors.KindAlreadyExists:
		return "BucketAlreadyExists"
	case ldkerrors.KindConditionFailed:
		return "BucketNotEmpty"
	case ldkerrors.KindPermissionDenied:
		return "AccessDenied"
	}
	return ldkerrors.Code(err)
}
