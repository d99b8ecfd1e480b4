// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ldkerrors defines the engine-level error taxonomy and the
// central table translating engine errors to wire codes and HTTP
// statuses. Engines return errors matched with errors.Is; protocol
// adapters never inspect error strings.
package ldkerrors

import (
	"net/http"

	"github.com/juju/errors"
)

const (
	// ConditionFailed indicates a conditional write predicate
	// evaluated false.
	ConditionFailed = errors.ConstError("condition failed")

	// Internal indicates an unexpected engine fault.
	Internal = errors.ConstError("internal error")
)

// ConditionFailedf returns an error satisfying
// errors.Is(err, ConditionFailed).
func ConditionFailedf(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), ConditionFailed)
}

// Internalf returns an error satisfying errors.Is(err, Internal).
func Internalf(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), Internal)
}

// Kind is the engine-level classification of an error, independent of
// the wire dialect it is eventually reported in.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindValidation
	KindConditionFailed
	KindThrottled
	KindPermissionDenied
	KindTimeout
)

// KindOf classifies err. Unrecognized errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, errors.NotFound):
		return KindNotFound
	case errors.Is(err, errors.AlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		return KindValidation
	case errors.Is(err, ConditionFailed):
		return KindConditionFailed
	case errors.Is(err, errors.QuotaLimitExceeded):
		return KindThrottled
	case errors.Is(err, errors.Forbidden), errors.Is(err, errors.Unauthorized):
		return KindPermissionDenied
	case errors.Is(err, errors.Timeout):
		return KindTimeout
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code reported for errors of the
// given kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusBadRequest
	case KindAlreadyExists:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusBadRequest
	case KindConditionFailed:
		return http.StatusBadRequest
	case KindThrottled:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// DefaultCode returns the generic wire code for a kind, used by
// adapters whose dialect has no more specific code for the error.
func DefaultCode(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "ResourceNotFoundException"
	case KindAlreadyExists:
		return "ResourceAlreadyExistsException"
	case KindValidation:
		return "ValidationException"
	case KindConditionFailed:
		return "ConditionalCheckFailedException"
	case KindThrottled:
		return "ThrottlingException"
	case KindPermissionDenied:
		return "AccessDeniedException"
	case KindTimeout:
		return "RequestTimeout"
	}
	return "InternalFailure"
}

type codedError struct {
	error
	code string
}

func (e *codedError) Unwrap() error {
	return e.error
}

// WithCode attaches an explicit wire code to err, overriding the
// kind's default when the adapter renders it.
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &codedError{error: err, code: code}
}

// Code returns the wire code for err: the explicitly attached code if
// any, else the default for the error's kind.
func Code(err error) string {
	var c *codedError
	if errors.As(err, &c) {
		return c.code
	}
	return DefaultCode(KindOf(err))
}
