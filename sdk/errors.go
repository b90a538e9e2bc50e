// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-msgpack/codec"
)

// ErrorKind classifies an Error so transport layers can derive an HTTP status
// and a wire code without inspecting the message.
type ErrorKind int

const (
	ErrorKindInternal ErrorKind = iota
	ErrorKindNotFound
	ErrorKindValidation
	ErrorKindUnauthorized
	ErrorKindForbidden
	ErrorKindRateLimited
	ErrorKindBodyTooLarge
	ErrorKindDeadlineExceeded
	ErrorKindWorkerFailed
	ErrorKindUnavailable
)

// Error is the common carrier for all request-scoped failures. Code is an
// opaque uppercase identifier which is stable across releases; Message is
// human readable and may change.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Data    map[string]interface{}
}

func (e *Error) Error() string { return e.Message }

// NewError returns an Error of the given kind carrying the default code for
// that kind unless overridden later via WithCode.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Code:    defaultCode(kind),
		Message: fmt.Sprintf(format, args...),
	}
}

// WithCode overrides the default code of the error kind.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithData attaches structured data which is serialized into the error
// response body.
func (e *Error) WithData(data map[string]interface{}) *Error {
	e.Data = data
	return e
}

func defaultCode(kind ErrorKind) string {
	switch kind {
	case ErrorKindNotFound:
		return "NOT_FOUND"
	case ErrorKindValidation:
		return "VALIDATION_ERROR"
	case ErrorKindUnauthorized:
		return "AUTH_REQUIRED"
	case ErrorKindForbidden:
		return "FORBIDDEN"
	case ErrorKindRateLimited:
		return "RATE_LIMITED"
	case ErrorKindBodyTooLarge:
		return "BODY_TOO_LARGE"
	case ErrorKindDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case ErrorKindWorkerFailed:
		return "WORKER_FAILED"
	case ErrorKindUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// HTTPStatus maps an error kind onto the HTTP status code used when the error
// is written as a response.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindValidation:
		return http.StatusBadRequest
	case ErrorKindUnauthorized:
		return http.StatusUnauthorized
	case ErrorKindForbidden:
		return http.StatusForbidden
	case ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case ErrorKindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorKindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case ErrorKindWorkerFailed:
		return http.StatusBadGateway
	case ErrorKindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the wire shape of every error body emitted by the agent.
type errorResponse struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// WriteError renders err as the canonical JSON error envelope. Errors which
// are not *Error are wrapped as internal errors so callers never leak raw
// error strings with a 200 status.
func WriteError(w http.ResponseWriter, err error) {
	var sdkErr *Error
	if !errors.As(err, &sdkErr) {
		sdkErr = NewError(ErrorKindInternal, "internal server error")
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.JsonHandle{HTMLCharsAsIs: true})
	encErr := enc.Encode(errorResponse{
		Success: false,
		Code:    sdkErr.Code,
		Message: sdkErr.Message,
		Data:    sdkErr.Data,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(sdkErr.HTTPStatus())
	if encErr == nil {
		_, _ = w.Write(buf.Bytes())
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var sdkErr *Error
	return errors.As(err, &sdkErr) && sdkErr.Kind == kind
}
