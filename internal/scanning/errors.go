package scanning

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies why an extraction failed.
type Kind string

const (
	KindMissingCredential Kind = "missing_credential"
	KindAuthRejected      Kind = "auth_rejected"
	KindModelUnavailable  Kind = "model_unavailable"
	KindRateLimited       Kind = "rate_limited"
	KindBadRequest        Kind = "bad_request"
	KindEmptyResponse     Kind = "empty_response"
	KindMalformedResponse Kind = "malformed_response"
	KindTransportFailure  Kind = "transport_failure"
)

// Error is a classified extraction failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of a classified error. Unclassified errors count as transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var scanErr *Error
	if errors.As(err, &scanErr) {
		return scanErr.Kind
	}
	return KindTransportFailure
}

// classifyStatus maps an HTTP status from the collaborator to an error kind.
func classifyStatus(code int, err error) *Error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return newError(KindAuthRejected, "API key was rejected", err)
	case http.StatusNotFound:
		return newError(KindModelUnavailable, "model is not available for this API key", err)
	case http.StatusTooManyRequests:
		return newError(KindRateLimited, "rate limit exceeded", err)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return newError(KindBadRequest, "request was rejected", err)
	default:
		return newError(KindTransportFailure, "calling collaborator", err)
	}
}

// classifyCode maps a gRPC status code to an error kind.
func classifyCode(code codes.Code, err error) *Error {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return classifyStatus(http.StatusUnauthorized, err)
	case codes.NotFound:
		return classifyStatus(http.StatusNotFound, err)
	case codes.ResourceExhausted:
		return classifyStatus(http.StatusTooManyRequests, err)
	case codes.InvalidArgument:
		return classifyStatus(http.StatusBadRequest, err)
	default:
		return newError(KindTransportFailure, "calling collaborator", err)
	}
}

// classifyCallError turns an error returned by a Google API client into a classified Error.
func classifyCallError(err error) *Error {
	var scanErr *Error
	if errors.As(err, &scanErr) {
		return scanErr
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}

	if st, ok := status.FromError(err); ok {
		return classifyCode(st.Code(), err)
	}

	return newError(KindTransportFailure, "calling collaborator", err)
}
