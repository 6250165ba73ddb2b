package pipeline

import (
	"errors"
	"strings"

	"github.com/zombor/dotscan/internal/scanning"
)

// ErrorKind is the single cause reported for a batch that produced nothing.
type ErrorKind string

const (
	ErrorCredentialRequired ErrorKind = "credential_required"
	ErrorNetwork            ErrorKind = "network"
	ErrorAnalysisFailed     ErrorKind = "analysis_failed"
	ErrorNoUsableResults    ErrorKind = "no_usable_results"
)

// Error is the user-facing failure of a batch. Message is short and always
// shown; Detail carries the underlying cause and is only shown on request.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Marker phrases for failures that reach us only as text.
var (
	credentialMarkers = []string{"api key", "api_key", "credential"}
	networkMarkers    = []string{"network", "failed to fetch", "connection", "no such host", "deadline exceeded", "timeout"}
)

func credentialRequired(cause error) *Error {
	e := &Error{
		Kind:    ErrorCredentialRequired,
		Message: "An API key is required. Enter your key to continue.",
		Cause:   cause,
	}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func networkError(cause error) *Error {
	e := &Error{
		Kind:    ErrorNetwork,
		Message: "Network error. Check your internet connection and try again.",
		Cause:   cause,
	}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func analysisFailed(cause error) *Error {
	return &Error{
		Kind:    ErrorAnalysisFailed,
		Message: "Analysis failed. Try again with clearer photos.",
		Detail:  cause.Error(),
		Cause:   cause,
	}
}

func noUsableResults() *Error {
	return &Error{
		Kind:    ErrorNoUsableResults,
		Message: "No recognizable codes found.",
		Detail:  "The photos may be blurry, the code may be too small in the frame, or the print may be worn or faint. Move closer and make sure the code is in focus.",
	}
}

// surfaceFailure picks the user-facing error for a failed extraction.
// Classified kinds win; free-text markers are the fallback for errors that
// did not come from a scanner. A panic is always an analysis failure.
func surfaceFailure(err error) *Error {
	if errors.Is(err, errScannerPanic) {
		return analysisFailed(err)
	}

	var scanErr *scanning.Error
	if errors.As(err, &scanErr) {
		switch scanErr.Kind {
		case scanning.KindMissingCredential, scanning.KindAuthRejected:
			return credentialRequired(err)
		case scanning.KindTransportFailure:
			return networkError(err)
		default:
			return analysisFailed(err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, credentialMarkers):
		return credentialRequired(err)
	case containsAny(msg, networkMarkers):
		return networkError(err)
	default:
		return analysisFailed(err)
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
