package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

var (
	ErrUnknownSource       = errors.New("unknown source")
	ErrDuplicateSource     = errors.New("duplicate source")
	ErrRegistrySealed      = errors.New("registry is sealed")
	ErrNetwork             = errors.New("network error")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrUnsupportedDataType = models.ErrUnsupportedDataType
	ErrNotCataloger        = errors.New("source does not expose a fund catalog")
)

// SourceError is the structured error returned by adapters and fetchers.
type SourceError struct {
	Kind       models.ErrorKind
	Source     string
	URL        string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *SourceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	prefix := string(e.Kind)
	if e.Source != "" {
		prefix = e.Source + " " + prefix
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", prefix, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind so callers can use
// errors.Is(err, ErrNetwork) regardless of the underlying cause.
func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == models.ErrorKindNetwork
	case ErrMalformedResponse:
		return e.Kind == models.ErrorKindMalformedResponse
	case ErrUnsupportedDataType:
		return e.Kind == models.ErrorKindUnsupportedDataType
	}
	return false
}

// NewNetworkError wraps a transport failure. Transport failures are retryable.
func NewNetworkError(url string, cause error) *SourceError {
	return &SourceError{
		Kind:      models.ErrorKindNetwork,
		URL:       url,
		Retryable: true,
		Message:   "request failed",
		Err:       cause,
	}
}

// NewTimeoutError marks a request that exceeded its deadline.
func NewTimeoutError(url string, cause error) *SourceError {
	return &SourceError{
		Kind:      models.ErrorKindNetwork,
		URL:       url,
		Retryable: true,
		Message:   "request timed out",
		Err:       cause,
	}
}

// NewStatusError classifies a non-2xx HTTP status.
func NewStatusError(url string, statusCode int) *SourceError {
	e := &SourceError{
		Kind:       models.ErrorKindNetwork,
		URL:        url,
		StatusCode: statusCode,
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Retryable = true
		e.Message = "rate limit exceeded"
	case statusCode == http.StatusRequestTimeout:
		e.Retryable = true
		e.Message = "request timeout"
	case statusCode >= 500:
		e.Retryable = true
		e.Message = "server returned an error"
	case statusCode >= 400:
		e.Message = fmt.Sprintf("client error: HTTP %d", statusCode)
	default:
		e.Message = fmt.Sprintf("unexpected status code: %d", statusCode)
	}
	return e
}

// NewMalformedResponse reports a payload that does not match the expected
// shape. Never retryable.
func NewMalformedResponse(source string, dataType models.DataType, format string, args ...any) *SourceError {
	return &SourceError{
		Kind:    models.ErrorKindMalformedResponse,
		Source:  source,
		Message: fmt.Sprintf("%s: %s", dataType, fmt.Sprintf(format, args...)),
	}
}

func unsupportedDataType(source string, dataType models.DataType) *SourceError {
	return &SourceError{
		Kind:    models.ErrorKindUnsupportedDataType,
		Source:  source,
		Message: fmt.Sprintf("no mapping for data type %q", dataType),
		Err:     models.ErrUnsupportedDataType,
	}
}

// classifyTransportError turns a client error into a network SourceError,
// distinguishing deadline expiry from other failures.
func classifyTransportError(url string, err error) *SourceError {
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(url, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(url, err)
	}
	if errors.Is(err, context.Canceled) {
		e := NewNetworkError(url, err)
		e.Retryable = false
		return e
	}
	return NewNetworkError(url, err)
}

// IsRetryable reports whether an item should be attempted again.
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == models.ErrorKindNetwork && se.Retryable
	}
	return false
}

// ErrorKindOf maps any error to the kind recorded on item outcomes.
func ErrorKindOf(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorKindNone
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrUnknownSource):
		return models.ErrorKindUnknownSource
	case errors.Is(err, ErrUnsupportedDataType):
		return models.ErrorKindUnsupportedDataType
	case errors.Is(err, context.Canceled):
		return models.ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindNetwork
	}
	return models.ErrorKindInternal
}
