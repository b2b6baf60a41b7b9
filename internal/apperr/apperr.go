// Package apperr defines Reservoir's closed error taxonomy and its mapping onto HTTP status codes and the OpenAI-shaped
// error envelope returned to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/divanvisagie/reservoir/internal/models"
)

// Kind is one of the error categories the Enrichment Pipeline can end in.
type Kind string

const (
	BadRequest           Kind = "bad_request"
	InputTooLarge        Kind = "input_too_large"
	Upstream4xx          Kind = "upstream_4xx"
	Upstream5xx          Kind = "upstream_5xx"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	EmbeddingUnavailable Kind = "embedding_unavailable"
	StorageUnavailable   Kind = "storage_unavailable"
	Overloaded           Kind = "overloaded"
	Internal             Kind = "internal"
)

// Silent reports whether the pipeline should absorb an error of this kind
// with a logged warning instead of aborting the request.
func (k Kind) Silent() bool {
	return k == EmbeddingUnavailable || k == StorageUnavailable
}

// Status returns the HTTP status code a Kind maps onto. UpstreamStatus
// must be supplied by the caller for Upstream4xx/Upstream5xx, since those
// pass the upstream's own status through verbatim.
func (k Kind) Status(upstreamStatus int) int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case InputTooLarge:
		return http.StatusRequestEntityTooLarge
	case Upstream4xx, Upstream5xx:
		if upstreamStatus != 0 {
			return upstreamStatus
		}
		return http.StatusBadGateway
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	case Overloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is Reservoir's typed, wrapped error. It always carries a Kind so
// the pipeline and router can decide how to respond without string
// matching.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Cause          error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrKind lets logging attach the error kind without importing apperr.
func (e *Error) ErrKind() string { return string(e.Kind) }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WrapUpstream builds an Upstream4xx/Upstream5xx Error carrying the
// upstream's own status code, so Status() can pass it through verbatim.
func WrapUpstream(status int, message string) *Error {
	kind := Upstream4xx
	if status >= 500 {
		kind = Upstream5xx
	}
	return &Error{Kind: kind, Message: message, UpstreamStatus: status}
}

// Body renders the OpenAI-shaped error envelope for this Error.
func (e *Error) Body() models.ErrorBody {
	status := e.Kind.Status(e.UpstreamStatus)
	return models.ErrorBody{
		Error: models.ErrorDetail{
			Message: e.Message,
			Type:    string(e.Kind),
			Code:    status,
		},
	}
}

// Coerce returns err unchanged if it is already an *Error (preserving
// whatever Kind it was constructed with further down the call stack, e.g.
// Overloaded from a pool checkout), and otherwise wraps it as kind. Use
// this instead of Wrap wherever a lower layer may have already classified
// the failure.
func Coerce(kind Kind, message string, err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(kind, message, err)
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
