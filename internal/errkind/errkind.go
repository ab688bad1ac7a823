package errkind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure into one of the runtime's error categories.
type Kind int

const (
	Internal Kind = iota
	NotFound
	NotAuthenticated
	NotAuthorized
	NotAvailable
	Validation
	Cancelled
	Timeout
	Protocol
	Overloaded
	NotStarted
)

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case NotAuthenticated:
		return "not_authenticated"
	case NotAuthorized:
		return "not_authorized"
	case NotAvailable:
		return "not_available"
	case Validation:
		return "validation_error"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol_error"
	case Overloaded:
		return "overloaded"
	case NotStarted:
		return "not_started"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case NotAuthenticated:
		return http.StatusUnauthorized
	case NotAuthorized:
		return http.StatusForbidden
	case NotAvailable, Overloaded, NotStarted:
		return http.StatusServiceUnavailable
	case Validation, Protocol:
		return http.StatusBadRequest
	case Cancelled:
		return 499 // client closed request
	case Timeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error that can be rendered to clients.
type Error struct {
	Kind      Kind           `json:"-"`
	Code      string         `json:"error"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`

	status     int // overrides Kind.HTTPStatus when non-zero
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports kind equality so errors.Is(err, errkind.ErrNotFound) works
// on derived copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Code == e.Code
}

// HTTPStatus returns the status to respond with.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	return e.Kind.HTTPStatus()
}

// Common errors
var (
	ErrNotFound = &Error{
		Kind:    NotFound,
		Code:    "not_found",
		Message: "no route matches the requested path",
	}

	ErrNotAuthenticated = &Error{
		Kind:    NotAuthenticated,
		Code:    "not_authenticated",
		Message: "authentication required",
	}

	ErrNotAuthorized = &Error{
		Kind:    NotAuthorized,
		Code:    "not_authorized",
		Message: "insufficient permissions",
	}

	ErrNotAvailable = &Error{
		Kind:    NotAvailable,
		Code:    "not_available",
		Message: "a required capability is not available",
	}

	ErrValidation = &Error{
		Kind:    Validation,
		Code:    "validation_error",
		Message: "request validation failed",
	}

	ErrCancelled = &Error{
		Kind:    Cancelled,
		Code:    "cancelled",
		Message: "request cancelled",
	}

	ErrTimeout = &Error{
		Kind:    Timeout,
		Code:    "timeout",
		Message: "operation timed out",
	}

	ErrProtocol = &Error{
		Kind:    Protocol,
		Code:    "protocol_error",
		Message: "protocol violation",
	}

	ErrOverloaded = &Error{
		Kind:    Overloaded,
		Code:    "overloaded",
		Message: "queue is full",
	}

	ErrNotStarted = &Error{
		Kind:    NotStarted,
		Code:    "not_started",
		Message: "subsystem has not been started",
	}

	ErrInternal = &Error{
		Kind:    Internal,
		Code:    "internal",
		Message: "internal server error",
	}

	// ErrBodyTooLarge is a validation error with a dedicated status.
	ErrBodyTooLarge = &Error{
		Kind:    Validation,
		Code:    "body_too_large",
		Message: "request body exceeds the configured limit",
		status:  http.StatusRequestEntityTooLarge,
	}

	// ErrRateLimited is an overload error surfaced to HTTP clients as 429.
	ErrRateLimited = &Error{
		Kind:    Overloaded,
		Code:    "rate_limited",
		Message: "rate limit exceeded",
		status:  http.StatusTooManyRequests,
	}
)

// preSerialized holds the short JSON bodies for the error singletons.
var preSerialized map[*Error][]byte

func init() {
	bases := []*Error{
		ErrNotFound, ErrNotAuthenticated, ErrNotAuthorized, ErrNotAvailable,
		ErrValidation, ErrCancelled, ErrTimeout, ErrProtocol, ErrOverloaded,
		ErrNotStarted, ErrInternal, ErrBodyTooLarge, ErrRateLimited,
	}
	preSerialized = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(struct {
			Error string `json:"error"`
		}{e.Code})
		b = append(b, '\n')
		preSerialized[e] = b
	}
}

// New creates a new classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Newf creates a new classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies an underlying error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Code:       kind.String(),
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy carrying extra key/value context.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

// WithDetail returns a copy carrying a single extra key/value pair.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Details = map[string]any{key: value}
	return &c
}

// WithRequestID returns a copy stamped with the request id.
func (e *Error) WithRequestID(requestID string) *Error {
	c := *e
	c.RequestID = requestID
	return &c
}

// WithMessage returns a copy with a replaced message.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies any error, mapping context errors to their kinds
// and everything unrecognized to Internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Classify wraps an arbitrary error into an *Error, passing through
// errors that already carry a kind.
func Classify(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return Wrap(err, Internal, "internal server error")
	}
}

// Envelope returns the error as a result payload with the same shape
// WriteJSON emits, for transports that serialize their own replies.
func (e *Error) Envelope(debug bool) map[string]any {
	env := map[string]any{"error": e.Code}
	if e.RequestID != "" {
		env["request_id"] = e.RequestID
	}
	if debug {
		if e.Message != "" {
			env["message"] = e.Message
		}
		if len(e.Details) > 0 {
			env["details"] = e.Details
		}
	}
	return env
}

// WriteJSON writes the error body. Debug mode includes message and
// details; otherwise singletons use their pre-serialized short form.
func (e *Error) WriteJSON(w http.ResponseWriter, debug bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	if !debug {
		if pre, ok := preSerialized[e]; ok {
			w.Write(pre)
			return
		}
		json.NewEncoder(w).Encode(struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id,omitempty"`
		}{e.Code, e.RequestID})
		return
	}
	json.NewEncoder(w).Encode(e)
}
