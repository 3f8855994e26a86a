package api

import (
	"errors"
	"net/http"

	"library-server/library"
)

// ErrorKind is the machine-readable "error" field of every error response.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_failure"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindForbidden        ErrorKind = "forbidden"
	KindNotFound         ErrorKind = "not_found"
	KindMethodNotAllowed ErrorKind = "method_not_allowed"
	KindAlreadyBorrowed  ErrorKind = "already_borrowed"
	KindAlreadyReserved  ErrorKind = "already_reserved"
	KindUnavailable      ErrorKind = "unavailable"
	KindConflict         ErrorKind = "conflict"
	KindInternal         ErrorKind = "internal"
)

// APIError is the body of every non-2xx JSON response.
type APIError struct {
	Kind        ErrorKind           `json:"error"`
	Message     string              `json:"message"`
	Fields      map[string][]string `json:"fields,omitempty"`
	HTTPStatus  int                 `json:"-"`
	InternalErr error               `json:"-"`
}

func (e *APIError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.InternalErr
}

// NewAPIError creates an APIError without an underlying cause.
func NewAPIError(kind ErrorKind, message string, status int) *APIError {
	return &APIError{Kind: kind, Message: message, HTTPStatus: status}
}

func validationError(field, msg string) *APIError {
	return &APIError{
		Kind:       KindValidation,
		Message:    "Invalid input.",
		Fields:     map[string][]string{field: {msg}},
		HTTPStatus: http.StatusBadRequest,
	}
}

// errorMapping lists the library sentinels in the order they are checked.
var errorMapping = []struct {
	target  error
	kind    ErrorKind
	status  int
	message string
}{
	{library.ErrUnauthorized, KindUnauthorized, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid."},
	{library.ErrForbidden, KindForbidden, http.StatusForbidden, "You do not have permission to perform this action."},
	{library.ErrNotFound, KindNotFound, http.StatusNotFound, "Not found."},
	{library.ErrNotSupported, KindMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed."},
	{library.ErrAlreadyBorrowed, KindAlreadyBorrowed, http.StatusConflict, "You have already borrowed this book."},
	{library.ErrAlreadyReserved, KindAlreadyReserved, http.StatusConflict, "You have already reserved this book."},
	{library.ErrUnavailable, KindUnavailable, http.StatusConflict, "No copies of this book are currently available."},
	{library.ErrConflict, KindConflict, http.StatusConflict, "The copy was taken by another request; please retry."},
}

// FromError maps any error to the APIError sent to the client. Unknown
// errors become an opaque internal error that keeps the cause for logging.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if v, ok := library.IsValidation(err); ok {
		return &APIError{
			Kind:        KindValidation,
			Message:     "Invalid input.",
			Fields:      v.Fields,
			HTTPStatus:  http.StatusBadRequest,
			InternalErr: err,
		}
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return &APIError{Kind: m.kind, Message: m.message, HTTPStatus: m.status, InternalErr: err}
		}
	}
	return &APIError{
		Kind:        KindInternal,
		Message:     "Internal server error.",
		HTTPStatus:  http.StatusInternalServerError,
		InternalErr: err,
	}
}
