package library

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("authentication required")
	ErrForbidden       = errors.New("insufficient permissions")
	ErrNotSupported    = errors.New("operation not supported")
	ErrAlreadyBorrowed = errors.New("member already has an open loan for this book")
	ErrAlreadyReserved = errors.New("member already holds a reservation for this book")
	ErrUnavailable     = errors.New("no copy of this book is available")

	// ErrConflict means a concurrent request took the copy first. The
	// caller may retry.
	ErrConflict = errors.New("copy was allocated by a concurrent request")
)

// ValidationError carries per-field messages for malformed or duplicate input.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// OrNil returns e when at least one field failed, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// fieldError is a shortcut for a single-field ValidationError.
func fieldError(field, msg string) error {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// IsValidation reports whether err is (or wraps) a ValidationError and
// returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
