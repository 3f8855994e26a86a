package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"library-server/library"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   ErrorKind
		status int
	}{
		{"unauthorized", library.ErrUnauthorized, KindUnauthorized, http.StatusUnauthorized},
		{"forbidden", library.ErrForbidden, KindForbidden, http.StatusForbidden},
		{"wrapped not found", fmt.Errorf("book: %w", library.ErrNotFound), KindNotFound, http.StatusNotFound},
		{"no surface", library.ErrNotSupported, KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{"already borrowed", library.ErrAlreadyBorrowed, KindAlreadyBorrowed, http.StatusConflict},
		{"already reserved", library.ErrAlreadyReserved, KindAlreadyReserved, http.StatusConflict},
		{"unavailable", library.ErrUnavailable, KindUnavailable, http.StatusConflict},
		{"lost race", library.ErrConflict, KindConflict, http.StatusConflict},
		{"driver failure", errors.New("disk full"), KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.status, got.HTTPStatus)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestFromErrorKeepsValidationFields(t *testing.T) {
	v := &library.ValidationError{}
	v.Add("title", "This field is required.")
	got := FromError(fmt.Errorf("create: %w", v))
	assert.Equal(t, KindValidation, got.Kind)
	assert.Equal(t, http.StatusBadRequest, got.HTTPStatus)
	assert.Equal(t, []string{"This field is required."}, got.Fields["title"])
}

func TestFromErrorPassesAPIErrorsThrough(t *testing.T) {
	orig := validationError("page", "bad")
	assert.Same(t, orig, FromError(orig))
}

func TestFineAmountIsRenderedInUnits(t *testing.T) {
	got := render(library.ResourceFines, library.OpRetrieve, &library.Fine{ID: 1, AmountCents: 125}).(FineSchema)
	assert.Equal(t, "1.25", got.Amount)
	got = render(library.ResourceFines, library.OpRetrieve, &library.Fine{ID: 2, AmountCents: 5}).(FineSchema)
	assert.Equal(t, "0.05", got.Amount)
}

func TestRenderWithoutSchemaPanics(t *testing.T) {
	assert.Panics(t, func() { render(library.ResourceFines, library.OpCreate, &library.Fine{}) })
}
