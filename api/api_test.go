package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-server/auth"
	"library-server/library"
	"library-server/metrics"
)

var today = time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	t       *testing.T
	lib     *library.LibraryManager
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	lib, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "api.db"),
		library.WithClock(func() time.Time { return today }),
		library.WithLogger(log),
	)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	tokens := auth.NewTokens("api-test-secret-0123456789", time.Hour)
	authn := auth.NewAuthenticator(lib, tokens, auth.NewMemoryRevoker(), log, false)
	srv := NewServer(lib, authn, metrics.New(), log)
	return &testEnv{t: t, lib: lib, handler: srv.Router()}
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (e *testEnv) login(username, password string) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/auth/login", "", loginRequest{Username: username, Password: password})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[loginResponse](e.t, rec).Token
}

func (e *testEnv) registerMember(username string) (string, MemberSchema) {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/register", "", library.Registration{
		Username:        username,
		Password:        "correct horse",
		PasswordConfirm: "correct horse",
		Email:           username + "@example.org",
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return e.login(username, "correct horse"), decode[MemberSchema](e.t, rec)
}

func (e *testEnv) staffToken(username string) string {
	e.t.Helper()
	pw := "staff password"
	_, err := e.lib.CreateLibrarian(context.Background(), library.System(), library.IdentityInput{
		Username: &username,
		Password: &pw,
		Email:    strPtr(username + "@library.example.org"),
	})
	require.NoError(e.t, err)
	return e.login(username, pw)
}

func (e *testEnv) adminToken() string {
	e.t.Helper()
	_, err := e.lib.CreateAdministrator(context.Background(), library.System(), library.IdentityInput{
		Username: strPtr("root"),
		Password: strPtr("root password"),
		Email:    strPtr("root@library.example.org"),
	})
	require.NoError(e.t, err)
	return e.login("root", "root password")
}

// addBook creates a book with n copies through the API.
func (e *testEnv) addBook(staff, title string, copies int) BookWrite {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/books", staff, map[string]interface{}{"title": title})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[BookWrite](e.t, rec)
	for i := 0; i < copies; i++ {
		rec = e.do(http.MethodPost, fmt.Sprintf("/api/books/%d/items", b.ID), staff, map[string]string{"barcode": fmt.Sprintf("%s-%d", title, i)})
		require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return b
}

func strPtr(s string) *string { return &s }

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLoginMeAndLogout(t *testing.T) {
	env := newTestEnv(t)
	token, member := env.registerMember("reader")

	rec := env.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[meResponse](t, rec)
	assert.Equal(t, "member", me.Tier)
	assert.Equal(t, member.ID, me.MemberID)

	rec = env.do(http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "revoked token must not authenticate")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.registerMember("reader")

	rec := env.do(http.MethodPost, "/api/auth/login", "", loginRequest{Username: "reader", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, KindUnauthorized, decode[APIError](t, rec).Kind)

	rec = env.do(http.MethodPost, "/api/auth/login", "", loginRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[APIError](t, rec)
	assert.Contains(t, body.Fields, "username")
	assert.Contains(t, body.Fields, "password")
}

func TestGarbageTokenIsAnonymous(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/books", "not-a-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/borrowed-books", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCatalogAccessByTier(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")
	member, _ := env.registerMember("reader")
	env.addBook(staff, "Open Shelves", 1)

	rec := env.do(http.MethodGet, "/api/books", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[Page](t, rec).Count)

	rec = env.do(http.MethodPost, "/api/books", "", map[string]string{"title": "Nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(http.MethodPost, "/api/books", member, map[string]string{"title": "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, KindForbidden, decode[APIError](t, rec).Kind)

	rec = env.do(http.MethodGet, "/api/members", member, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(http.MethodGet, "/api/members", staff, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/librarians", staff, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(http.MethodGet, "/api/librarians", env.adminToken(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBookSchemasDifferByOperation(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")

	rec := env.do(http.MethodPost, "/api/authors", staff, map[string]string{"name": "Ursula K. Le Guin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	author := decode[AuthorSummary](t, rec)

	rec = env.do(http.MethodPost, "/api/books", staff, map[string]interface{}{
		"title": "The Dispossessed", "isbn": "9780061054884", "subject": "Fiction", "authors": []int64{author.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	written := decode[BookWrite](t, rec)
	assert.Equal(t, []int64{author.ID}, written.Authors)

	rec = env.do(http.MethodGet, fmt.Sprintf("/api/books/%d", written.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[BookDetail](t, rec)
	require.Len(t, detail.Authors, 1)
	assert.Equal(t, "Ursula K. Le Guin", detail.Authors[0].Name)
	assert.Equal(t, 0, detail.TotalCopies)

	rec = env.do(http.MethodPatch, fmt.Sprintf("/api/books/%d", written.ID), staff, map[string]string{"subject": "Science fiction"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Science fiction", decode[BookWrite](t, rec).Subject)

	rec = env.do(http.MethodGet, "/api/authors", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	authors := decode[[]AuthorDetail](t, rec)
	require.Len(t, authors, 1)
	require.Len(t, authors[0].Books, 1)
	assert.Equal(t, "The Dispossessed", authors[0].Books[0].Title)
}

func TestCredentialsNeverSerialised(t *testing.T) {
	env := newTestEnv(t)
	env.registerMember("secretive")
	rec := env.do(http.MethodGet, "/api/members", env.staffToken("clerk"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.NotContains(t, rec.Body.String(), "$2a$")
}

func TestBookListFilters(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")
	for _, title := range []string{"Go in Action", "Learning Go", "Rust Atomics"} {
		env.addBook(staff, title, 0)
	}

	rec := env.do(http.MethodGet, "/api/books?search=go&page_size=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[Page](t, rec)
	assert.Equal(t, 2, page.Count)
	assert.Len(t, page.Results, 1)
	assert.Equal(t, 1, page.PageSize)

	rec = env.do(http.MethodGet, "/api/books?page=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[APIError](t, rec).Fields, "page")
}

// TestBorrowScenarioOverHTTP walks members M and N through a one-copy book.
func TestBorrowScenarioOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")
	m, _ := env.registerMember("m")
	n, _ := env.registerMember("n")
	book := env.addBook(staff, "Solaris", 1)

	rec := env.do(http.MethodPost, "/api/borrowed-books", m, library.LedgerRequest{Book: book.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[LoanDetail](t, rec)
	assert.Equal(t, "2026-10-19", loan.BorrowedOn)
	assert.Equal(t, "2026-11-02", loan.DueDate)
	assert.Nil(t, loan.ReturnedOn)

	rec = env.do(http.MethodPost, "/api/borrowed-books", m, library.LedgerRequest{Book: book.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindAlreadyBorrowed, decode[APIError](t, rec).Kind)

	rec = env.do(http.MethodPost, "/api/borrowed-books", n, library.LedgerRequest{Book: book.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindUnavailable, decode[APIError](t, rec).Kind)

	rec = env.do(http.MethodGet, fmt.Sprintf("/api/books/%d", book.ID), "", nil)
	assert.Equal(t, 0, decode[BookDetail](t, rec).AvailableCopies)

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/borrowed-books/%d", loan.ID), m, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "members cannot return books")

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/borrowed-books/%d", loan.ID), staff, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	returned := decode[LoanDetail](t, rec)
	require.NotNil(t, returned.ReturnedOn)
	assert.Equal(t, "2026-10-19", *returned.ReturnedOn)

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/borrowed-books/%d", loan.ID), staff, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/borrowed-books", n, library.LedgerRequest{Book: book.ID})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestLedgerListsAreScopedToTheMember(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")
	alice, _ := env.registerMember("alice")
	bob, _ := env.registerMember("bob")
	book := env.addBook(staff, "Shared", 2)

	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/borrowed-books", alice, library.LedgerRequest{Book: book.ID}).Code)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/borrowed-books", bob, library.LedgerRequest{Book: book.ID}).Code)

	rec := env.do(http.MethodGet, "/api/borrowed-books", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]LoanSummary](t, rec), 1)

	rec = env.do(http.MethodGet, "/api/borrowed-books?open=true", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]LoanSummary](t, rec), 2)

	rec = env.do(http.MethodGet, "/api/borrowed-books?open=maybe", staff, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReserveAndCancel(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")
	m, member := env.registerMember("holder")
	book := env.addBook(staff, "Held", 1)

	rec := env.do(http.MethodPost, "/api/reserved-books", staff, library.LedgerRequest{Book: book.ID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[APIError](t, rec).Fields, "borrower")

	rec = env.do(http.MethodPost, "/api/reserved-books", staff, library.LedgerRequest{Book: book.ID, Borrower: member.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hold := decode[ReservationSchema](t, rec)
	assert.Equal(t, member.ID, hold.Member)

	rec = env.do(http.MethodPost, "/api/reserved-books", m, library.LedgerRequest{Book: book.ID})
	assert.Equal(t, KindAlreadyReserved, decode[APIError](t, rec).Kind)

	rec = env.do(http.MethodGet, fmt.Sprintf("/api/reserved-books/%d", hold.ID), m, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/reserved-books/%d", hold.ID), staff, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodGet, fmt.Sprintf("/api/reserved-books/%d", hold.ID), m, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnsupportedOperationsAre405(t *testing.T) {
	env := newTestEnv(t)
	staff := env.staffToken("clerk")

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPut, "/api/borrowed-books/1"},
		{http.MethodPatch, "/api/reserved-books/1"},
		{http.MethodPost, "/api/fines"},
		{http.MethodGet, "/api/register"},
	} {
		rec := env.do(tc.method, tc.path, staff, map[string]int{"book": 1})
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, KindMethodNotAllowed, decode[APIError](t, rec).Kind)
	}
}

func TestRegistrationValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/register", "", library.Registration{
		Username:        "mismatch",
		Password:        "long enough",
		PasswordConfirm: "different!",
		Email:           "not-an-email",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[APIError](t, rec)
	assert.Equal(t, KindValidation, body.Kind)
	assert.Contains(t, body.Fields, "password")
	assert.Contains(t, body.Fields, "email")

	rec = env.do(http.MethodPost, "/api/register", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[APIError](t, rec).Fields, "non_field_errors")
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode[APIError](t, rec).Kind)

	rec = env.do(http.MethodGet, "/api/books/424242", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsCountRequestsByRoute(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/books/1", "", nil)
	env.do(http.MethodGet, "/api/books/2", "", nil)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `route="/api/books/{id:[0-9]+}"`), "metrics should use the route template")
}

func TestRecoverPanics(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := recoverPanics(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, KindInternal, decode[APIError](t, rec).Kind)
	assert.NotContains(t, rec.Body.String(), "boom")
}
