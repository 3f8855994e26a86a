package pages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-server/auth"
	"library-server/library"
)

var today = time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)

func newSite(t *testing.T) (*httptest.Server, *library.LibraryManager) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	lib, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "pages.db"),
		library.WithClock(func() time.Time { return today }),
		library.WithLogger(log),
	)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	authn := auth.NewAuthenticator(lib, auth.NewTokens("pages-test-secret-0123456789", time.Hour), auth.NewMemoryRevoker(), log, false)
	p, err := New(lib, authn, log)
	require.NoError(t, err)

	r := mux.NewRouter()
	r.Use(authn.Middleware)
	p.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, lib
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func get(t *testing.T, c *http.Client, u string) (int, string) {
	t.Helper()
	resp, err := c.Get(u)
	require.NoError(t, err)
	return resp.StatusCode, body(t, resp)
}

func post(t *testing.T, c *http.Client, u string, form url.Values) (int, string) {
	t.Helper()
	resp, err := c.PostForm(u, form)
	require.NoError(t, err)
	return resp.StatusCode, body(t, resp)
}

func addBook(t *testing.T, lib *library.LibraryManager, title string, copies int) *library.Book {
	t.Helper()
	ctx := context.Background()
	b, err := lib.CreateBook(ctx, library.System(), library.BookInput{Title: &title})
	require.NoError(t, err)
	if copies > 0 {
		_, err = lib.AddCopies(ctx, library.System(), b.ID, copies)
		require.NoError(t, err)
	}
	return b
}

func registerMember(t *testing.T, lib *library.LibraryManager, username string) {
	t.Helper()
	_, err := lib.Register(context.Background(), library.Anonymous(), library.Registration{
		Username:        username,
		Password:        "correct horse",
		PasswordConfirm: "correct horse",
		Email:           username + "@example.org",
	})
	require.NoError(t, err)
}

func logIn(t *testing.T, srv *httptest.Server, username string) *http.Client {
	t.Helper()
	c := newClient(t)
	code, page := post(t, c, srv.URL+"/account/login", url.Values{"username": {username}, "password": {"correct horse"}})
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, page, "Welcome back, "+username+"!")
	return c
}

func TestBooksListPaginatesByTwelve(t *testing.T) {
	srv, lib := newSite(t)
	for i := 0; i < 13; i++ {
		addBook(t, lib, fmt.Sprintf("Volume %02d", i), 1)
	}
	c := newClient(t)

	code, page := get(t, c, srv.URL+"/books/")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, "13 book(s) found")
	assert.Contains(t, page, "Page 1 of 2")
	assert.Contains(t, page, "Volume 11")
	assert.NotContains(t, page, "Volume 12")

	_, page = get(t, c, srv.URL+"/books/?page=2")
	assert.Contains(t, page, "Volume 12")
	assert.Contains(t, page, "Page 2 of 2")

	_, page = get(t, c, srv.URL+"/books/?page=99")
	assert.Contains(t, page, "Page 2 of 2", "out of range pages show the last page")

	_, page = get(t, c, srv.URL+"/books/?search=volume+03")
	assert.Contains(t, page, "1 book(s) found")
}

func TestBookDetail(t *testing.T) {
	srv, lib := newSite(t)
	b := addBook(t, lib, "Middlemarch", 2)
	c := newClient(t)

	code, page := get(t, c, fmt.Sprintf("%s/books/%d/", srv.URL, b.ID))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, "2 total, 2 available, 0 borrowed, 0 reserved")
	assert.Contains(t, page, "as a member to borrow this book")

	code, _ = get(t, c, srv.URL+"/books/4242/")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBorrowFromPage(t *testing.T) {
	srv, lib := newSite(t)
	b := addBook(t, lib, "Dune", 1)
	registerMember(t, lib, "m")
	registerMember(t, lib, "n")
	borrowURL := fmt.Sprintf("%s/books/%d/borrow/", srv.URL, b.ID)

	m := logIn(t, srv, "m")
	code, page := post(t, m, borrowURL, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, "Successfully borrowed")
	assert.Contains(t, page, "Due date: November 02, 2026")
	assert.Contains(t, page, "You currently have this book on loan.")

	_, page = post(t, m, borrowURL, nil)
	assert.Contains(t, page, "Please return it before borrowing again.")

	n := logIn(t, srv, "n")
	_, page = post(t, n, borrowURL, nil)
	assert.Contains(t, page, "is currently not available")
	assert.Contains(t, page, "All copies are currently out.")
}

func TestAnonymousBorrowRedirectsToLogin(t *testing.T) {
	srv, lib := newSite(t)
	b := addBook(t, lib, "Locked", 1)

	resp, err := newClient(t).PostForm(fmt.Sprintf("%s/books/%d/borrow/", srv.URL, b.ID), nil)
	require.NoError(t, err)
	page := body(t, resp)
	assert.Equal(t, "/account/login", resp.Request.URL.Path)
	assert.Equal(t, fmt.Sprintf("/books/%d/", b.ID), resp.Request.URL.Query().Get("next"))
	assert.Contains(t, page, "You must be logged in to borrow books.")
}

func TestRegisterPage(t *testing.T) {
	srv, _ := newSite(t)
	c := newClient(t)

	code, page := get(t, c, srv.URL+"/account/register/")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, "Become a member")

	_, page = post(t, c, srv.URL+"/account/register/", url.Values{
		"username": {"newbie"}, "email": {"newbie@example.org"},
		"password": {"long enough"}, "password_confirm": {"something else"},
	})
	assert.Contains(t, page, "Please correct the errors below.")
	assert.Contains(t, page, "Passwords do not match.")
	assert.Contains(t, page, `value="newbie"`)

	_, page = post(t, c, srv.URL+"/account/register/", url.Values{
		"username": {"newbie"}, "email": {"newbie@example.org"},
		"password": {"long enough"}, "password_confirm": {"long enough"},
	})
	assert.Contains(t, page, "Account created successfully! Welcome, newbie. Please login.")
}

func TestLoginFailureAndLogout(t *testing.T) {
	srv, lib := newSite(t)
	registerMember(t, lib, "reader")
	c := newClient(t)

	_, page := post(t, c, srv.URL+"/account/login", url.Values{"username": {"reader"}, "password": {"nope nope"}})
	assert.Contains(t, page, "Invalid username or password. Please try again.")
	_, page = post(t, c, srv.URL+"/account/login", url.Values{"username": {"reader"}})
	assert.Contains(t, page, "Username and password are required.")

	c = logIn(t, srv, "reader")
	_, page = get(t, c, srv.URL+"/books/")
	assert.Contains(t, page, "Signed in as member")

	status, _ := get(t, c, srv.URL+"/account/logout/")
	assert.Equal(t, http.StatusMethodNotAllowed, status, "logout is not reachable by a plain link")
	_, page = get(t, c, srv.URL+"/books/")
	assert.Contains(t, page, "Signed in as member")

	_, page = post(t, c, srv.URL+"/account/logout/", url.Values{})
	assert.Contains(t, page, "You have been successfully logged out.")
	_, page = get(t, c, srv.URL+"/books/")
	assert.NotContains(t, page, "Signed in as")
}

func TestSafeNext(t *testing.T) {
	tests := map[string]string{
		"":                   "/books/",
		"/books/3/":          "/books/3/",
		"https://evil.test/": "/books/",
		"//evil.test":        "/books/",
		"/\\evil.test":       "/books/",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeNext(in), "next=%q", in)
	}
}

func TestPopFlashIgnoresTamperedCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	setFlash(rec, levelSuccess, "saved")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	got := popFlash(httptest.NewRecorder(), req)
	require.NotNil(t, got)
	assert.Equal(t, Flash{Level: levelSuccess, Message: "saved"}, *got)

	for _, v := range []string{"%%%", "bm9waXBl", "ZXZpbHxoaQ"} {
		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: flashCookie, Value: v})
		assert.Nil(t, popFlash(httptest.NewRecorder(), req), v)
	}
}
