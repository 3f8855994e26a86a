// Package pages serves the server-rendered catalog and account pages.
package pages

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"library-server/auth"
	"library-server/library"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"books_list", "book_detail", "login", "register", "error"}

var funcs = template.FuncMap{
	"longDate": func(t time.Time) string { return t.Format("January 02, 2006") },
	"join": func(authors []library.Author) string {
		names := make([]string, 0, len(authors))
		for _, a := range authors {
			names = append(names, a.Name)
		}
		return strings.Join(names, ", ")
	},
}

type Pages struct {
	lib   *library.LibraryManager
	authn *auth.Authenticator
	log   logrus.FieldLogger
	tmpl  map[string]*template.Template
}

func New(lib *library.LibraryManager, authn *auth.Authenticator, log logrus.FieldLogger) (*Pages, error) {
	p := &Pages{lib: lib, authn: authn, log: log, tmpl: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		p.tmpl[name] = t
	}
	return p, nil
}

// Mount registers the page routes on r. The auth middleware must already
// be installed on r.
func (p *Pages) Mount(r *mux.Router) {
	r.Handle("/", http.RedirectHandler("/books/", http.StatusFound)).Methods(http.MethodGet)
	r.HandleFunc("/books/", p.booksList).Methods(http.MethodGet)
	r.HandleFunc("/books/{id:[0-9]+}/", p.bookDetail).Methods(http.MethodGet)
	r.HandleFunc("/books/{id:[0-9]+}/borrow/", p.borrow).Methods(http.MethodPost)
	for _, path := range []string{"/account/login", "/account/login/"} {
		r.HandleFunc(path, p.login).Methods(http.MethodGet, http.MethodPost)
	}
	for _, path := range []string{"/account/register", "/account/register/"} {
		r.HandleFunc(path, p.register).Methods(http.MethodGet, http.MethodPost)
	}
	for _, path := range []string{"/account/logout", "/account/logout/"} {
		r.HandleFunc(path, p.logout).Methods(http.MethodPost)
	}
}

// view is the data every template receives.
type view struct {
	Caller library.Caller
	Flash  *Flash
	Data   interface{}
}

func (p *Pages) render(w http.ResponseWriter, r *http.Request, status int, name string, data interface{}) {
	v := view{Caller: auth.CallerFrom(r.Context()), Flash: popFlash(w, r), Data: data}
	var buf bytes.Buffer
	if err := p.tmpl[name].ExecuteTemplate(&buf, "layout.html", v); err != nil {
		p.log.WithError(err).WithField("template", name).Error("render page")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (p *Pages) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "Something went wrong."
	if errors.Is(err, library.ErrNotFound) {
		status, msg = http.StatusNotFound, "Book not found."
	} else {
		p.log.WithError(err).WithField("path", r.URL.Path).Error("page failed")
	}
	p.render(w, r, status, "error", msg)
}

func bookID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, library.ErrNotFound
	}
	return id, nil
}

// ------------------ Catalog ------------------

type listData struct {
	Books    *library.BookPage
	Search   string
	Author   string
	Subject  string
	Authors  []*library.Author
	Subjects []string
	NumPages int
	PrevURL  string
	NextURL  string
}

// pageURL keeps the active filters in pagination links.
func pageURL(q url.Values, page int) string {
	v := url.Values{}
	for _, k := range []string{"search", "author", "subject"} {
		if s := q.Get(k); s != "" {
			v.Set(k, s)
		}
	}
	v.Set("page", strconv.Itoa(page))
	return "/books/?" + v.Encode()
}

func (p *Pages) booksList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := auth.CallerFrom(ctx)
	q := r.URL.Query()

	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	filter := library.BookFilter{
		Search:   strings.TrimSpace(q.Get("search")),
		Author:   q.Get("author"),
		Subject:  q.Get("subject"),
		Page:     page,
		PageSize: library.DefaultPageSize,
	}
	books, err := p.lib.ListBooks(ctx, c, filter)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	numPages := (books.Total + books.PageSize - 1) / books.PageSize
	if numPages == 0 {
		numPages = 1
	}
	// Out-of-range pages show the last page.
	if page > numPages {
		filter.Page = numPages
		if books, err = p.lib.ListBooks(ctx, c, filter); err != nil {
			p.fail(w, r, err)
			return
		}
	}

	authors, err := p.lib.ListAuthors(ctx, c, "")
	if err != nil {
		p.fail(w, r, err)
		return
	}
	subjects, err := p.lib.ListSubjects(ctx, c)
	if err != nil {
		p.fail(w, r, err)
		return
	}

	data := listData{
		Books:    books,
		Search:   filter.Search,
		Author:   filter.Author,
		Subject:  filter.Subject,
		Authors:  authors,
		Subjects: subjects,
		NumPages: numPages,
	}
	if books.Page > 1 {
		data.PrevURL = pageURL(q, books.Page-1)
	}
	if books.Page < numPages {
		data.NextURL = pageURL(q, books.Page+1)
	}
	p.render(w, r, http.StatusOK, "books_list", data)
}

type detailData struct {
	Book        *library.Book
	IsMember    bool
	HasBorrowed bool
}

func (p *Pages) bookDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := auth.CallerFrom(ctx)
	id, err := bookID(r)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	book, err := p.lib.GetBook(ctx, c, id)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	data := detailData{Book: book, IsMember: c.MemberID() != 0}
	if data.IsMember {
		loans, err := p.lib.ListLoans(ctx, c, library.LoanFilter{MemberID: c.MemberID(), BookID: id, OpenOnly: true})
		if err != nil {
			p.fail(w, r, err)
			return
		}
		data.HasBorrowed = len(loans) > 0
	}
	p.render(w, r, http.StatusOK, "book_detail", data)
}

func (p *Pages) borrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := auth.CallerFrom(ctx)
	id, err := bookID(r)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	detail := fmt.Sprintf("/books/%d/", id)

	if !c.Authenticated() {
		setFlash(w, levelError, "You must be logged in to borrow books.")
		http.Redirect(w, r, "/account/login?next="+url.QueryEscape(detail), http.StatusSeeOther)
		return
	}
	if c.MemberID() == 0 {
		setFlash(w, levelError, "You must be a registered member to borrow books.")
		http.Redirect(w, r, "/account/register/", http.StatusSeeOther)
		return
	}
	book, err := p.lib.GetBook(ctx, c, id)
	if err != nil {
		p.fail(w, r, err)
		return
	}

	loan, err := p.lib.RequestBorrow(ctx, c, library.LedgerRequest{Book: id, Borrower: c.MemberID()})
	switch {
	case err == nil:
		setFlash(w, levelSuccess, fmt.Sprintf("Successfully borrowed '%s'! Due date: %s", book.Title, loan.DueDate.Format("January 02, 2006")))
	case errors.Is(err, library.ErrAlreadyBorrowed):
		setFlash(w, levelWarning, fmt.Sprintf("You have already borrowed '%s'. Please return it before borrowing again.", book.Title))
	case errors.Is(err, library.ErrUnavailable):
		setFlash(w, levelError, fmt.Sprintf("Sorry, '%s' is currently not available. All copies are borrowed.", book.Title))
	case errors.Is(err, library.ErrConflict):
		setFlash(w, levelError, fmt.Sprintf("Another member took the last copy of '%s' just now. Please try again.", book.Title))
	default:
		p.log.WithError(err).WithField("book_id", id).Error("borrow from page")
		setFlash(w, levelError, "Error borrowing book. Please try again later.")
	}
	http.Redirect(w, r, detail, http.StatusSeeOther)
}

// ------------------ Accounts ------------------

// safeNext only allows local redirect targets.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return "/books/"
	}
	return next
}

type loginData struct {
	Error    string
	Username string
	Next     string
}

func (p *Pages) login(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if r.Method == http.MethodGet {
		p.render(w, r, http.StatusOK, "login", loginData{Next: next})
		return
	}
	if err := r.ParseForm(); err != nil {
		p.render(w, r, http.StatusBadRequest, "login", loginData{Error: "Invalid form submission.", Next: next})
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if username == "" || password == "" {
		p.render(w, r, http.StatusOK, "login", loginData{Error: "Username and password are required.", Username: username, Next: next})
		return
	}
	token, claims, err := p.authn.Login(r.Context(), username, password)
	if errors.Is(err, library.ErrUnauthorized) {
		p.render(w, r, http.StatusOK, "login", loginData{Error: "Invalid username or password. Please try again.", Username: username, Next: next})
		return
	}
	if err != nil {
		p.fail(w, r, err)
		return
	}
	p.authn.SetSessionCookie(w, token, claims)
	setFlash(w, levelSuccess, fmt.Sprintf("Welcome back, %s!", username))
	http.Redirect(w, r, next, http.StatusSeeOther)
}

type registerData struct {
	Error  string
	Form   library.Registration
	Errors map[string]string
}

func (p *Pages) register(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		p.render(w, r, http.StatusOK, "register", registerData{Errors: map[string]string{}})
		return
	}
	if err := r.ParseForm(); err != nil {
		p.render(w, r, http.StatusBadRequest, "register", registerData{Error: "Invalid form submission.", Errors: map[string]string{}})
		return
	}
	form := library.Registration{
		Username:        r.PostForm.Get("username"),
		Email:           r.PostForm.Get("email"),
		Password:        r.PostForm.Get("password"),
		PasswordConfirm: r.PostForm.Get("password_confirm"),
		FirstName:       r.PostForm.Get("first_name"),
		LastName:        r.PostForm.Get("last_name"),
	}
	m, err := p.lib.Register(r.Context(), auth.CallerFrom(r.Context()), form)
	if err != nil {
		v, ok := library.IsValidation(err)
		if !ok {
			p.fail(w, r, err)
			return
		}
		// Only the first message per field is shown next to the input.
		errs := make(map[string]string, len(v.Fields))
		for field, msgs := range v.Fields {
			if len(msgs) > 0 {
				errs[field] = msgs[0]
			}
		}
		form.Password, form.PasswordConfirm = "", ""
		p.render(w, r, http.StatusOK, "register", registerData{Error: "Please correct the errors below.", Form: form, Errors: errs})
		return
	}
	setFlash(w, levelSuccess, fmt.Sprintf("Account created successfully! Welcome, %s. Please login.", m.User.Username))
	http.Redirect(w, r, "/account/login", http.StatusSeeOther)
}

func (p *Pages) logout(w http.ResponseWriter, r *http.Request) {
	if claims, ok := auth.ClaimsFrom(r.Context()); ok {
		if err := p.authn.Logout(r.Context(), claims); err != nil {
			p.log.WithError(err).Warn("revoke session token")
		}
		setFlash(w, levelSuccess, "You have been successfully logged out.")
	}
	p.authn.ClearSessionCookie(w)
	http.Redirect(w, r, "/account/login", http.StatusSeeOther)
}
