package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"library-server/auth"
	"library-server/library"
	"library-server/metrics"
)

// Server holds the dependencies of the JSON API handlers.
type Server struct {
	lib     *library.LibraryManager
	authn   *auth.Authenticator
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

func NewServer(lib *library.LibraryManager, authn *auth.Authenticator, m *metrics.Metrics, log logrus.FieldLogger) *Server {
	return &Server{lib: lib, authn: authn, metrics: m, log: log}
}

// handlerFunc is an http.HandlerFunc that reports failure by returning an
// error instead of writing the response itself.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, r, s.log, err)
		}
	}
}

// Router builds the mux with every API route and the shared middleware.
// Callers may mount more routes on the result before serving it.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverPanics(s.log), s.authn.Middleware, instrument(s.log, s.metrics))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, NewAPIError(KindNotFound, "Not found.", http.StatusNotFound))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, NewAPIError(KindMethodNotAllowed, "Method \""+r.Method+"\" not allowed.", http.StatusMethodNotAllowed))
	})

	r.HandleFunc("/healthz", s.handle(s.health)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", s.handle(s.login)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handle(s.logout)).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.handle(s.me)).Methods(http.MethodGet)
	api.HandleFunc("/register", s.handle(s.register)).Methods(http.MethodPost)

	api.HandleFunc("/books", s.handle(s.listBooks)).Methods(http.MethodGet)
	api.HandleFunc("/books", s.handle(s.createBook)).Methods(http.MethodPost)
	api.HandleFunc("/books/{id:[0-9]+}", s.handle(s.getBook)).Methods(http.MethodGet)
	api.HandleFunc("/books/{id:[0-9]+}", s.handle(s.updateBook)).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/books/{id:[0-9]+}", s.handle(s.deleteBook)).Methods(http.MethodDelete)

	api.HandleFunc("/books/{book:[0-9]+}/items", s.handle(s.listItems)).Methods(http.MethodGet)
	api.HandleFunc("/books/{book:[0-9]+}/items", s.handle(s.createItem)).Methods(http.MethodPost)
	api.HandleFunc("/books/{book:[0-9]+}/items/{id:[0-9]+}", s.handle(s.getItem)).Methods(http.MethodGet)
	api.HandleFunc("/books/{book:[0-9]+}/items/{id:[0-9]+}", s.handle(s.updateItem)).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/books/{book:[0-9]+}/items/{id:[0-9]+}", s.handle(s.deleteItem)).Methods(http.MethodDelete)

	api.HandleFunc("/authors", s.handle(s.listAuthors)).Methods(http.MethodGet)
	api.HandleFunc("/authors", s.handle(s.createAuthor)).Methods(http.MethodPost)
	api.HandleFunc("/authors/{id:[0-9]+}", s.handle(s.getAuthor)).Methods(http.MethodGet)
	api.HandleFunc("/authors/{id:[0-9]+}", s.handle(s.updateAuthor)).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/authors/{id:[0-9]+}", s.handle(s.deleteAuthor)).Methods(http.MethodDelete)

	api.HandleFunc("/members", s.handle(s.listMembers)).Methods(http.MethodGet)
	api.HandleFunc("/members", s.handle(s.createMember)).Methods(http.MethodPost)
	api.HandleFunc("/members/{id:[0-9]+}", s.handle(s.getMember)).Methods(http.MethodGet)
	api.HandleFunc("/members/{id:[0-9]+}", s.handle(s.updateMember)).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/members/{id:[0-9]+}", s.handle(s.deleteMember)).Methods(http.MethodDelete)

	api.HandleFunc("/librarians", s.handle(s.listLibrarians)).Methods(http.MethodGet)
	api.HandleFunc("/librarians", s.handle(s.createLibrarian)).Methods(http.MethodPost)
	api.HandleFunc("/librarians/{id:[0-9]+}", s.handle(s.getLibrarian)).Methods(http.MethodGet)
	api.HandleFunc("/librarians/{id:[0-9]+}", s.handle(s.updateLibrarian)).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/librarians/{id:[0-9]+}", s.handle(s.deleteLibrarian)).Methods(http.MethodDelete)

	api.HandleFunc("/borrowed-books", s.handle(s.listLoans)).Methods(http.MethodGet)
	api.HandleFunc("/borrowed-books", s.handle(s.borrow)).Methods(http.MethodPost)
	api.HandleFunc("/borrowed-books/{id:[0-9]+}", s.handle(s.getLoan)).Methods(http.MethodGet)
	api.HandleFunc("/borrowed-books/{id:[0-9]+}", s.handle(s.returnLoan)).Methods(http.MethodDelete)

	api.HandleFunc("/reserved-books", s.handle(s.listReservations)).Methods(http.MethodGet)
	api.HandleFunc("/reserved-books", s.handle(s.reserve)).Methods(http.MethodPost)
	api.HandleFunc("/reserved-books/{id:[0-9]+}", s.handle(s.getReservation)).Methods(http.MethodGet)
	api.HandleFunc("/reserved-books/{id:[0-9]+}", s.handle(s.cancelReservation)).Methods(http.MethodDelete)

	api.HandleFunc("/fines", s.handle(s.listFines)).Methods(http.MethodGet)
	api.HandleFunc("/fines/{id:[0-9]+}", s.handle(s.getFine)).Methods(http.MethodGet)
	api.HandleFunc("/fines/{id:[0-9]+}", s.handle(s.deleteFine)).Methods(http.MethodDelete)

	return r
}

// WithCORS wraps h with the CORS policy for the given origins. An empty
// list disables cross-origin access.
func WithCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(h)
}

// pathID reads a numeric route variable. The route patterns only admit
// digits, so a parse failure means the id overflowed.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, library.ErrNotFound
	}
	return id, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	if err := s.lib.Ping(r.Context()); err != nil {
		s.log.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	v := &library.ValidationError{}
	if req.Username == "" {
		v.Add("username", "This field is required.")
	}
	if req.Password == "" {
		v.Add("password", "This field is required.")
	}
	if err := v.OrNil(); err != nil {
		return err
	}
	token, claims, err := s.authn.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, library.ErrUnauthorized) {
			return NewAPIError(KindUnauthorized, "Unable to log in with provided credentials.", http.StatusUnauthorized)
		}
		return err
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
	return nil
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) error {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		return library.ErrUnauthorized
	}
	if err := s.authn.Logout(r.Context(), claims); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

type meResponse struct {
	UserID      int64  `json:"user_id"`
	Tier        string `json:"tier"`
	MemberID    int64  `json:"member_id,omitempty"`
	LibrarianID int64  `json:"librarian_id,omitempty"`
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if !c.Authenticated() {
		return library.ErrUnauthorized
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:      c.UserID(),
		Tier:        c.Tier().String(),
		MemberID:    c.MemberID(),
		LibrarianID: c.LibrarianID(),
	})
	return nil
}
