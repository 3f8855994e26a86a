package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"library-server/library"
)

// SessionCookie carries the access token for the HTML pages.
const SessionCookie = "library_session"

// Directory is what the authenticator needs from the library.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (*library.Identity, error)
	ResolveCaller(ctx context.Context, userID int64) (library.Caller, error)
}

// Authenticator issues tokens on login and resolves the caller of every
// request exactly once.
type Authenticator struct {
	dir          Directory
	tokens       *Tokens
	revoker      Revoker
	log          logrus.FieldLogger
	secureCookie bool
}

func NewAuthenticator(dir Directory, tokens *Tokens, revoker Revoker, log logrus.FieldLogger, secureCookie bool) *Authenticator {
	return &Authenticator{dir: dir, tokens: tokens, revoker: revoker, log: log, secureCookie: secureCookie}
}

type ctxKey int

const (
	callerKey ctxKey = iota
	claimsKey
)

// CallerFrom returns the caller resolved for the request, or Anonymous.
func CallerFrom(ctx context.Context) library.Caller {
	if c, ok := ctx.Value(callerKey).(library.Caller); ok {
		return c
	}
	return library.Anonymous()
}

// ClaimsFrom returns the verified token of the request, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// WithCaller stores c in ctx. Used by the middleware and by tests.
func WithCaller(ctx context.Context, c library.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// Login checks credentials and issues a token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *Claims, error) {
	ident, err := a.dir.Authenticate(ctx, username, password)
	if err != nil {
		return "", nil, err
	}
	token, claims, err := a.tokens.Issue(ident.ID)
	if err != nil {
		return "", nil, err
	}
	a.log.WithField("user_id", ident.ID).Info("login")
	return token, claims, nil
}

// Logout revokes the token described by claims.
func (a *Authenticator) Logout(ctx context.Context, claims *Claims) error {
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	if err := a.revoker.Revoke(ctx, claims.ID, expires); err != nil {
		return err
	}
	a.log.WithField("subject", claims.Subject).Info("logout")
	return nil
}

// SetSessionCookie stores token in the session cookie.
func (a *Authenticator) SetSessionCookie(w http.ResponseWriter, token string, claims *Claims) {
	c := &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	if claims.ExpiresAt != nil {
		c.Expires = claims.ExpiresAt.Time
	}
	http.SetCookie(w, c)
}

func (a *Authenticator) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// rawToken prefers the Authorization header over the session cookie.
func rawToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// Middleware resolves the caller once and stores it in the request
// context. Missing, invalid and revoked tokens leave the caller anonymous;
// the access table then decides whether that is enough.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, claims, err := a.resolve(ctx, rawToken(r))
		if err != nil {
			a.log.WithError(err).Error("resolve caller")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		ctx = WithCaller(ctx, caller)
		if claims != nil {
			ctx = context.WithValue(ctx, claimsKey, claims)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(ctx context.Context, raw string) (library.Caller, *Claims, error) {
	if raw == "" {
		return library.Anonymous(), nil, nil
	}
	claims, err := a.tokens.Parse(raw)
	if err != nil {
		a.log.WithError(err).Debug("rejected token")
		return library.Anonymous(), nil, nil
	}
	revoked, err := a.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return library.Anonymous(), nil, err
	}
	if revoked {
		return library.Anonymous(), nil, nil
	}
	userID, err := claims.UserID()
	if err != nil {
		return library.Anonymous(), nil, nil
	}
	caller, err := a.dir.ResolveCaller(ctx, userID)
	if err != nil {
		return library.Anonymous(), nil, err
	}
	return caller, claims, nil
}
