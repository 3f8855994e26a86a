package pages

import (
	"encoding/base64"
	"net/http"
	"strings"
)

const flashCookie = "library_flash"

// Flash levels, used as CSS classes by the layout.
const (
	levelSuccess = "success"
	levelWarning = "warning"
	levelError   = "error"
)

type Flash struct {
	Level   string
	Message string
}

// setFlash stores one message for the next rendered page.
func setFlash(w http.ResponseWriter, level, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(level + "|" + msg)),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash reads and clears the pending message, if any.
func popFlash(w http.ResponseWriter, r *http.Request) *Flash {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Path: "/", MaxAge: -1})
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	level, msg, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil
	}
	switch level {
	case levelSuccess, levelWarning, levelError:
	default:
		return nil
	}
	return &Flash{Level: level, Message: msg}
}
