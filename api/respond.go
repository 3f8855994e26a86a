package api

import (
	"io"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("encode response")
	}
}

// writeError renders err as an APIError. Internal errors are logged with
// their cause; clients only see the generic message.
func writeError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	apiErr := FromError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, apiErr.HTTPStatus, apiErr)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return validationError("non_field_errors", "Request body is too large or unreadable.")
	}
	if len(body) == 0 {
		return validationError("non_field_errors", "Request body is empty.")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return validationError("non_field_errors", "Malformed JSON: "+err.Error())
	}
	return nil
}

// queryInt parses an optional integer query parameter. Missing or blank
// values yield 0.
func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, validationError(key, "A valid integer is required.")
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, validationError(key, "Must be a valid boolean.")
	}
	return b, nil
}
