package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "/api/books", http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "/api/books", http.StatusOK, 5*time.Millisecond)
	m.LedgerOperation("borrow", "ok")
	m.LedgerOperation("borrow", "unavailable")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/api/books", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledger.WithLabelValues("borrow", "unavailable")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `libraryd_ledger_operations_total{operation="borrow",outcome="ok"} 1`)
	assert.Contains(t, string(body), "libraryd_http_request_duration_seconds_bucket")
}
