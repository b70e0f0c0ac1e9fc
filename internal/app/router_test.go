package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastedesk/wastedesk/internal/observability"
	"github.com/wastedesk/wastedesk/internal/shared"
)

func TestRouterHealthAndMetrics(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppEnv: "test"}, Metrics: observability.NewMetrics()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rr.Header().Get("X-Frame-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `wastedesk_http_requests_total{code="200",route="/healthz"} 1`))
}

func TestOperatorContext(t *testing.T) {
	var seen string
	handler := OperatorContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/declarations/x/approve", nil)
	req.Header.Set(OperatorHeader, "  j.devries ")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "j.devries", seen)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/declarations/x/approve", nil))
	assert.Equal(t, "", seen)
}
