package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authProtectedServer(t *testing.T, apiKey string) http.Handler {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return APIKeyAuth(apiKey)(next)
}

func TestAPIKeyAuthAcceptsHeaderKey(t *testing.T) {
	srv := authProtectedServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/admin/orders", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthAcceptsBearerToken(t *testing.T) {
	srv := authProtectedServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/admin/orders", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthRejectsMissingKey(t *testing.T) {
	srv := authProtectedServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/admin/orders", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing API key")
}

func TestAPIKeyAuthRejectsWrongKey(t *testing.T) {
	srv := authProtectedServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/admin/orders", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid API key")
}
