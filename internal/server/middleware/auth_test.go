package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authProbe(t *testing.T, apiKey string, decorate func(*http.Request)) int {
	t.Helper()

	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	Auth(apiKey)(next).ServeHTTP(rec, req)

	if rec.Code == http.StatusNoContent {
		assert.True(t, reached)
	}
	return rec.Code
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	code := authProbe(t, "", nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestAuthBearerToken(t *testing.T) {
	code := authProbe(t, "sekrit", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sekrit")
	})
	assert.Equal(t, http.StatusNoContent, code)
}

func TestAuthAPIKeyHeader(t *testing.T) {
	code := authProbe(t, "sekrit", func(r *http.Request) {
		r.Header.Set("X-API-Key", "sekrit")
	})
	assert.Equal(t, http.StatusNoContent, code)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	code := authProbe(t, "sekrit", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAuthRejectsWrongToken(t *testing.T) {
	code := authProbe(t, "sekrit", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, code)
}
