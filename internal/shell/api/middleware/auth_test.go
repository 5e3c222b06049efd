package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(t *testing.T, m *AuthMiddleware, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware_NoToken_PassesThrough(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{})
	assert.False(t, m.Enabled())

	rec := serve(t, m, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		wantStatus    int
		wantCode      string
	}{
		{"valid token", "Bearer s3cret", http.StatusOK, ""},
		{"scheme is case insensitive", "bearer s3cret", http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized, "unauthorized"},
		{"empty token", "Bearer ", http.StatusUnauthorized, "unauthorized"},
		{"wrong token", "Bearer nope", http.StatusForbidden, "forbidden"},
	}

	m := NewAuthMiddleware(AuthConfig{Token: "s3cret"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, m, tt.authorization)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode == "" {
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}
