package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/auth"
)

func protected(t *testing.T, a *auth.Authenticator) http.Handler {
	t.Helper()
	return AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := GetUserFromContext(r.Context()); claims != nil {
			w.Header().Set("X-User", claims.Username)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAuthMiddleware(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Options{Enabled: true, Password: "pw", JWTSecret: "k"})
	require.NoError(t, err)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"bearer", "Bearer " + token, "", http.StatusNoContent},
		{"query token", "", "?token=" + token, http.StatusNoContent},
	}
	h := protected(t, a)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "admin", rec.Header().Get("X-User"))
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestAuthMiddlewareDisabledPassesThrough(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Options{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	protected(t, a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("X-User"))
}
