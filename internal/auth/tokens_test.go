package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokens(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewValidator(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(t *testing.T) config.AuthConfig
		wantTokens int
	}{
		{
			name: "token file",
			cfg: func(t *testing.T) config.AuthConfig {
				return config.AuthConfig{TokenFile: writeTokens(t, "alpha\n\n  beta  \n# comment\n")}
			},
			wantTokens: 2,
		},
		{
			name: "missing file",
			cfg: func(*testing.T) config.AuthConfig {
				return config.AuthConfig{TokenFile: "/nonexistent/tokens"}
			},
		},
		{
			name:       "no file configured",
			cfg:        func(*testing.T) config.AuthConfig { return config.AuthConfig{} },
			wantTokens: 0,
		},
		{
			name: "disabled skips loading",
			cfg: func(*testing.T) config.AuthConfig {
				return config.AuthConfig{TokenFile: "/nonexistent/tokens", Disabled: true}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(tt.cfg(t))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTokens, v.TokenCount())
		})
	}
}

func TestNewValidator_UnreadableFile(t *testing.T) {
	_, err := NewValidator(config.AuthConfig{TokenFile: t.TempDir()})
	assert.Error(t, err, "a directory is not a token file")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokenFile := writeTokens(t, "secret-token\n")

	tests := []struct {
		name     string
		disabled bool
		headers  map[string]string
		expected int
	}{
		{name: "bearer token", headers: map[string]string{"Authorization": "Bearer secret-token"}, expected: http.StatusOK},
		{name: "api token header", headers: map[string]string{"X-API-Token": "secret-token"}, expected: http.StatusOK},
		{name: "wrong token", headers: map[string]string{"Authorization": "Bearer nope"}, expected: http.StatusUnauthorized},
		{name: "empty bearer", headers: map[string]string{"Authorization": "Bearer "}, expected: http.StatusUnauthorized},
		{name: "basic auth", headers: map[string]string{"Authorization": "Basic c2VjcmV0"}, expected: http.StatusUnauthorized},
		{name: "no credentials", expected: http.StatusUnauthorized},
		{name: "disabled", disabled: true, expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(config.AuthConfig{TokenFile: tokenFile, Disabled: tt.disabled})
			require.NoError(t, err)

			router := gin.New()
			router.Use(v.Middleware())
			router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			for k, val := range tt.headers {
				req.Header.Set(k, val)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}
