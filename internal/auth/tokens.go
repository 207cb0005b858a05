// Package auth checks API tokens on incoming requests.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// Validator handles authentication validation
type Validator struct {
	apiTokens map[string]bool
	disabled  bool
}

// NewValidator creates a validator from the configured token file. A
// missing file leaves no valid tokens, so every request is rejected unless
// auth is disabled.
func NewValidator(cfg config.AuthConfig) (*Validator, error) {
	v := &Validator{
		apiTokens: make(map[string]bool),
		disabled:  cfg.Disabled,
	}
	if v.disabled {
		logrus.Warn("API authentication is disabled")
		return v, nil
	}

	if err := v.loadAPITokens(cfg.TokenFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}
	return v, nil
}

// loadAPITokens reads one token per line. Blank lines and lines starting
// with # are ignored.
func (v *Validator) loadAPITokens(tokenFile string) error {
	if tokenFile == "" {
		logrus.Warn("No API token file configured, all API requests will be rejected")
		return nil
	}

	content, err := os.ReadFile(tokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.WithField("file", tokenFile).Warn("API token file not found, all API requests will be rejected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token == "" || strings.HasPrefix(token, "#") {
			continue
		}
		v.apiTokens[token] = true
	}

	logrus.WithField("tokens", len(v.apiTokens)).Info("Loaded API tokens")
	return nil
}

// TokenCount returns the number of loaded tokens
func (v *Validator) TokenCount() int {
	return len(v.apiTokens)
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.disabled || v.validateAPIToken(c) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide a valid API token",
			Code:    http.StatusUnauthorized,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return v.known(strings.TrimSpace(token))
	}

	if token := c.GetHeader("X-API-Token"); token != "" {
		return v.known(token)
	}
	return false
}

func (v *Validator) known(token string) bool {
	if token == "" {
		return false
	}
	for candidate := range v.apiTokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
