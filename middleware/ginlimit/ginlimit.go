// Package ginlimit adapts the rategate limiter to Gin applications.
package ginlimit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rategate/rategate/internal/clock"
	"github.com/rategate/rategate/internal/limiter"
)

// KeyFunc resolves the admission identifier from the request.
type KeyFunc func(*gin.Context) (string, error)

// Options configure the middleware.
type Options struct {
	// KeyHeader names the header DefaultKeyFunc checks first
	// (default "X-API-Key").
	KeyHeader string
	// FailOpen admits requests when the limiter returns an error.
	FailOpen bool
}

// Admit returns a Gin middleware enforcing the limiter for every request.
// A nil keyFunc falls back to DefaultKeyFunc.
func Admit(lim limiter.Limiter, clk clock.Clock, keyFunc KeyFunc, opts Options) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc(opts.KeyHeader)
	}

	return func(c *gin.Context) {
		identifier, err := keyFunc(c)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid rate limit key")
			return
		}

		verdict, err := lim.Evaluate(c.Request.Context(), identifier)
		if err != nil {
			if opts.FailOpen {
				c.Next()
				return
			}
			abort(c, http.StatusServiceUnavailable, "admission check unavailable")
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", verdict.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", verdict.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", verdict.ResetAt.Unix()))

		if !verdict.Allowed {
			retryAfter := int64(verdict.RetryAt.Sub(clk.Now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			abort(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		c.Next()
	}
}

// DefaultKeyFunc resolves the identifier from the configured header, then a
// bearer token, then the client IP.
func DefaultKeyFunc(header string) KeyFunc {
	if header == "" {
		header = "X-API-Key"
	}
	return func(c *gin.Context) (string, error) {
		if value := strings.TrimSpace(c.GetHeader(header)); value != "" {
			return value, nil
		}
		if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
			parts := strings.Fields(auth)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				return parts[1], nil
			}
			return auth, nil
		}
		if ip := c.ClientIP(); ip != "" {
			return ip, nil
		}
		return "", errors.New("no identifier on request")
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
