// Package middleware holds transport-agnostic gin.HandlerFunc pieces:
// request-id tagging, structured access logging, response compression,
// security headers, request size limits and per-request timeouts. None of
// these are specific to the SSO daemon's domain; they bind the client
// transport (internal/transport) the same way they would bind any gin
// service.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/logger"
)

// StructuredLogger logs every request through the component zerolog logger
// instead of the standard library's log package, so HTTP access logs carry
// the same component/field conventions as the rest of the daemon.
func StructuredLogger() gin.HandlerFunc {
	return StructuredLoggerWithConfigFunc(DefaultStructuredLoggerConfig())
}

// StructuredLoggerConfig allows customization of structured logging.
type StructuredLoggerConfig struct {
	// SkipPaths is a list of paths to skip logging (e.g., health checks).
	SkipPaths []string

	// SkipHealthCheck if true, skips logging for /health endpoints.
	SkipHealthCheck bool

	// LogQuery if false, skips logging query parameters (for privacy).
	LogQuery bool
}

// DefaultStructuredLoggerConfig returns the default configuration.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths:       []string{},
		SkipHealthCheck: true,
		LogQuery:        true,
	}
}

// StructuredLoggerWithConfigFunc creates a structured logger with custom config.
func StructuredLoggerWithConfigFunc(config StructuredLoggerConfig) gin.HandlerFunc {
	skipMap := make(map[string]bool)
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}
	if config.SkipHealthCheck {
		skipMap["/health"] = true
		skipMap["/v1/health"] = true
	}

	log := logger.HTTP()

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipMap[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		evt := log.Info()
		if status >= 500 {
			evt = log.Error()
		} else if status >= 400 {
			evt = log.Warn()
		}

		evt = evt.Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if config.LogQuery && raw != "" {
			evt = evt.Str("query", raw)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Msg("http request")
	}
}
