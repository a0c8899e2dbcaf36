// Package middleware provides the Gin middleware stack for the audit engine
// API. Everything here is registered in internal/api/router.go ahead of the
// route handlers, in a fixed order: security headers, request ID, metrics,
// rate limiting, then authentication.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader propagates the request identifier to and from clients.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key carrying the request ID so
	// handlers can attach it to logs and error responses.
	RequestIDKey = "request_id"
)

// RequestID ensures every request carries a correlation identifier: an
// inbound X-Request-ID is reused, otherwise a fresh UUID is generated. The
// ID is stored in the context and echoed in the response header so clients
// can correlate failures with server-side logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
