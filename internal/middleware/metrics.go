package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projectpulse/audit-engine/internal/telemetry"
)

// Metrics records http_requests_total and http_request_duration_seconds for
// every request. The path label uses the matched route template from
// c.FullPath() rather than the raw URL, so /v1/events/:id stays one label
// value; unmatched requests are folded into "<no-route>" to keep label
// cardinality bounded.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
