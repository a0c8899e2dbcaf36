// security.go injects protective response headers on every request. The
// defaults assume a JSON API: framing and cross-origin embedding are denied
// outright and no CSP sources are allowed.
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/projectpulse/audit-engine/internal/config"
)

// SecurityHeaders adds the standard protective headers. HSTS is only
// emitted when TLS is enabled; advertising it over plaintext is meaningless.
func SecurityHeaders(cfg config.SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.TLS.Enabled {
			c.Header("Strict-Transport-Security", "max-age="+strconv.Itoa(31536000)+"; includeSubDomains")
		}
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cross-Origin-Resource-Policy", "same-origin")

		if origin := c.GetHeader("Origin"); origin != "" && originAllowed(origin, cfg.CORS.AllowedOrigins) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			if len(cfg.CORS.AllowedMethods) > 0 {
				c.Header("Access-Control-Allow-Methods", joinMethods(cfg.CORS.AllowedMethods))
			}
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(204)
				return
			}
		}
		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func joinMethods(methods []string) string {
	out := ""
	for i, m := range methods {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}
