// auth.go authenticates requests and establishes the tenant scope every
// downstream read and write is bound to. There is no anonymous access to any
// data route: a missing, invalid, or tenant-less token is a hard 401/403,
// never a degraded view.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/projectpulse/audit-engine/internal/auth"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

const (
	// TenantIDKey is the gin.Context key carrying the authenticated tenant.
	TenantIDKey = "tenant_id"
	// ScopeKey is the gin.Context key carrying the full tenant.Scope.
	ScopeKey = "scope"
)

// Auth validates the bearer token and injects the authenticated scope into
// both the gin context and the request context (for code below the HTTP
// layer that takes context.Context).
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims, err := auth.ValidateJWT(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		scope := tenant.Scope{
			TenantID:   claims.TenantID,
			UserID:     claims.UserID,
			Role:       claims.Role,
			Department: claims.Department,
		}
		if err := scope.Validate(); err != nil {
			// Authenticated but tenant-less: fail closed.
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":           "authorization_denied",
					"message":        "token carries no tenant",
					"correlation_id": c.GetString(RequestIDKey),
				},
			})
			return
		}

		c.Set(TenantIDKey, scope.TenantID)
		c.Set(ScopeKey, scope)
		c.Request = c.Request.WithContext(tenant.WithScope(c.Request.Context(), scope))
		c.Next()
	}
}

// ScopeFrom extracts the authenticated scope placed by Auth. The boolean is
// false on routes where Auth did not run.
func ScopeFrom(c *gin.Context) (tenant.Scope, bool) {
	v, ok := c.Get(ScopeKey)
	if !ok {
		return tenant.Scope{}, false
	}
	scope, ok := v.(tenant.Scope)
	return scope, ok
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":           "authentication_required",
			"message":        message,
			"correlation_id": c.GetString(RequestIDKey),
		},
	})
}
