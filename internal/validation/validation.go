// Package validation provides input validation for the Praxis billing API.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size. Stripe caps webhook
// payloads well below this; anything larger is not a legitimate notification.
const MaxRequestSize = 1 << 20 // 1MB

var (
	// currencyRegex validates ISO 4217 alphabetic codes.
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
	// tenantIDRegex validates tenant identifiers (slug-like, as issued by the directory).
	tenantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks if a string is a plausible ISO 4217 currency code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidTenantID checks if a string is a well-formed tenant identifier.
func IsValidTenantID(id string) bool {
	return tenantIDRegex.MatchString(id)
}

// IsValidMinorUnits checks that a money amount in minor units is sane.
// Negative amounts never arrive on charge or refund events.
func IsValidMinorUnits(amount int64) bool {
	return amount >= 0
}

// TenantParamMiddleware validates the :tenantId URL parameter on routes that
// use it. Rejects malformed identifiers before they reach a store query.
func TenantParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("tenantId")
		if id != "" && !IsValidTenantID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tenant_id",
				"message": "tenant id must be 1-64 characters of [a-zA-Z0-9_-]",
			})
			return
		}
		c.Next()
	}
}
