// Package http provides the gateway's HTTP surface: the authorization gate
// middleware, the payment-rail endpoints, and the protected agent proxy.
package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	gateway "github.com/gourmagent/gateway"
)

const bearerPrefix = "Bearer "

// RequireCredential gates a route on a valid bearer credential. Requests
// without one get 402 with a body enumerating the advertised payment rails,
// never 401/403: the caller is being asked to pay, not being forbidden.
func RequireCredential(store *gateway.CredentialStore, manager *gateway.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(auth, bearerPrefix) {
			credential := strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix))
			if store.Validate(credential) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment required",
			"accepts": manager.Rails(),
		})
	}
}
