package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/taolaktech/amplify-wallet/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// RequireAccessToken verifies the bearer token and puts the caller's
// identity on the request context. RBAC lives in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if !strings.HasPrefix(raw, bearerPrefix) {
			c.Header("WWW-Authenticate", `Bearer realm="amplify-wallet"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrWrongTokenType) {
				msg = "access token required"
			}
			logger.FromGin(c).Debug("token rejected", "err", err)
			c.Header("WWW-Authenticate", `Bearer realm="amplify-wallet", error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), claims.UserID, claims.Role))
		// the request logger reads user_id from here
		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}
