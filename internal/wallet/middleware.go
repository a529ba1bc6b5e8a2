package wallet

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/taolaktech/amplify-wallet/internal/auth"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
	"github.com/taolaktech/amplify-wallet/internal/rbac"
	"github.com/taolaktech/amplify-wallet/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	headerEstimatedCostMinor = "X-Estimated-Cost-Minor"
	headerCurrency           = "X-Currency"
	ginBalanceKey            = "wallet_balance"
)

// BalanceService is the minimal wallet service interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (Balance, error)
}

// RequireSufficientBalance gates campaign launches on the committed balance.
// It is a pre-check only: the debit itself is still a conditional update,
// so a concurrent debit between this check and the launch is caught there.
//
// - X-Estimated-Cost-Minor (int64, required) is the expected spend
// - X-Currency is optional; when sent it must match the wallet
// - super_admin bypasses
//
// The balance read here is left on the gin context (see BalanceFromGin).
func RequireSufficientBalance(svc BalanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok || id.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}
		if rbac.IsSuperAdmin(id.Role) {
			c.Next()
			return
		}

		estimate, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(headerEstimatedCostMinor)), 10, 64)
		if err != nil || estimate <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "X-Estimated-Cost-Minor must be a positive integer"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), id.UserID)
		if err != nil {
			logger.FromGin(c).Error("balance pre-check failed", "user_id", id.UserID, "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "balance lookup failed"})
			return
		}

		if cur := strings.TrimSpace(c.GetHeader(headerCurrency)); cur != "" && !strings.EqualFold(cur, bal.Currency) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "currency mismatch", "wallet_currency": bal.Currency})
			return
		}
		if bal.Status != ledger.WalletStatusActive {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "wallet not active", "status": bal.Status})
			return
		}
		if bal.Balance < estimate {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient balance",
				"balance":   bal.Balance,
				"shortfall": estimate - bal.Balance,
			})
			return
		}

		c.Set(ginBalanceKey, bal)
		c.Next()
	}
}

// BalanceFromGin returns the balance RequireSufficientBalance read, if it ran.
func BalanceFromGin(c *gin.Context) (Balance, bool) {
	v, ok := c.Get(ginBalanceKey)
	if !ok {
		return Balance{}, false
	}
	bal, ok := v.(Balance)
	return bal, ok
}
