package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/httpapi"
	"github.com/taolaktech/amplify-wallet/internal/rbac"
	"github.com/taolaktech/amplify-wallet/internal/wallet"
	"github.com/taolaktech/amplify-wallet/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	DB      *sql.DB
	Redis   *redis.Client
	Handler httpapi.Handlers
	Webhook httpapi.StripeWebhookHandler
	Balance wallet.BalanceService
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.DB, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if d.Redis != nil {
			if err := d.Redis.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks are authenticated by signature, not by token.
	r.POST("/webhooks/stripe", d.Webhook.Handle)

	h := d.Handler

	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireUser())
	{
		v1.GET("/wallet", h.GetWallet)
		v1.POST("/wallet/top-ups", h.TopUp)
		v1.GET("/wallet/statement", h.GetStatement)
		v1.POST("/campaigns/debits", h.DebitForCampaign)
		v1.POST("/campaigns/preflight", wallet.RequireSufficientBalance(d.Balance), h.CampaignPreflight)
		v1.GET("/transactions/:key", h.GetTransaction)
		v1.GET("/billing/profile", h.GetProfile)
	}

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/wallets/:user_id/freeze", h.AdminFreeze)
		admin.POST("/wallets/:user_id/unfreeze", h.AdminUnfreeze)
		admin.POST("/wallets/:user_id/close", h.AdminClose)
	}

	support := v1.Group("/admin")
	support.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupport))
	{
		support.GET("/wallets/:user_id/audit", h.AdminAuditTrail)
	}

	// billing_operator is hidden, so it only reaches the money-moving routes
	// that name it.
	billingAdmin := v1.Group("/admin")
	billingAdmin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleBillingOperator))
	{
		billingAdmin.POST("/wallets/:user_id/refunds", h.AdminRefund)
		billingAdmin.POST("/billing/:user_id/customer", h.AdminLinkCustomer)
	}
}
