package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/audit"
	"github.com/taolaktech/amplify-wallet/internal/auth"
	"github.com/taolaktech/amplify-wallet/internal/billing"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
	"github.com/taolaktech/amplify-wallet/internal/reporting"
	"github.com/taolaktech/amplify-wallet/internal/wallet"
	"github.com/taolaktech/amplify-wallet/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerIdempotencyKey = "Idempotency-Key"

// BillingService is the inbound operation API the handlers call.
type BillingService interface {
	TopUp(ctx context.Context, req billing.TopUpRequest) (billing.TopUpResult, error)
	DebitForCampaign(ctx context.Context, req billing.DebitRequest) (billing.Result, error)
	Refund(ctx context.Context, req billing.RefundRequest) (billing.Result, error)
	GetBalance(ctx context.Context, userID string) (wallet.Balance, error)
	TransactionByKey(ctx context.Context, userID, key string) (ledger.Transaction, error)
	LinkCustomer(ctx context.Context, userID, customerRef string) (ledger.Profile, error)
	Profile(ctx context.Context, userID string) (ledger.Profile, error)
}

// WalletAdmin changes wallet status on an admin's behalf.
type WalletAdmin interface {
	Freeze(ctx context.Context, userID string, actor wallet.Actor, reason string) (wallet.Balance, error)
	Unfreeze(ctx context.Context, userID string, actor wallet.Actor, reason string) (wallet.Balance, error)
	Close(ctx context.Context, userID string, actor wallet.Actor, reason string) (wallet.Balance, error)
}

// AuditReader lists privileged actions against a wallet, newest first.
type AuditReader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]audit.Event, error)
}

type StatementService interface {
	Statement(ctx context.Context, req reporting.StatementRequest) (reporting.Statement, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Billing   BillingService
	Wallets   WalletAdmin
	Reporting StatementService
	Audit     AuditReader

	Now func() time.Time
}

// --- Wallet ---

func (h Handlers) GetWallet(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bal, err := h.Billing.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

type topUpRequest struct {
	Amount           int64  `json:"amount"`
	PaymentMethodRef string `json:"payment_method_ref"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type topUpResponse struct {
	Transaction  ledger.Transaction `json:"transaction"`
	ClientSecret string             `json:"client_secret,omitempty"`
	Replayed     bool               `json:"replayed"`
}

// TopUp starts a wallet top-up. 200 means credited, 202 means the provider
// needs customer action and the outcome arrives later.
func (h Handlers) TopUp(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	res, err := h.Billing.TopUp(c.Request.Context(), billing.TopUpRequest{
		UserID:           userID,
		IdempotencyKey:   idempotencyKey(c, req.IdempotencyKey),
		Amount:           req.Amount,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Transaction.Status == ledger.TransactionStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, topUpResponse{
		Transaction:  publicTransaction(res.Transaction),
		ClientSecret: res.ClientSecret,
		Replayed:     res.Replayed,
	})
}

type debitRequest struct {
	Amount         int64  `json:"amount"`
	CampaignID     string `json:"campaign_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type balanceResponse struct {
	Transaction ledger.Transaction `json:"transaction"`
	Balance     int64              `json:"balance"`
}

func (h Handlers) DebitForCampaign(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	res, err := h.Billing.DebitForCampaign(c.Request.Context(), billing.DebitRequest{
		UserID:         userID,
		CampaignID:     req.CampaignID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Amount:         req.Amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, balanceResponse{Transaction: publicTransaction(res.Transaction), Balance: res.Balance})
}

// CampaignPreflight runs behind wallet.RequireSufficientBalance, so reaching
// it means the committed balance covered the estimate at read time.
func (h Handlers) CampaignPreflight(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bal, ok := wallet.BalanceFromGin(c)
	if !ok {
		var err error
		if bal, err = h.Billing.GetBalance(c.Request.Context(), userID); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "balance": bal.Balance, "currency": bal.Currency})
}

// GetTransaction lets a caller poll the outcome of a keyed request.
func (h Handlers) GetTransaction(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	txn, err := h.Billing.TransactionByKey(c.Request.Context(), userID, c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// GetStatement defaults to the last 30 days when from/to are absent.
func (h Handlers) GetStatement(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}

	now := h.now()
	rng := reporting.TimeRange{From: now.AddDate(0, 0, -30), To: now}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		rng.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		rng.To = t
	}

	st, err := h.Reporting.Statement(c.Request.Context(), reporting.StatementRequest{UserID: userID, Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h Handlers) GetProfile(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	p, err := h.Billing.Profile(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- Admin ---

type adminStatusRequest struct {
	Reason string `json:"reason"`
}

// AdminFreeze, AdminUnfreeze and AdminClose change wallet status.
// RBAC: admin or super_admin (enforced by route middleware).
func (h Handlers) AdminFreeze(c *gin.Context)   { h.adminStatus(c, h.Wallets.Freeze) }
func (h Handlers) AdminUnfreeze(c *gin.Context) { h.adminStatus(c, h.Wallets.Unfreeze) }
func (h Handlers) AdminClose(c *gin.Context)    { h.adminStatus(c, h.Wallets.Close) }

func (h Handlers) adminStatus(c *gin.Context, change func(context.Context, string, wallet.Actor, string) (wallet.Balance, error)) {
	var req adminStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reason required"})
		return
	}
	bal, err := change(c.Request.Context(), c.Param("user_id"), actorOf(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("wallet status changed", "user_id", c.Param("user_id"), "status", bal.Status)
	c.JSON(http.StatusOK, bal)
}

type refundRequest struct {
	Amount                int64  `json:"amount"`
	Reason                string `json:"reason"`
	RefundedTransactionID string `json:"refunded_transaction_id,omitempty"`
	IdempotencyKey        string `json:"idempotency_key,omitempty"`
}

func (h Handlers) AdminRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Billing.Refund(c.Request.Context(), billing.RefundRequest{
		UserID:                c.Param("user_id"),
		IdempotencyKey:        idempotencyKey(c, req.IdempotencyKey),
		Amount:                req.Amount,
		Reason:                req.Reason,
		RefundedTransactionID: req.RefundedTransactionID,
		Actor:                 actorOf(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, balanceResponse{Transaction: publicTransaction(res.Transaction), Balance: res.Balance})
}

type linkCustomerRequest struct {
	CustomerRef string `json:"customer_ref"`
}

func (h Handlers) AdminLinkCustomer(c *gin.Context) {
	var req linkCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p, err := h.Billing.LinkCustomer(c.Request.Context(), c.Param("user_id"), req.CustomerRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// AdminAuditTrail returns the audit events for one wallet owner.
func (h Handlers) AdminAuditTrail(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	evs, err := h.Audit.ListForUser(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func requireUser(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return userID, true
}

func actorOf(c *gin.Context) wallet.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return wallet.Actor{UserID: uid, Role: role, IP: c.ClientIP()}
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(c *gin.Context, body string) string {
	if k := strings.TrimSpace(c.GetHeader(headerIdempotencyKey)); k != "" {
		return k
	}
	return strings.TrimSpace(body)
}

func publicTransaction(t ledger.Transaction) ledger.Transaction {
	if _, ok := t.Metadata[ledger.MetaClientSecret]; ok {
		t.Metadata = ledger.MergeMetadata(t.Metadata, nil)
		delete(t.Metadata, ledger.MetaClientSecret)
	}
	return t
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	var be *billing.Error
	if errors.As(err, &be) {
		switch be.Kind {
		case billing.KindValidation:
			return http.StatusBadRequest
		case billing.KindDuplicate, billing.KindWalletInactive, billing.KindWalletClosed:
			return http.StatusConflict
		case billing.KindInsufficientFunds:
			return http.StatusPaymentRequired
		case billing.KindGateway:
			switch {
			case be.Declined():
				return http.StatusPaymentRequired
			case be.Retryable:
				return http.StatusServiceUnavailable
			}
			return http.StatusBadGateway
		case billing.KindStore:
			return http.StatusServiceUnavailable
		case billing.KindNotFound:
			return http.StatusNotFound
		case billing.KindBusy:
			return http.StatusTooManyRequests
		}
	}
	switch {
	case errors.Is(err, wallet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, audit.ErrInvalidListFilter):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := gin.H{"error": err.Error()}
	var be *billing.Error
	if errors.As(err, &be) {
		body["code"] = be.Kind
		if be.Code != "" {
			body["provider_code"] = be.Code
		}
		if be.Transaction != nil {
			body["transaction"] = publicTransaction(*be.Transaction)
		}
		if be.Retryable {
			body["retryable"] = true
		}
	}
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "status", status, "err", err)
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, body)
}
