package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/taolaktech/amplify-wallet/internal/payment"
	"github.com/taolaktech/amplify-wallet/internal/reconcile"
	"github.com/taolaktech/amplify-wallet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Stripe caps webhook payloads well below this.
const maxWebhookBytes = 1 << 20

type EventVerifier interface {
	VerifyAndParse(payload []byte, signatureHeader string) (payment.Event, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, ev payment.Event) (reconcile.Outcome, error)
}

// StripeWebhookHandler verifies provider events and hands them to
// reconciliation.
//
// Status codes drive provider redelivery:
// - 200 for applied events and no-ops (duplicates, unmatched, ignored types)
// - 400 for bad signatures or malformed payloads (redelivery cannot help)
// - 500 for anything else, so the provider retries

type StripeWebhookHandler struct {
	Verifier   EventVerifier
	Dispatcher EventDispatcher
}

func (h StripeWebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Verifier == nil || h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ev, err := h.Verifier.VerifyAndParse(payload, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, payment.ErrInvalidSignature) {
		log.Warn("stripe webhook signature rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}
	if err != nil {
		log.Warn("stripe webhook payload rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	out, err := h.Dispatcher.Dispatch(c.Request.Context(), ev)
	if errors.Is(err, reconcile.ErrNoop) {
		c.JSON(http.StatusOK, gin.H{"received": true, "action": reconcile.ActionNoop})
		return
	}
	if err != nil {
		log.Error("stripe webhook dispatch failed", "event_id", ev.ID, "event_type", ev.Type, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "action": out.Action})
}
