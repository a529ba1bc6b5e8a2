package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/audit"
	"github.com/taolaktech/amplify-wallet/internal/events"
	"github.com/taolaktech/amplify-wallet/internal/idempotency"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
	"github.com/taolaktech/amplify-wallet/internal/payment"
	"github.com/taolaktech/amplify-wallet/internal/recorder"
	"github.com/taolaktech/amplify-wallet/internal/wallet"
	"github.com/taolaktech/amplify-wallet/pkg/logger"

	"golang.org/x/sync/singleflight"
)

const (
	opTopUp          = "top_up"
	opCampaignDebit  = "campaign_debit"
	opRefund         = "refund"
	opGetBalance     = "get_balance"
	opTransaction    = "transaction_by_key"
	opLinkCustomer   = "link_customer"
	opProfile        = "profile"
	maxKeyLength     = 255
	metaCampaignID   = "campaign_id"
	metaRefundedTxID = "refunded_transaction_id"

	// Set on a PENDING top-up whose charge call ended without an answer.
	metaGatewayError     = "gateway_error"
	metaGatewayErrorCode = "gateway_error_code"
)

// Metrics is the subset of the Prometheus collectors the service reports to.
type Metrics interface {
	Operation(op, result string)
	TopUpStarted()
	TopUpFinished()
}

// RefundAuditor records admin refunds. Failures are logged, never returned.
type RefundAuditor interface {
	LogRefund(ctx context.Context, userID string, actor audit.Actor, transactionID string, meta map[string]string) error
}

type Config struct {
	Currency         string
	MinTopUp         int64
	MinCampaignDebit int64
}

type Deps struct {
	Store     ledger.Store
	Wallets   *wallet.Manager
	Recorder  *recorder.Recorder
	Guard     *idempotency.Guard
	Gateway   payment.Gateway
	Publisher events.Publisher
	// Limiter is optional; nil means no per-user cap on in-flight top-ups.
	Limiter Limiter
	Metrics Metrics
	Audit   RefundAuditor
	Logger  *slog.Logger
}

// Service is the inbound operation API over the ledger.
//
// Every balance change commits together with its transaction row in one
// session. Provider calls never run inside a session: a top-up reserves a
// PENDING row, calls the gateway, then settles the row in a second session.
type Service struct {
	cfg       Config
	store     ledger.Store
	wallets   *wallet.Manager
	recorder  *recorder.Recorder
	guard     *idempotency.Guard
	gateway   payment.Gateway
	publisher events.Publisher
	limiter   Limiter
	metrics   Metrics
	audit     RefundAuditor
	log       *slog.Logger
	clock     func() time.Time

	// flight collapses concurrent top-ups with the same key in this process.
	flight singleflight.Group
}

func NewService(cfg Config, d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Service{
		cfg:       cfg,
		store:     d.Store,
		wallets:   d.Wallets,
		recorder:  d.Recorder,
		guard:     d.Guard,
		gateway:   d.Gateway,
		publisher: d.Publisher,
		limiter:   d.Limiter,
		metrics:   d.Metrics,
		audit:     d.Audit,
		log:       d.Logger,
		clock:     time.Now,
	}
}

type TopUpRequest struct {
	UserID           string
	IdempotencyKey   string
	Amount           int64
	PaymentMethodRef string
}

type TopUpResult struct {
	Transaction ledger.Transaction
	// ClientSecret is set while the provider waits for customer action.
	ClientSecret string
	// Replayed is true when the result comes from an earlier request with
	// the same idempotency key.
	Replayed bool
}

// Result is returned by synchronous balance operations.
type Result struct {
	Transaction ledger.Transaction
	Balance     int64
}

// TopUp charges the payment method and credits the wallet once the charge
// succeeds. A PENDING result completes later through reconciliation.
func (s *Service) TopUp(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := s.validateTopUp(req); err != nil {
		s.count(opTopUp, "", err)
		return TopUpResult{}, err
	}

	var (
		res TopUpResult
		err error
	)
	if req.IdempotencyKey == "" {
		res, err = s.topUp(ctx, req)
	} else {
		var v any
		v, err, _ = s.flight.Do(req.IdempotencyKey, func() (any, error) {
			return s.topUp(ctx, req)
		})
		res, _ = v.(TopUpResult)
	}
	s.count(opTopUp, res.Transaction.Status, err)
	return res, err
}

func (s *Service) validateTopUp(req TopUpRequest) error {
	switch {
	case req.UserID == "":
		return invalid(opTopUp, "user id required")
	case req.PaymentMethodRef == "":
		return invalid(opTopUp, "payment method required")
	case req.Amount <= 0 || req.Amount < s.cfg.MinTopUp:
		return invalid(opTopUp, fmt.Sprintf("amount must be at least %d", s.cfg.MinTopUp))
	case len(req.IdempotencyKey) > maxKeyLength:
		return invalid(opTopUp, "idempotency key too long")
	}
	return nil
}

func (s *Service) topUp(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	d, err := s.guard.Check(ctx, req.IdempotencyKey)
	if err != nil {
		return TopUpResult{}, storeFailure(opTopUp, err)
	}
	if !d.Proceed() {
		return s.replayTopUp(ctx, req, d)
	}

	if s.limiter != nil {
		release, err := s.limiter.Acquire(ctx, req.UserID)
		if errors.Is(err, ErrBusy) {
			return TopUpResult{}, &Error{Kind: KindBusy, Op: opTopUp, Msg: "too many top-ups in flight", Retryable: true}
		}
		if err != nil {
			return TopUpResult{}, storeFailure(opTopUp, err)
		}
		defer release()
	}

	pending, err := s.reserveTopUp(ctx, req)
	if errors.Is(err, recorder.ErrDuplicateKey) {
		d, rerr := s.guard.Resolve(ctx, req.IdempotencyKey)
		if rerr != nil {
			return TopUpResult{}, storeFailure(opTopUp, rerr)
		}
		return s.replayTopUp(ctx, req, d)
	}
	if err != nil {
		return TopUpResult{}, mapWalletErr(opTopUp, err)
	}
	return s.chargeTopUp(ctx, pending, req.PaymentMethodRef)
}

// chargeTopUp calls the provider for a reserved row and settles the outcome.
// The provider key is derived from the row, so a repeated call for the same
// row returns the original charge instead of creating another.
func (s *Service) chargeTopUp(ctx context.Context, pending ledger.Transaction, paymentMethodRef string) (TopUpResult, error) {
	chargeKey := pending.IdempotencyKey
	if chargeKey == "" {
		chargeKey = pending.ID
	}
	s.topUpStarted()
	charge, gwErr := s.gateway.Charge(ctx, payment.ChargeRequest{
		Amount:           pending.Amount,
		Currency:         pending.Currency,
		PaymentMethodRef: paymentMethodRef,
		CustomerRef:      s.customerRef(ctx, pending.UserID),
		IdempotencyKey:   chargeKey,
		Metadata: map[string]string{
			payment.MetaTransactionID: pending.ID,
			payment.MetaUserID:        pending.UserID,
		},
	})
	s.topUpFinished()

	// The provider may have moved money; record the outcome even if the
	// caller has gone away.
	return s.settleTopUp(context.WithoutCancel(ctx), pending, charge, gwErr)
}

// reserveTopUp records the PENDING row before any provider call.
func (s *Service) reserveTopUp(ctx context.Context, req TopUpRequest) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		w, err := s.wallets.Ensure(ctx, sess, req.UserID)
		if err != nil {
			return err
		}
		if w.Status == ledger.WalletStatusClosed {
			return wallet.ErrWalletClosed
		}
		out, err = s.recorder.RecordAttempt(ctx, sess, recorder.Attempt{
			Type:           ledger.TransactionTypeTopUp,
			UserID:         req.UserID,
			Amount:         req.Amount,
			Currency:       s.cfg.Currency,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       map[string]string{ledger.MetaPaymentMethod: req.PaymentMethodRef},
		})
		return err
	})
	return out, err
}

func (s *Service) settleTopUp(ctx context.Context, pending ledger.Transaction, charge payment.ChargeResult, gwErr error) (TopUpResult, error) {
	log := s.logger(ctx).With("transaction_id", pending.ID, "user_id", pending.UserID)

	if gwErr != nil {
		code := gatewayCode(gwErr)
		if !payment.Rejected(gwErr) {
			return s.unknownTopUp(ctx, log, pending, code, gwErr)
		}
		log.Warn("top-up charge rejected", "error_code", code, "err", gwErr)
		return s.failTopUp(ctx, log, pending, "", code, gwErr.Error(), false, gwErr)
	}

	switch charge.Status {
	case payment.ChargeStatusSucceeded:
		return s.completeTopUp(ctx, log, pending, charge)
	case payment.ChargeStatusFailed:
		code := charge.FailureCode
		if code == "" {
			code = "payment_failed"
		}
		reason := charge.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		return s.failTopUp(ctx, log, pending, charge.ChargeRef, code, reason, false, nil)
	default:
		return s.awaitTopUp(ctx, log, pending, charge)
	}
}

func (s *Service) completeTopUp(ctx context.Context, log *slog.Logger, pending ledger.Transaction, charge payment.ChargeResult) (TopUpResult, error) {
	var done ledger.Transaction
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		t, err := s.recorder.Complete(ctx, sess, pending.ID, map[string]string{
			ledger.MetaChargeRef: charge.ChargeRef,
			ledger.MetaSource:    "gateway",
		})
		if err != nil {
			return err
		}
		w, err := s.wallets.Credit(ctx, sess, t.UserID, t.Amount)
		if err != nil {
			return err
		}
		done, err = s.recorder.Annotate(ctx, sess, t.ID, map[string]string{
			ledger.MetaBalanceBefore: strconv.FormatInt(w.Balance-t.Amount, 10),
			ledger.MetaBalanceAfter:  strconv.FormatInt(w.Balance, 10),
		})
		return err
	})
	switch {
	case errors.Is(err, recorder.ErrAlreadyTerminal):
		// Reconciliation settled the row first.
		return s.reloadTopUp(ctx, pending)
	case errors.Is(err, wallet.ErrWalletClosed):
		log.Error("charge succeeded for closed wallet", "charge_ref", charge.ChargeRef)
		return TopUpResult{Transaction: pending}, &Error{Kind: KindWalletClosed, Op: opTopUp, Transaction: &pending, Err: err}
	case err != nil:
		// The row stays PENDING; the charge event matches it by transaction id.
		log.Error("settle succeeded top-up failed", "charge_ref", charge.ChargeRef, "err", err)
		return TopUpResult{Transaction: pending}, storeFailure(opTopUp, err)
	}

	log.Info("top-up completed", "charge_ref", charge.ChargeRef, "amount", done.Amount)
	s.afterCommit(ctx, done)
	return TopUpResult{Transaction: done}, nil
}

func (s *Service) failTopUp(ctx context.Context, log *slog.Logger, pending ledger.Transaction, chargeRef, code, reason string, retryable bool, cause error) (TopUpResult, error) {
	meta := map[string]string{ledger.MetaErrorCode: code, ledger.MetaSource: "gateway"}
	if chargeRef != "" {
		meta[ledger.MetaChargeRef] = chargeRef
	}
	var failed ledger.Transaction
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		var err error
		failed, err = s.recorder.Fail(ctx, sess, pending.ID, reason, meta)
		return err
	})
	if errors.Is(err, recorder.ErrAlreadyTerminal) {
		return s.reloadTopUp(ctx, pending)
	}
	if err != nil {
		log.Error("record failed top-up", "err", err)
		return TopUpResult{Transaction: pending}, storeFailure(opTopUp, err)
	}

	s.afterCommit(ctx, failed)
	return TopUpResult{Transaction: failed}, &Error{
		Kind:        KindGateway,
		Op:          opTopUp,
		Msg:         reason,
		Code:        code,
		Retryable:   retryable,
		Transaction: &failed,
		Err:         cause,
	}
}

// unknownTopUp keeps the row PENDING when the provider may have taken the
// charge. A same-key retry re-issues the charge, and the charge event or the
// sweeper settles it otherwise.
func (s *Service) unknownTopUp(ctx context.Context, log *slog.Logger, pending ledger.Transaction, code string, cause error) (TopUpResult, error) {
	log.Warn("top-up charge outcome unknown", "error_code", code, "err", cause)

	var annotated ledger.Transaction
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		var err error
		annotated, err = s.recorder.Annotate(ctx, sess, pending.ID, map[string]string{
			metaGatewayError:     cause.Error(),
			metaGatewayErrorCode: code,
		})
		return err
	})
	if err != nil {
		log.Error("annotate unknown top-up failed", "err", err)
		annotated = pending
	}
	if annotated.Status != ledger.TransactionStatusPending {
		// A charge event settled the row while the call was failing.
		return s.topUpOutcome(annotated, false)
	}
	return TopUpResult{Transaction: annotated}, &Error{
		Kind:        KindGateway,
		Op:          opTopUp,
		Msg:         "charge outcome unknown; retry with the same idempotency key",
		Code:        code,
		Retryable:   true,
		Transaction: &annotated,
		Err:         cause,
	}
}

// awaitTopUp stores the provider refs on a charge that needs customer action.
func (s *Service) awaitTopUp(ctx context.Context, log *slog.Logger, pending ledger.Transaction, charge payment.ChargeResult) (TopUpResult, error) {
	meta := map[string]string{ledger.MetaChargeRef: charge.ChargeRef}
	if charge.ClientSecret != "" {
		meta[ledger.MetaClientSecret] = charge.ClientSecret
	}
	var annotated ledger.Transaction
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		var err error
		annotated, err = s.recorder.Annotate(ctx, sess, pending.ID, meta)
		return err
	})
	if err != nil {
		// Reconciliation still finds the row through the charge metadata.
		log.Error("annotate pending top-up failed", "charge_ref", charge.ChargeRef, "err", err)
		pending.Metadata = ledger.MergeMetadata(pending.Metadata, meta)
		annotated = pending
	}
	log.Info("top-up awaiting provider", "charge_ref", charge.ChargeRef)
	return TopUpResult{Transaction: annotated, ClientSecret: charge.ClientSecret}, nil
}

func (s *Service) reloadTopUp(ctx context.Context, pending ledger.Transaction) (TopUpResult, error) {
	var txn ledger.Transaction
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		var err error
		txn, err = sess.FindTransaction(ctx, pending.ID)
		return err
	})
	if err != nil {
		return TopUpResult{Transaction: pending}, storeFailure(opTopUp, err)
	}
	return s.topUpOutcome(txn, false)
}

// replayTopUp answers a request whose key was seen before.
func (s *Service) replayTopUp(ctx context.Context, req TopUpRequest, d idempotency.Decision) (TopUpResult, error) {
	txn := d.Transaction
	if txn == nil {
		return TopUpResult{}, &Error{Kind: KindDuplicate, Op: opTopUp, Msg: "top-up already in flight", Retryable: true}
	}
	if txn.UserID != req.UserID || txn.Type != ledger.TransactionTypeTopUp || !sameTopUp(*txn, req) {
		return TopUpResult{}, &Error{Kind: KindDuplicate, Op: opTopUp, Msg: "idempotency key already used"}
	}
	if txn.Status == ledger.TransactionStatusPending && txn.Metadata[ledger.MetaChargeRef] == "" {
		if txn.Metadata[metaGatewayErrorCode] != "" {
			s.logger(ctx).Info("retrying top-up charge with unknown outcome", "transaction_id", txn.ID, "user_id", txn.UserID)
			res, err := s.chargeTopUp(ctx, *txn, req.PaymentMethodRef)
			res.Replayed = true
			return res, err
		}
		return TopUpResult{Transaction: *txn, Replayed: true}, &Error{
			Kind: KindDuplicate, Op: opTopUp, Msg: "top-up already in flight", Retryable: true, Transaction: txn,
		}
	}
	return s.topUpOutcome(*txn, true)
}

// sameTopUp reports whether req repeats the request that created txn.
func sameTopUp(txn ledger.Transaction, req TopUpRequest) bool {
	if txn.Amount != req.Amount {
		return false
	}
	pm := txn.Metadata[ledger.MetaPaymentMethod]
	return pm == "" || pm == req.PaymentMethodRef
}

func (s *Service) topUpOutcome(txn ledger.Transaction, replayed bool) (TopUpResult, error) {
	res := TopUpResult{Transaction: txn, Replayed: replayed}
	switch txn.Status {
	case ledger.TransactionStatusFailed:
		code := txn.Metadata[ledger.MetaErrorCode]
		return res, &Error{
			Kind:        KindGateway,
			Op:          opTopUp,
			Msg:         txn.Metadata[ledger.MetaError],
			Code:        code,
			Retryable:   code == codeProviderUnavailable,
			Transaction: &txn,
		}
	case ledger.TransactionStatusPending:
		res.ClientSecret = txn.Metadata[ledger.MetaClientSecret]
	}
	return res, nil
}

func gatewayCode(err error) string {
	var decline *payment.DeclineError
	switch {
	case errors.As(err, &decline) && decline.Code != "":
		return decline.Code
	case errors.Is(err, payment.ErrDeclined):
		return "card_declined"
	case payment.IsRetryable(err):
		return codeProviderUnavailable
	}
	return codeGatewayError
}

// customerRef returns the linked provider customer, or "" when unlinked.
func (s *Service) customerRef(ctx context.Context, userID string) string {
	p, err := s.store.FindProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			s.logger(ctx).Warn("profile lookup failed", "user_id", userID, "err", err)
		}
		return ""
	}
	return p.CustomerRef
}

type DebitRequest struct {
	UserID         string
	CampaignID     string
	IdempotencyKey string
	Amount         int64
}

// DebitForCampaign deducts amount for a campaign launch. The debit and its
// COMPLETED row commit together; a rejected debit records nothing.
func (s *Service) DebitForCampaign(ctx context.Context, req DebitRequest) (Result, error) {
	res, err := s.debitForCampaign(ctx, req)
	s.count(opCampaignDebit, res.Transaction.Status, err)
	return res, err
}

func (s *Service) debitForCampaign(ctx context.Context, req DebitRequest) (Result, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.UserID == "":
		return Result{}, invalid(opCampaignDebit, "user id required")
	case req.IdempotencyKey == "":
		return Result{}, invalid(opCampaignDebit, "idempotency key required")
	case len(req.IdempotencyKey) > maxKeyLength:
		return Result{}, invalid(opCampaignDebit, "idempotency key too long")
	case req.Amount <= 0 || req.Amount < s.cfg.MinCampaignDebit:
		return Result{}, invalid(opCampaignDebit, fmt.Sprintf("amount must be at least %d", s.cfg.MinCampaignDebit))
	}

	d, err := s.guard.Check(ctx, req.IdempotencyKey)
	if err != nil {
		return Result{}, storeFailure(opCampaignDebit, err)
	}
	if !d.Proceed() {
		return Result{}, duplicate(opCampaignDebit, req.UserID, d)
	}

	var (
		done ledger.Transaction
		w    ledger.Wallet
	)
	// The keyed row goes in before the debit: a concurrent request with the
	// same key collides on the unique index instead of failing the balance
	// check, and a failed debit aborts the row with it.
	err = ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		meta := map[string]string{}
		if req.CampaignID != "" {
			meta[metaCampaignID] = req.CampaignID
		}
		t, err := s.recorder.RecordAttempt(ctx, sess, recorder.Attempt{
			Type:           ledger.TransactionTypeCampaignDebit,
			UserID:         req.UserID,
			Amount:         req.Amount,
			Currency:       s.cfg.Currency,
			IdempotencyKey: req.IdempotencyKey,
			Status:         ledger.TransactionStatusCompleted,
			Metadata:       meta,
		})
		if err != nil {
			return err
		}
		w, err = s.wallets.Debit(ctx, sess, req.UserID, req.Amount)
		if err != nil {
			return err
		}
		done, err = s.recorder.Annotate(ctx, sess, t.ID, map[string]string{
			ledger.MetaBalanceBefore: strconv.FormatInt(w.Balance+req.Amount, 10),
			ledger.MetaBalanceAfter:  strconv.FormatInt(w.Balance, 10),
		})
		return err
	})
	if errors.Is(err, recorder.ErrDuplicateKey) {
		d, rerr := s.guard.Resolve(ctx, req.IdempotencyKey)
		if rerr != nil {
			return Result{}, storeFailure(opCampaignDebit, rerr)
		}
		return Result{}, duplicate(opCampaignDebit, req.UserID, d)
	}
	if err != nil {
		return Result{}, mapWalletErr(opCampaignDebit, err)
	}

	s.logger(ctx).Info("campaign debit completed", "transaction_id", done.ID, "user_id", req.UserID, "amount", req.Amount)
	s.afterCommit(ctx, done)
	return Result{Transaction: done, Balance: w.Balance}, nil
}

type RefundRequest struct {
	UserID         string
	IdempotencyKey string
	Amount         int64
	Reason         string
	// RefundedTransactionID optionally names the debit being refunded.
	RefundedTransactionID string
	Actor                 wallet.Actor
}

// Refund credits the wallet on an admin's behalf. Frozen wallets accept
// refunds; closed wallets do not.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	res, err := s.refund(ctx, req)
	s.count(opRefund, res.Transaction.Status, err)
	return res, err
}

func (s *Service) refund(ctx context.Context, req RefundRequest) (Result, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.UserID == "":
		return Result{}, invalid(opRefund, "user id required")
	case req.IdempotencyKey == "":
		return Result{}, invalid(opRefund, "idempotency key required")
	case req.Amount <= 0:
		return Result{}, invalid(opRefund, "amount must be positive")
	case strings.TrimSpace(req.Reason) == "":
		return Result{}, invalid(opRefund, "reason required")
	case req.Actor.UserID == "" || req.Actor.Role == "":
		return Result{}, invalid(opRefund, "actor required")
	}

	d, err := s.guard.Check(ctx, req.IdempotencyKey)
	if err != nil {
		return Result{}, storeFailure(opRefund, err)
	}
	if !d.Proceed() {
		return Result{}, duplicate(opRefund, req.UserID, d)
	}

	var (
		done ledger.Transaction
		w    ledger.Wallet
	)
	err = ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		var err error
		w, err = s.wallets.Credit(ctx, sess, req.UserID, req.Amount)
		if err != nil {
			return err
		}
		meta := map[string]string{
			ledger.MetaReason:        req.Reason,
			ledger.MetaActor:         req.Actor.UserID,
			ledger.MetaBalanceBefore: strconv.FormatInt(w.Balance-req.Amount, 10),
			ledger.MetaBalanceAfter:  strconv.FormatInt(w.Balance, 10),
		}
		if req.RefundedTransactionID != "" {
			meta[metaRefundedTxID] = req.RefundedTransactionID
		}
		done, err = s.recorder.RecordAttempt(ctx, sess, recorder.Attempt{
			Type:           ledger.TransactionTypeRefund,
			UserID:         req.UserID,
			Amount:         req.Amount,
			Currency:       s.cfg.Currency,
			IdempotencyKey: req.IdempotencyKey,
			Status:         ledger.TransactionStatusCompleted,
			Metadata:       meta,
		})
		return err
	})
	if errors.Is(err, recorder.ErrDuplicateKey) {
		d, rerr := s.guard.Resolve(ctx, req.IdempotencyKey)
		if rerr != nil {
			return Result{}, storeFailure(opRefund, rerr)
		}
		return Result{}, duplicate(opRefund, req.UserID, d)
	}
	if err != nil {
		return Result{}, mapWalletErr(opRefund, err)
	}

	if s.audit != nil {
		meta := map[string]string{
			"amount":         strconv.FormatInt(req.Amount, 10),
			"reason":         req.Reason,
			metaRefundedTxID: req.RefundedTransactionID,
		}
		if aerr := s.audit.LogRefund(ctx, req.UserID, audit.Actor(req.Actor), done.ID, meta); aerr != nil {
			s.logger(ctx).Error("audit append failed", "user_id", req.UserID, "transaction_id", done.ID, "err", aerr)
		}
	}
	s.logger(ctx).Info("refund issued", "transaction_id", done.ID, "user_id", req.UserID, "actor_user_id", req.Actor.UserID)
	s.afterCommit(ctx, done)
	return Result{Transaction: done, Balance: w.Balance}, nil
}

// GetBalance returns the committed balance, provisioning the wallet on first use.
func (s *Service) GetBalance(ctx context.Context, userID string) (wallet.Balance, error) {
	if userID == "" {
		return wallet.Balance{}, invalid(opGetBalance, "user id required")
	}
	b, err := s.wallets.GetBalance(ctx, userID)
	if err != nil {
		return wallet.Balance{}, mapWalletErr(opGetBalance, err)
	}
	return b, nil
}

// TransactionByKey lets callers poll the outcome of a keyed request.
func (s *Service) TransactionByKey(ctx context.Context, userID, key string) (ledger.Transaction, error) {
	if userID == "" || key == "" {
		return ledger.Transaction{}, invalid(opTransaction, "user id and key required")
	}
	txn, err := s.store.FindTransactionByKey(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && txn.UserID != userID) {
		return ledger.Transaction{}, &Error{Kind: KindNotFound, Op: opTransaction, Msg: "transaction not found"}
	}
	if err != nil {
		return ledger.Transaction{}, storeFailure(opTransaction, err)
	}
	txn.Metadata = ledger.MergeMetadata(txn.Metadata, nil)
	delete(txn.Metadata, ledger.MetaClientSecret)
	return txn, nil
}

// LinkCustomer binds the provider customer to the user's billing profile.
// A profile already linked to a different customer is left unchanged.
func (s *Service) LinkCustomer(ctx context.Context, userID, customerRef string) (ledger.Profile, error) {
	if userID == "" || customerRef == "" {
		return ledger.Profile{}, invalid(opLinkCustomer, "user id and customer ref required")
	}
	var p ledger.Profile
	err := ledger.WithSession(ctx, s.store, func(ctx context.Context, sess ledger.Session) error {
		var err error
		p, err = sess.LinkCustomer(ctx, userID, customerRef, s.clock().UTC())
		return err
	})
	switch {
	case errors.Is(err, ledger.ErrConditionFailed):
		return ledger.Profile{}, &Error{Kind: KindDuplicate, Op: opLinkCustomer, Msg: "profile linked to a different customer"}
	case errors.Is(err, ledger.ErrDuplicateKey):
		return ledger.Profile{}, &Error{Kind: KindDuplicate, Op: opLinkCustomer, Msg: "customer linked to a different user"}
	case err != nil:
		return ledger.Profile{}, storeFailure(opLinkCustomer, err)
	}
	return p, nil
}

// Profile returns the cached billing profile. Users never synced get an
// empty profile with payment status none.
func (s *Service) Profile(ctx context.Context, userID string) (ledger.Profile, error) {
	if userID == "" {
		return ledger.Profile{}, invalid(opProfile, "user id required")
	}
	p, err := s.store.FindProfile(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Profile{UserID: userID, PaymentStatus: ledger.PaymentStatusNone}, nil
	}
	if err != nil {
		return ledger.Profile{}, storeFailure(opProfile, err)
	}
	return p, nil
}

func duplicate(op, userID string, d idempotency.Decision) *Error {
	e := &Error{Kind: KindDuplicate, Op: op, Msg: "idempotency key already used"}
	if d.State == idempotency.StateInFlight {
		e.Retryable = true
	}
	if d.Transaction != nil && d.Transaction.UserID == userID {
		t := *d.Transaction
		e.Transaction = &t
	}
	return e
}

func mapWalletErr(op string, err error) error {
	kind := KindStore
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		kind = KindInsufficientFunds
	case errors.Is(err, wallet.ErrWalletInactive):
		// Closed wallets refuse debits as inactive.
		kind = KindWalletInactive
	case errors.Is(err, wallet.ErrWalletClosed):
		kind = KindWalletClosed
	case errors.Is(err, wallet.ErrInvalidArgument), errors.Is(err, recorder.ErrInvalidAttempt):
		kind = KindValidation
	case errors.Is(err, wallet.ErrNotFound):
		kind = KindNotFound
	}
	return &Error{Kind: kind, Op: op, Retryable: kind == KindStore, Err: err}
}

func (s *Service) afterCommit(ctx context.Context, txn ledger.Transaction) {
	events.Publish(ctx, s.publisher, s.logger(ctx), txn)
	s.guard.Remember(ctx, txn)
}

// logger prefers the request logger so lines carry its request_id.
func (s *Service) logger(ctx context.Context) *slog.Logger {
	return logger.From(ctx, s.log)
}

func (s *Service) count(op string, status ledger.TransactionStatus, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil:
		if result = string(KindOf(err)); result == "" {
			result = "error"
		}
	case status == ledger.TransactionStatusPending:
		result = "pending"
	}
	s.metrics.Operation(op, result)
}

func (s *Service) topUpStarted() {
	if s.metrics != nil {
		s.metrics.TopUpStarted()
	}
}

func (s *Service) topUpFinished() {
	if s.metrics != nil {
		s.metrics.TopUpFinished()
	}
}
