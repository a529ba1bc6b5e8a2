package billing

import (
	"errors"
	"fmt"

	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

// Kind classifies a billing failure. Handlers map kinds to status codes.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindDuplicate         Kind = "duplicate"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindWalletInactive    Kind = "wallet_inactive"
	KindWalletClosed      Kind = "wallet_closed"
	KindGateway           Kind = "gateway"
	KindStore             Kind = "store"
	KindNotFound          Kind = "not_found"
	KindBusy              Kind = "busy"
)

var (
	ErrValidation           = errors.New("billing: validation failed")
	ErrDuplicateTransaction = errors.New("billing: duplicate transaction")
	ErrInsufficientFunds    = errors.New("billing: insufficient funds")
	ErrWalletInactive       = errors.New("billing: wallet inactive")
	ErrWalletClosed         = errors.New("billing: wallet closed")
	ErrGateway              = errors.New("billing: payment gateway error")
	ErrStore                = errors.New("billing: store error")
	ErrNotFound             = errors.New("billing: not found")
	ErrBusy                 = errors.New("billing: too many operations in flight")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindDuplicate:         ErrDuplicateTransaction,
	KindInsufficientFunds: ErrInsufficientFunds,
	KindWalletInactive:    ErrWalletInactive,
	KindWalletClosed:      ErrWalletClosed,
	KindGateway:           ErrGateway,
	KindStore:             ErrStore,
	KindNotFound:          ErrNotFound,
	KindBusy:              ErrBusy,
}

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// Code is the provider failure code for gateway errors.
	Code string
	// Retryable means the caller may retry with the same idempotency key.
	Retryable bool
	// Transaction is the row the failure refers to, when one exists.
	Transaction *ledger.Transaction
	Err         error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	return fmt.Sprintf("billing: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind, so errors.Is(err, ErrInsufficientFunds)
// works without unwrapping.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Declined reports a gateway failure where the provider refused the payment.
func (e *Error) Declined() bool {
	return e.Kind == KindGateway && e.Code != "" && e.Code != codeProviderUnavailable && e.Code != codeGatewayError
}

// KindOf returns the kind of err, or "" for non-billing errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

const (
	codeProviderUnavailable = "provider_unavailable"
	codeGatewayError        = "gateway_error"
)

func invalid(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func storeFailure(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Retryable: true, Err: err}
}
