package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// StatementRequest asks for one user's activity over [From, To).
// User isolation: UserID is required.

type StatementRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

// Statement summarises the transaction ledger for a user. Only COMPLETED
// rows move money; pending and failed rows are counted, not summed into
// the net.

type Statement struct {
	UserID   string    `json:"user_id"`
	Currency string    `json:"currency"`
	Range    TimeRange `json:"range"`

	TopUpMinor         int64 `json:"top_up_minor"`
	RefundMinor        int64 `json:"refund_minor"`
	CampaignDebitMinor int64 `json:"campaign_debit_minor"`

	TotalCreditMinor int64 `json:"total_credit_minor"`
	TotalDebitMinor  int64 `json:"total_debit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	CompletedCount int `json:"completed_count"`
	PendingCount   int `json:"pending_count"`
	FailedCount    int `json:"failed_count"`

	// PendingTopUpMinor is money the provider has not confirmed yet.
	PendingTopUpMinor int64 `json:"pending_top_up_minor"`

	// CampaignSpendMinor is completed debit spend keyed by campaign id.
	CampaignSpendMinor map[string]int64 `json:"campaign_spend_minor,omitempty"`
}
