package wallet

import (
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

// Balance is the read model returned to callers.
// It always reflects committed state; nothing caches it across requests.
type Balance struct {
	UserID   string              `json:"user_id"`
	WalletID string              `json:"wallet_id"`
	Currency string              `json:"currency"`
	Balance  int64               `json:"balance"`
	Status   ledger.WalletStatus `json:"status"`

	UpdatedAt time.Time `json:"updated_at"`
}

func balanceOf(w ledger.Wallet) Balance {
	return Balance{
		UserID:    w.UserID,
		WalletID:  w.ID,
		Currency:  w.Currency,
		Balance:   w.Balance,
		Status:    w.Status,
		UpdatedAt: w.UpdatedAt,
	}
}

// Actor identifies who performed a privileged wallet action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

type AdminAction string

const (
	AdminActionFreeze   AdminAction = "freeze"
	AdminActionUnfreeze AdminAction = "unfreeze"
	AdminActionClose    AdminAction = "close"
)
