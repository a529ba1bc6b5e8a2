package audit

import "time"

// Event is an immutable, append-only audit record of a privileged action
// against a user's wallet.
//
// Invariants:
// - Events are never updated or deleted.
// - user_id names the wallet owner the action targeted.
// - actor and ip capture are best-effort; money flows never block on audit failures.
//
// Stored in audit_events (see ledger schema) with an INSERT-only policy.
type Event struct {
	ID     string    `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`
	Type   EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// TransactionID links money-moving actions to their ledger row.
	TransactionID string `json:"transaction_id,omitempty" db:"transaction_id"`

	Message  string            `json:"message,omitempty" db:"message"`
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction EventType = "admin_action"
	EventTypeRefund      EventType = "refund"
)

// Actor is whoever performed the audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
