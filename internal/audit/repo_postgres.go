package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/taolaktech/amplify-wallet/pkg/utils"
)

// PostgresRepo appends to audit_events. It has no update or delete path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, user_id, type, actor_user_id, actor_role, ip_address, transaction_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9::jsonb,$10
)
`
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.TransactionID,
		e.Message,
		string(b),
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	const q = `
SELECT id, user_id, type, COALESCE(actor_user_id,''), COALESCE(actor_role,''), COALESCE(ip_address,''),
       COALESCE(transaction_id,''), COALESCE(message,''), metadata, created_at
FROM audit_events
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row utils.RowScanner) (Event, error) {
	var e Event
	var meta []byte
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Type,
		&e.ActorUserID,
		&e.ActorRole,
		&e.IPAddress,
		&e.TransactionID,
		&e.Message,
		&meta,
		&e.CreatedAt,
	); err != nil {
		return Event{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("audit: decode metadata: %w", err)
		}
	}
	return e, nil
}
