package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. There is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// ListByUser returns the newest events first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Event, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	ErrInvalidEvent      = errors.New("audit: invalid event")
	ErrNotConfigured     = errors.New("audit: repository not configured")
	ErrInvalidListFilter = errors.New("audit: invalid list filter")
)

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Only admin routes read it back.
// - Callers treat Log* as best-effort and never undo the audited action.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return ErrNotConfigured
	}
	if e.UserID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type == EventTypeRefund && e.TransactionID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records a wallet status change (including hidden roles).
func (s *Service) LogAdminAction(ctx context.Context, userID string, actor Actor, action string, meta map[string]string) error {
	return s.Append(ctx, Event{
		UserID:      userID,
		Type:        EventTypeAdminAction,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Message:     "wallet " + action,
		Metadata:    meta,
	})
}

// LogRefund records an admin-issued refund credit.
func (s *Service) LogRefund(ctx context.Context, userID string, actor Actor, transactionID string, meta map[string]string) error {
	return s.Append(ctx, Event{
		UserID:        userID,
		Type:          EventTypeRefund,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		TransactionID: transactionID,
		Message:       "refund issued",
		Metadata:      meta,
	})
}

// ListForUser returns the newest audit events for one wallet owner.
// limit <= 0 means the default page size; larger limits are clamped.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, ErrNotConfigured
	}
	if userID == "" {
		return nil, ErrInvalidListFilter
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.repo.ListByUser(ctx, userID, limit)
}
