package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds one statement query.
const maxRange = 366 * 24 * time.Hour

// Repository abstracts data access for reporting. ledger.Store satisfies it.
//
// IMPORTANT:
// - Implementations must filter by user.
// - Reads come from the immutable transaction log, never from cached balances.

type Repository interface {
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]ledger.Transaction, error)
}

type Service struct {
	repo     Repository
	currency string
}

func NewService(repo Repository, currency string) *Service {
	return &Service{repo: repo, currency: currency}
}

func (s *Service) Statement(ctx context.Context, req StatementRequest) (Statement, error) {
	if req.UserID == "" {
		return Statement{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Statement{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return Statement{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Statement{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListTransactions(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return Statement{}, err
	}

	out := Statement{UserID: req.UserID, Currency: s.currency, Range: req.Range}
	for _, t := range rows {
		switch t.Status {
		case ledger.TransactionStatusPending:
			out.PendingCount++
			if t.Type == ledger.TransactionTypeTopUp {
				out.PendingTopUpMinor += t.Amount
			}
			continue
		case ledger.TransactionStatusFailed:
			out.FailedCount++
			continue
		}

		out.CompletedCount++
		switch t.Type {
		case ledger.TransactionTypeTopUp:
			out.TopUpMinor += t.Amount
		case ledger.TransactionTypeRefund:
			out.RefundMinor += t.Amount
		case ledger.TransactionTypeCampaignDebit:
			out.CampaignDebitMinor += t.Amount
			if id := t.Metadata["campaign_id"]; id != "" {
				if out.CampaignSpendMinor == nil {
					out.CampaignSpendMinor = map[string]int64{}
				}
				out.CampaignSpendMinor[id] += t.Amount
			}
		}
	}
	out.TotalCreditMinor = out.TopUpMinor + out.RefundMinor
	out.TotalDebitMinor = out.CampaignDebitMinor
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	return out, nil
}
