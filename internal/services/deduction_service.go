package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/events"
	"github.com/zeitgeist/backend/internal/models"
	"github.com/zeitgeist/backend/internal/store"
)

// deductionStore is the slice of the ledger store the spend path touches.
type deductionStore interface {
	GetAccountByPublicID(ctx context.Context, publicID string) (*models.Account, error)
	ApplyTransaction(ctx context.Context, accountID, amount int64, kind string, referenceID *string) (int64, error)
}

// DeductionService spends a fixed amount of credits from an account.
// An insufficient balance is a normal declined outcome, not a fault.
type DeductionService struct {
	store     deductionStore
	publisher events.Publisher
	cfg       *config.CreditsConfig
}

func NewDeductionService(ledgerStore deductionStore, publisher events.Publisher, cfg *config.CreditsConfig) *DeductionService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &DeductionService{store: ledgerStore, publisher: publisher, cfg: cfg}
}

// Spend debits cost credits from the account identified by publicID and
// returns the new balance. A zero cost falls back to the configured
// per-analysis cost. The store re-reads the balance under the row lock on
// every attempt, so retrying on a version conflict is safe.
func (s *DeductionService) Spend(ctx context.Context, publicID string, cost int64, kind string, referenceID *string) (int64, error) {
	if cost == 0 {
		cost = s.cfg.SpendCost
	}
	if cost <= 0 {
		return 0, store.ErrInvalidInput
	}
	if kind == "" {
		kind = models.KindSpend
	}
	if !models.ValidSpendKind(kind) {
		return 0, store.ErrInvalidInput
	}

	account, err := s.store.GetAccountByPublicID(ctx, publicID)
	if err != nil {
		return 0, err
	}

	var newBalance int64
	for attempt := 0; attempt < s.cfg.MaxApplyAttempts; attempt++ {
		newBalance, err = s.store.ApplyTransaction(ctx, account.ID, -cost, kind, referenceID)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}

		s.publish(ctx, account.PublicID, kind, -cost, newBalance, referenceID)
		return newBalance, nil
	}

	return 0, store.ErrBusy
}

func (s *DeductionService) publish(ctx context.Context, publicID, kind string, amount, balanceAfter int64, referenceID *string) {
	event := events.CreditEvent{
		AccountPublicID: publicID,
		Kind:            kind,
		Amount:          amount,
		BalanceAfter:    balanceAfter,
		OccurredAt:      time.Now().UTC(),
	}
	if referenceID != nil {
		event.ReferenceID = *referenceID
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[DEDUCTION] Failed to publish credit event for %s: %v", publicID, err)
	}
}
