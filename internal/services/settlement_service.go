package services

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/events"
	"github.com/zeitgeist/backend/internal/models"
	"github.com/zeitgeist/backend/internal/store"
)

// SettlementService records an external purchase and credits the account
// exactly once per checkout session. The purchase row and the crediting
// ledger transaction commit in one database transaction; a replay of an
// already-settled session returns the stored result without touching state.
type SettlementService struct {
	store     *store.LedgerStore
	identity  *IdentityService
	publisher events.Publisher
	cfg       *config.CreditsConfig
}

type SettlementResult struct {
	Account    *models.Account
	NewBalance int64
	PurchaseID int64
	Replayed   bool
}

func NewSettlementService(ledgerStore *store.LedgerStore, identity *IdentityService, publisher events.Publisher, cfg *config.CreditsConfig) *SettlementService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &SettlementService{store: ledgerStore, identity: identity, publisher: publisher, cfg: cfg}
}

// Settle resolves the account by publicID when given, otherwise by email
// through IdentityService (the guest-purchased-before-login case), then
// settles sessionID idempotently.
func (s *SettlementService) Settle(ctx context.Context, publicID, email, sessionID, planType string, creditsGranted, amountPaidCents int64) (*SettlementResult, error) {
	if sessionID == "" || planType == "" || creditsGranted <= 0 || amountPaidCents < 0 {
		return nil, store.ErrInvalidInput
	}

	account, err := s.resolveAccount(ctx, publicID, email)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.cfg.MaxApplyAttempts; attempt++ {
		existing, err := s.store.FindPurchaseBySessionID(ctx, sessionID)
		if err == nil {
			return s.replay(ctx, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		result, err := s.settleOnce(ctx, account, sessionID, planType, creditsGranted, amountPaidCents)
		if errors.Is(err, store.ErrConflict) {
			// a concurrent settlement for the same session committed first;
			// loop back to the replay path
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, store.ErrBusy
}

func (s *SettlementService) resolveAccount(ctx context.Context, publicID, email string) (*models.Account, error) {
	if publicID != "" && !models.GuestPublicID(publicID) {
		return s.store.GetAccountByPublicID(ctx, publicID)
	}
	if email != "" {
		return s.identity.Resolve(ctx, email)
	}
	return nil, store.ErrNotFound
}

func (s *SettlementService) settleOnce(ctx context.Context, account *models.Account, sessionID, planType string, creditsGranted, amountPaidCents int64) (*SettlementResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	purchase, err := s.store.RecordPurchaseTx(tx, account.ID, sessionID, planType, creditsGranted, amountPaidCents, s.cfg.Currency)
	if err != nil {
		return nil, err
	}

	referenceID := strconv.FormatInt(purchase.ID, 10)
	newBalance, err := s.store.ApplyTransactionTx(tx, account.ID, creditsGranted, models.KindPurchase, &referenceID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, store.ErrStorageUnavailable
	}

	log.Printf("[SETTLEMENT] Settled session %s: account %s +%d credits (balance %d)",
		sessionID, account.PublicID, creditsGranted, newBalance)

	event := events.CreditEvent{
		AccountPublicID: account.PublicID,
		Kind:            models.KindPurchase,
		Amount:          creditsGranted,
		BalanceAfter:    newBalance,
		ReferenceID:     referenceID,
		OccurredAt:      time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[SETTLEMENT] Failed to publish credit event for %s: %v", account.PublicID, err)
	}

	return &SettlementResult{Account: account, NewBalance: newBalance, PurchaseID: purchase.ID}, nil
}

// replay reports the outcome of a settlement that already committed. The
// balance is read fresh from the purchase's owning account so duplicate
// callbacks observe the same durable state.
func (s *SettlementService) replay(ctx context.Context, purchase *models.Purchase) (*SettlementResult, error) {
	account, err := s.store.GetAccountByID(ctx, purchase.AccountID)
	if err != nil {
		return nil, err
	}

	log.Printf("[SETTLEMENT] Replayed session %s: purchase %d already settled", purchase.SessionID, purchase.ID)
	return &SettlementResult{
		Account:    account,
		NewBalance: account.Balance,
		PurchaseID: purchase.ID,
		Replayed:   true,
	}, nil
}
