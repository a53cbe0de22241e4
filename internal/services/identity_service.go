package services

import (
	"context"
	"errors"
	"log"
	"net/mail"

	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/models"
	"github.com/zeitgeist/backend/internal/store"
)

// IdentityService binds external identities (normalized emails) to
// accounts, creating the account with its starting grant on first sight.
type IdentityService struct {
	store *store.LedgerStore
	cfg   *config.CreditsConfig
}

func NewIdentityService(ledgerStore *store.LedgerStore, cfg *config.CreditsConfig) *IdentityService {
	return &IdentityService{store: ledgerStore, cfg: cfg}
}

// Resolve returns the account bound to email, creating it if absent. When
// two first-time logins race, exactly one insert wins the unique constraint
// and the loser resolves to the winner's row on re-read.
func (s *IdentityService) Resolve(ctx context.Context, email string) (*models.Account, error) {
	email = models.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.cfg.MaxApplyAttempts; attempt++ {
		account, err := s.store.GetAccountByEmail(ctx, email)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		account, err = s.store.CreateAccount(ctx, email, models.NewPublicID(), s.cfg.StartingBalance)
		if err == nil {
			log.Printf("[IDENTITY] Created account %s with starting balance %d", account.PublicID, account.Balance)
			return account, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// lost the creation race, read the winner
	}

	return nil, store.ErrBusy
}

// Lookup returns the account bound to email without creating one.
func (s *IdentityService) Lookup(ctx context.Context, email string) (*models.Account, error) {
	email = models.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	return s.store.GetAccountByEmail(ctx, email)
}

func validateEmail(email string) error {
	if email == "" {
		return store.ErrInvalidInput
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return store.ErrInvalidInput
	}
	// the raw string is the unique key, so display-name forms wrapping the
	// same mailbox must not mint a second account
	if addr.Address != email {
		return store.ErrInvalidInput
	}
	return nil
}
