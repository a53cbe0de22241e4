package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeitgeist/backend/internal/models"
)

// LedgerStore is the only component that touches persistent state. Every
// mutating method is a single atomic unit: the balance update and the
// ledger transaction append commit together or not at all.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getAccount(ctx, `
		SELECT id, email, public_id, balance, version, created_at, updated_at
		FROM accounts
		WHERE email = $1`, email)
}

func (s *LedgerStore) GetAccountByPublicID(ctx context.Context, publicID string) (*models.Account, error) {
	return s.getAccount(ctx, `
		SELECT id, email, public_id, balance, version, created_at, updated_at
		FROM accounts
		WHERE public_id = $1`, publicID)
}

func (s *LedgerStore) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	return s.getAccount(ctx, `
		SELECT id, email, public_id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, id)
}

func (s *LedgerStore) getAccount(ctx context.Context, query string, arg interface{}) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&account.ID, &account.Email, &account.PublicID,
		&account.Balance, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch account: %v", ErrStorageUnavailable, err)
	}
	return &account, nil
}

// CreateAccount inserts a new account together with its initial-grant
// ledger transaction in one database transaction, so the balance invariant
// holds from account birth. Returns ErrConflict when the email is already
// bound; the caller retries as a read.
func (s *LedgerStore) CreateAccount(ctx context.Context, email, publicID string, startingBalance int64) (*models.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var account models.Account
	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (email, public_id, balance, version)
		VALUES ($1, $2, $3, 1)
		RETURNING id, email, public_id, balance, version, created_at, updated_at`,
		email, publicID, startingBalance).Scan(
		&account.ID, &account.Email, &account.PublicID,
		&account.Balance, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%w: insert account: %v", ErrStorageUnavailable, err)
	}

	if startingBalance > 0 {
		if err := s.createLedgerEntry(tx, account.ID, startingBalance, models.KindInitialGrant, nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return &account, nil
}

// ApplyTransaction performs the read-modify-write of an account balance as
// one serialized unit and appends the matching ledger transaction.
func (s *LedgerStore) ApplyTransaction(ctx context.Context, accountID, amount int64, kind string, referenceID *string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	newBalance, err := s.ApplyTransactionTx(tx, accountID, amount, kind, referenceID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return newBalance, nil
}

// ApplyTransactionTx is ApplyTransaction running inside a caller-owned
// database transaction, for composition with RecordPurchaseTx.
func (s *LedgerStore) ApplyTransactionTx(tx *sql.Tx, accountID, amount int64, kind string, referenceID *string) (int64, error) {
	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return 0, err
	}

	newBalance := account.Balance + amount
	if amount < 0 && newBalance < 0 {
		return 0, ErrInsufficientFunds
	}

	if err := s.createLedgerEntry(tx, accountID, amount, kind, referenceID); err != nil {
		return 0, err
	}

	if err := s.updateAccountBalance(tx, accountID, newBalance, account.Version); err != nil {
		return 0, err
	}

	return newBalance, nil
}

func (s *LedgerStore) FindPurchaseBySessionID(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, external_session_id, plan_type, credits_granted, amount_paid_cents, currency, created_at
		FROM purchases
		WHERE external_session_id = $1`, sessionID).Scan(
		&p.ID, &p.AccountID, &p.SessionID, &p.PlanType,
		&p.CreditsGranted, &p.AmountPaidCents, &p.Currency, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch purchase: %v", ErrStorageUnavailable, err)
	}
	return &p, nil
}

// RecordPurchaseTx inserts the purchase row. The unique constraint on
// external_session_id is the check-and-insert: a duplicate session comes
// back as ErrConflict with no read-then-write gap.
func (s *LedgerStore) RecordPurchaseTx(tx *sql.Tx, accountID int64, sessionID, planType string, creditsGranted, amountPaidCents int64, currency string) (*models.Purchase, error) {
	var p models.Purchase
	err := tx.QueryRow(`
		INSERT INTO purchases (account_id, external_session_id, plan_type, credits_granted, amount_paid_cents, currency)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, account_id, external_session_id, plan_type, credits_granted, amount_paid_cents, currency, created_at`,
		accountID, sessionID, planType, creditsGranted, amountPaidCents, currency).Scan(
		&p.ID, &p.AccountID, &p.SessionID, &p.PlanType,
		&p.CreditsGranted, &p.AmountPaidCents, &p.Currency, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%w: insert purchase: %v", ErrStorageUnavailable, err)
	}
	return &p, nil
}

// ListPurchases returns an account's purchases, most recent first.
func (s *LedgerStore) ListPurchases(ctx context.Context, accountID int64) ([]models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, external_session_id, plan_type, credits_granted, amount_paid_cents, currency, created_at
		FROM purchases
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: list purchases: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	purchases := []models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		if err := rows.Scan(&p.ID, &p.AccountID, &p.SessionID, &p.PlanType,
			&p.CreditsGranted, &p.AmountPaidCents, &p.Currency, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan purchase: %v", ErrStorageUnavailable, err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list purchases: %v", ErrStorageUnavailable, err)
	}
	return purchases, nil
}

// Begin opens a database transaction for callers that compose several
// store operations into one atomic unit.
func (s *LedgerStore) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	return tx, nil
}

func (s *LedgerStore) lockAccount(tx *sql.Tx, accountID int64) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock account: %v", ErrStorageUnavailable, err)
	}
	return &account, nil
}

func (s *LedgerStore) createLedgerEntry(tx *sql.Tx, accountID, amount int64, kind string, referenceID *string) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_transactions (account_id, amount, kind, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		accountID, amount, kind, referenceID, time.Now())
	if err != nil {
		return fmt.Errorf("%w: insert ledger transaction: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *LedgerStore) updateAccountBalance(tx *sql.Tx, accountID, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return fmt.Errorf("%w: update balance: %v", ErrStorageUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update balance: %v", ErrStorageUnavailable, err)
	}

	if rowsAffected == 0 {
		// version moved between lock and write
		return fmt.Errorf("account %d: %w", accountID, ErrConflict)
	}

	return nil
}
