package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/zeitgeist/backend/internal/events"
	"github.com/zeitgeist/backend/internal/models"
	"github.com/zeitgeist/backend/internal/store"
)

type capturingPublisher struct {
	events []events.CreditEvent
}

func (p *capturingPublisher) Publish(ctx context.Context, event events.CreditEvent) error {
	p.events = append(p.events, event)
	return nil
}

func expectAccountByPublicID(mock sqlmock.Sqlmock, publicID string, id, balance int64, version int) {
	mock.ExpectQuery("SELECT id, email, public_id").
		WithArgs(publicID).
		WillReturnRows(accountRows(id, "a@x.com", publicID, balance, version))
}

func expectApply(mock sqlmock.Sqlmock, accountID, amount, newBalance int64, kind string, balance int64, version int) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance, version, updated_at").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version", "updated_at"}).
			AddRow(accountID, balance, version, time.Now()))
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(accountID, amount, kind, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE accounts").
		WithArgs(newBalance, sqlmock.AnyArg(), accountID, version).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestDeductionService_Spend(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	publisher := &capturingPublisher{}
	service := NewDeductionService(store.NewLedgerStore(db), publisher, testCreditsConfig())

	t.Run("successful spend", func(t *testing.T) {
		expectAccountByPublicID(mock, "usr_abc", 1, 25, 1)
		expectApply(mock, 1, -2, 23, models.KindSpend, 25, 1)

		balance, err := service.Spend(context.Background(), "usr_abc", 2, "", nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(23), balance)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Len(t, publisher.events, 1)
		assert.Equal(t, int64(-2), publisher.events[0].Amount)
		assert.Equal(t, int64(23), publisher.events[0].BalanceAfter)
	})

	t.Run("insufficient credits declined with no mutation", func(t *testing.T) {
		expectAccountByPublicID(mock, "usr_abc", 1, 23, 2)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version, updated_at").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version", "updated_at"}).
				AddRow(1, 23, 2, time.Now()))
		mock.ExpectRollback()

		_, err := service.Spend(context.Background(), "usr_abc", 1000, models.KindSpend, nil)
		assert.ErrorIs(t, err, store.ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, public_id").
			WithArgs("usr_ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.Spend(context.Background(), "usr_ghost", 2, "", nil)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("omitted cost falls back to configured analysis cost", func(t *testing.T) {
		expectAccountByPublicID(mock, "usr_abc", 1, 25, 1)
		expectApply(mock, 1, -2, 23, models.KindSpend, 25, 1)

		balance, err := service.Spend(context.Background(), "usr_abc", 0, "", nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(23), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative cost rejected", func(t *testing.T) {
		_, err := service.Spend(context.Background(), "usr_abc", -5, "", nil)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("credit-side kinds rejected", func(t *testing.T) {
		_, err := service.Spend(context.Background(), "usr_abc", 2, models.KindPurchase, nil)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("version conflict retried then succeeds", func(t *testing.T) {
		expectAccountByPublicID(mock, "usr_abc", 1, 25, 1)

		// first attempt loses the version check
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version, updated_at").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version", "updated_at"}).
				AddRow(1, 25, 1, time.Now()))
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WithArgs(int64(1), int64(-2), models.KindSpend, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(23), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(1, 0))
		mock.ExpectRollback()

		// second attempt re-reads the fresh balance under the lock
		expectApply(mock, 1, -2, 22, models.KindSpend, 24, 2)

		balance, err := service.Spend(context.Background(), "usr_abc", 2, "", nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(22), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// memoryLedger serializes balance updates behind a mutex, standing in for
// the row lock Postgres takes on the account.
type memoryLedger struct {
	mu      sync.Mutex
	account models.Account
}

func (m *memoryLedger) GetAccountByPublicID(ctx context.Context, publicID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if publicID != m.account.PublicID {
		return nil, store.ErrNotFound
	}
	account := m.account
	return &account, nil
}

func (m *memoryLedger) ApplyTransaction(ctx context.Context, accountID, amount int64, kind string, referenceID *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.account.Balance + amount
	if amount < 0 && next < 0 {
		return 0, store.ErrInsufficientFunds
	}
	m.account.Balance = next
	return next, nil
}

func TestDeductionService_ConcurrentSpends(t *testing.T) {
	const startingBalance = 5
	const workers = 25

	ledger := &memoryLedger{account: models.Account{ID: 1, PublicID: "usr_abc", Balance: startingBalance}}
	service := NewDeductionService(ledger, nil, testCreditsConfig())

	var wg sync.WaitGroup
	var succeeded, declined int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Spend(context.Background(), "usr_abc", 1, "", nil)
			switch {
			case err == nil:
				atomic.AddInt64(&succeeded, 1)
			case errors.Is(err, store.ErrInsufficientFunds):
				atomic.AddInt64(&declined, 1)
			}
		}()
	}
	wg.Wait()

	// every credit is spent exactly once, never below zero
	assert.Equal(t, int64(startingBalance), succeeded)
	assert.Equal(t, int64(workers-startingBalance), declined)
	assert.Equal(t, int64(0), ledger.account.Balance)
}
