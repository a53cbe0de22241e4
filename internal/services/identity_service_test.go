package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/models"
	"github.com/zeitgeist/backend/internal/store"
)

func testCreditsConfig() *config.CreditsConfig {
	return &config.CreditsConfig{
		StartingBalance:  25,
		SpendCost:        2,
		Currency:         "usd",
		MaxApplyAttempts: 3,
		GuestGrantTTL:    time.Hour,
		Plans: map[string]config.Plan{
			"starter": {Credits: 100, AmountCents: 1900, CheckoutURL: "https://pay.example/starter"},
			"pro":     {Credits: 500, AmountCents: 4900, CheckoutURL: "https://pay.example/pro"},
		},
	}
}

func accountRows(id int64, email, publicID string, balance int64, version int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "email", "public_id", "balance", "version", "created_at", "updated_at"}).
		AddRow(id, email, publicID, balance, version, now, now)
}

func TestIdentityService_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewIdentityService(store.NewLedgerStore(db), testCreditsConfig())

	t.Run("existing account returned as-is", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, public_id").
			WithArgs("a@x.com").
			WillReturnRows(accountRows(1, "a@x.com", "usr_abc", 23, 2))

		account, err := service.Resolve(context.Background(), " A@X.com ")
		assert.NoError(t, err)
		assert.Equal(t, "usr_abc", account.PublicID)
		assert.Equal(t, int64(23), account.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first login creates account with starting grant", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, public_id").
			WithArgs("new@x.com").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("new@x.com", sqlmock.AnyArg(), int64(25)).
			WillReturnRows(accountRows(2, "new@x.com", "usr_new", 25, 1))
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WithArgs(int64(2), int64(25), models.KindInitialGrant, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		account, err := service.Resolve(context.Background(), "new@x.com")
		assert.NoError(t, err)
		assert.Equal(t, int64(25), account.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creation race resolves to the winner", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, public_id").
			WithArgs("race@x.com").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("race@x.com", sqlmock.AnyArg(), int64(25)).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		// second pass reads the row the concurrent winner committed
		mock.ExpectQuery("SELECT id, email, public_id").
			WithArgs("race@x.com").
			WillReturnRows(accountRows(3, "race@x.com", "usr_winner", 25, 1))

		account, err := service.Resolve(context.Background(), "race@x.com")
		assert.NoError(t, err)
		assert.Equal(t, "usr_winner", account.PublicID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed email rejected before any storage access", func(t *testing.T) {
		_, err := service.Resolve(context.Background(), "not-an-email")
		assert.ErrorIs(t, err, store.ErrInvalidInput)

		_, err = service.Resolve(context.Background(), "")
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("display-name form rejected as key for the same mailbox", func(t *testing.T) {
		_, err := service.Resolve(context.Background(), "John <j@x.com>")
		assert.ErrorIs(t, err, store.ErrInvalidInput)

		_, err = service.Resolve(context.Background(), `"j" <j@x.com>`)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})
}

func TestIdentityService_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewIdentityService(store.NewLedgerStore(db), testCreditsConfig())

	t.Run("unknown email is not created", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, public_id").
			WithArgs("ghost@x.com").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.Lookup(context.Background(), "ghost@x.com")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
