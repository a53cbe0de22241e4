package models

import (
	"time"
)

// Transaction kinds. The balance on an account is always the sum of its
// ledger transaction amounts, so every balance change gets exactly one row.
const (
	KindInitialGrant = "initial_grant"
	KindPurchase     = "purchase"
	KindSpend        = "spend"
)

// ValidSpendKind reports whether a kind may be used for a debit requested
// through the deduction API.
func ValidSpendKind(kind string) bool {
	return kind == KindSpend
}

type LedgerTransaction struct {
	ID          int64     `json:"id" db:"id"`
	AccountID   int64     `json:"account_id" db:"account_id"`
	Amount      int64     `json:"amount" db:"amount"` // positive = credit, negative = debit
	Kind        string    `json:"kind" db:"kind"`
	ReferenceID *string   `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
