package models

import "time"

// Purchase records one external payment event. SessionID is the provider's
// checkout session identifier and doubles as the idempotency key: a second
// settlement attempt for the same session must not grant credits again.
type Purchase struct {
	ID              int64     `json:"id" db:"id"`
	AccountID       int64     `json:"-" db:"account_id"`
	SessionID       string    `json:"session_id" db:"external_session_id"`
	PlanType        string    `json:"plan_type" db:"plan_type"`
	CreditsGranted  int64     `json:"credits_added" db:"credits_granted"`
	AmountPaidCents int64     `json:"amount_paid_cents" db:"amount_paid_cents"`
	Currency        string    `json:"currency" db:"currency"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
