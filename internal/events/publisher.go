package events

import (
	"context"
	"time"
)

// CreditEvent is emitted after every committed balance change. Consumers
// (analytics, reconciliation reports) read these off the broker; a publish
// failure never affects the ledger write it describes.
type CreditEvent struct {
	AccountPublicID string    `json:"account_id"`
	Kind            string    `json:"kind"`
	Amount          int64     `json:"amount"`
	BalanceAfter    int64     `json:"balance_after"`
	ReferenceID     string    `json:"reference_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event CreditEvent) error
}

// NoopPublisher is used when no broker is configured and in tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event CreditEvent) error {
	return nil
}
