package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account holds one billable identity's credit balance. The numeric primary
// key never leaves the backend; callers are handed PublicID instead.
type Account struct {
	ID        int64     `json:"-" db:"id"`
	Email     string    `json:"email" db:"email"`
	PublicID  string    `json:"userId" db:"public_id"`
	Balance   int64     `json:"credits" db:"balance"`
	Version   int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewPublicID returns a fresh caller-facing account identifier.
func NewPublicID() string {
	return "usr_" + uuid.NewString()
}

// GuestPublicID reports whether an identifier belongs to an unauthenticated
// browser session rather than a stored account.
func GuestPublicID(id string) bool {
	return strings.HasPrefix(id, "guest_")
}

// NormalizeEmail canonicalizes an external identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
