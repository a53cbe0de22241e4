package store

import (
	"errors"

	"github.com/lib/pq"
)

// Failure taxonomy shared by the store and the services built on it.
// Callers match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInsufficientFunds  = errors.New("insufficient credits")
	ErrInvalidInput       = errors.New("invalid input")
	ErrBusy               = errors.New("busy: retry attempts exhausted")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
