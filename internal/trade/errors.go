package trade

import (
	"fmt"
)

// ParseError means the broadcast text did not match the expected
// "Buy/Sell $TOKEN PRICE AMOUNT TX_LINK" format. Nothing was mutated.
type ParseError struct {
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid trade format: %s (got %q)", e.Reason, e.Text)
}

// DuplicateTransactionError means the broadcast, or a per-user credit derived
// from it, was already applied. Expected branch, never fatal.
type DuplicateTransactionError struct {
	TxHash string
	Token  string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s for %s was already processed", e.TxHash, e.Token)
}

// NoOpenPositionError means a Sell arrived with no matching open Buy for the
// token and the synthetic-entry fallback is disabled.
type NoOpenPositionError struct {
	Token string
}

func (e *NoOpenPositionError) Error() string {
	return fmt.Sprintf("no open BUY position found for %s", e.Token)
}

// InsufficientDataError carries a missing prerequisite (user, balance) for a
// computation. Callers substitute safe defaults instead of surfacing it to
// end users.
type InsufficientDataError struct {
	UserID uint
	Field  string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for user %d: %s", e.UserID, e.Field)
}

// PersistenceError wraps a database failure. The whole allocation batch is
// rolled back before it is returned; the admin may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
