package models

import (
	"errors"
	"fmt"
)

// Sentinel errors, use with errors.Is
var (
	// ErrInvalidRequest is returned for malformed input. Not retryable.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAccountNotFound is returned when the account does not exist in the caller's tenant
	ErrAccountNotFound = errors.New("account not found")

	// ErrEntryNotFound is returned when a referenced ledger entry does not exist
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidCursor is returned when a pagination cursor fails to decode
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrDuplicateWrite signals a uniqueness violation on insert. It never
	// leaves the service: the writer turns it into an existing-entry result.
	ErrDuplicateWrite = errors.New("duplicate ledger write")

	// ErrTransactionAborted is returned when a write transaction was rolled
	// back (lock timeout, serialization failure, unexpected constraint).
	// Retrying with the same idempotency key is always safe.
	ErrTransactionAborted = errors.New("transaction aborted")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// ValidationError names the offending field of an invalid request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// AccountNotFoundError carries the account that was looked up
type AccountNotFoundError struct {
	TenantID  string
	AccountID string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found in tenant %s", e.AccountID, e.TenantID)
}

func (e *AccountNotFoundError) Unwrap() error {
	return ErrAccountNotFound
}

// DuplicateWriteError names the unique constraint that rejected an insert
type DuplicateWriteError struct {
	Constraint string
}

func (e *DuplicateWriteError) Error() string {
	return fmt.Sprintf("duplicate ledger write (%s)", e.Constraint)
}

func (e *DuplicateWriteError) Unwrap() error {
	return ErrDuplicateWrite
}

// IsClientError returns true if the error is due to invalid client input
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidCursor)
}

// IsNotFound returns true if the error indicates a missing resource
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsRetryable returns true if reissuing the same request may succeed
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted)
}
