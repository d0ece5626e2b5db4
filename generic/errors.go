/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The leave package and the stores wrap these with %w; callers classify
  with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Input errors    - caught before any write (InvalidInput, ConfirmationRequired)
  2. Lookup errors   - entity or entry id does not exist (NotFound)
  3. Store errors    - the record store failed (StoreUnavailable)
  4. Conflict errors - optimistic version check failed (ConcurrentModification)

PROPAGATION:
  Stores return raw driver errors; Unavailable() turns them into
  ErrStoreUnavailable without masking the domain sentinels above.

SEE ALSO:
  - store.go: Store contract that produces these
  - leave/ledger.go: Maps store failures onto the apply/reverse sequence
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for non-positive day counts, unknown leave
	// types and missing required fields. No write has happened.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEntityNotFound is returned when an employee id does not exist.
	ErrEntityNotFound = errors.New("employee not found")

	// ErrEntryNotFound is returned when a ledger entry id does not exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrStoreUnavailable is returned when the record store fails a read or write.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConfirmationRequired is returned when a destructive operation is
	// attempted without the caller's explicit confirmation.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// PartialWriteError reports that a balance debit was persisted but the
// matching ledger entry was not. The employee's balance must be corrected
// by an administrator or the action retried.
type PartialWriteError struct {
	EmployeeID EmployeeID
	Debited    Balances // balances as written
	Err        error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("balance debited for %s but ledger entry was not created: %v", e.EmployeeID, e.Err)
}

func (e *PartialWriteError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// PartialReversalError reports that a reversal credit was persisted but
// the ledger entry could not be deleted. The entry is still active, so
// retrying the reversal would credit the balance a second time.
type PartialReversalError struct {
	EntryID    EntryID
	EmployeeID EmployeeID
	Credited   Balances // balances as written
	Err        error
}

func (e *PartialReversalError) Error() string {
	return fmt.Sprintf("balance credited for %s but ledger entry %s is still active: %v", e.EmployeeID, e.EntryID, e.Err)
}

func (e *PartialReversalError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Unavailable wraps a raw store error as ErrStoreUnavailable. Domain
// sentinels pass through unchanged so callers can still match them.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConfirmationRequired)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
