/*
store.go - Persistence contract for employees and ledger entries

PURPOSE:
  Defines the interface between the ledger and the record store. The
  store is a plain document/row store: create, read, overwrite, delete and
  subscribe. It knows nothing about leave policy.

TWO PATHS:
  employee record:   balances live here and are overwritten as a whole
  entry collection:  one record per ledger entry, id assigned on create

  There are no transactions across the two paths in the base contract.
  A store that can do better implements TxStore.

OPTIMISTIC CONCURRENCY:
  WriteBalances takes the version the caller read. If the stored version
  moved on, the write is rejected with ErrConcurrentModification and the
  caller re-reads. AnyVersion skips the check (administrator overwrite).

OPTIONAL CAPABILITIES:
  EntryQuerier: push a user/type/date filter down to the database
  TxStore:      run several writes as one atomic unit

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go:  SQLite (TxStore, EntryQuerier)
  - store/postgres:          PostgreSQL via pgx (TxStore, EntryQuerier)
  - store/mongo:             MongoDB (EntryQuerier)

SEE ALSO:
  - notify.go: Subscription fan-out shared by every implementation
  - leave/ledger.go: The only caller that writes both paths
*/
package generic

import (
	"context"
	"time"
)

// AnyVersion disables the optimistic version check on WriteBalances.
const AnyVersion int64 = -1

// =============================================================================
// STORE - Interface for record persistence
// =============================================================================

type Store interface {
	// CreateEmployee persists a new employee. An empty ID is assigned by the store.
	CreateEmployee(ctx context.Context, emp Employee) (Employee, error)

	// GetEmployee returns nil, nil when the employee does not exist.
	GetEmployee(ctx context.Context, id EmployeeID) (*Employee, error)

	ListEmployees(ctx context.Context) ([]Employee, error)

	// WriteBalances overwrites the employee's balances and returns the new
	// version. Returns ErrEntityNotFound or ErrConcurrentModification.
	WriteBalances(ctx context.Context, id EmployeeID, balances Balances, expectedVersion int64) (int64, error)

	// CreateEntry persists a ledger entry and returns it with its assigned ID.
	CreateEntry(ctx context.Context, entry Entry) (Entry, error)

	// GetEntry returns nil, nil when the entry does not exist.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// DeleteEntry removes the entry. Returns ErrEntryNotFound if absent.
	DeleteEntry(ctx context.Context, id EntryID) error

	// ListEntries returns every entry in insertion order.
	ListEntries(ctx context.Context) ([]Entry, error)

	// SubscribeEntries calls fn with the current entry collection, then again
	// after every committed change, until cancel is called or ctx ends.
	SubscribeEntries(ctx context.Context, fn func([]Entry)) (cancel func(), err error)
}

// =============================================================================
// OPTIONAL CAPABILITIES
// =============================================================================

// EntryQuerier filters entries inside the store. Results keep insertion order.
type EntryQuerier interface {
	QueryEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

// EntryFilter selects entries for one employee and type within [From, To].
type EntryFilter struct {
	UserID EmployeeID
	TypeID string
	From   time.Time
	To     time.Time
}

// Matches applies the filter in memory.
func (f EntryFilter) Matches(e Entry) bool {
	if e.UserID != f.UserID || e.TypeID() != f.TypeID {
		return false
	}
	return Period{Start: f.From, End: f.To}.Contains(e.Date)
}

// TxStore wraps Store with transaction support.
// If fn returns an error every write made through the Store passed to fn
// is rolled back; otherwise all of them commit together.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
