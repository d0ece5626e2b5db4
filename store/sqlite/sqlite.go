/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  The default durable record store. Employees and ledger entries live in
  two tables; the ledger writes both through one SQL transaction.

INTERFACES IMPLEMENTED:
  generic.Store:        employee records and the entry collection
  generic.TxStore:      WithTx runs apply/reverse as one SQL transaction
  generic.EntryQuerier: user/type/date filter pushed into SQL

KEY TABLES:
  employees:     one row per employee; balances as a JSON object, version
                 bumped on every balance write
  leave_entries: one row per active ledger entry; deleted on reversal

ORDERING:
  Both tables are read in rowid order, which is insertion order. A new row
  always receives a rowid above every live row.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection: SQLite has
  one writer at a time, and a shared connection keeps ":memory:" databases
  visible to every call.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery when backed by a file.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := leave.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/fieldtrack/leave-ledger/generic"
)

// Store implements generic.TxStore and generic.EntryQuerier using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	hub *generic.Hub[[]generic.Entry]
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	store.hub = generic.NewHub(store.ListEntries)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		balances_json TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leave_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		date TEXT NOT NULL,
		days INTEGER NOT NULL CHECK (days > 0),
		type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Windowed query (hot path)
	CREATE INDEX IF NOT EXISTS idx_leave_entries_user_type_date
		ON leave_entries(user_id, type, date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *Store) CreateEmployee(ctx context.Context, emp generic.Employee) (generic.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEmployee(ctx, s.db, emp)
}

func (s *Store) createEmployee(ctx context.Context, q dbtx, emp generic.Employee) (generic.Employee, error) {
	if emp.ID == "" {
		emp.ID = generic.EmployeeID(uuid.NewString())
	}
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = s.now().UTC()
	}
	emp.Balances = emp.Balances.Clone()
	emp.Version = 1

	balancesJSON, err := json.Marshal(emp.Balances)
	if err != nil {
		return generic.Employee{}, fmt.Errorf("failed to encode balances: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO employees (id, name, role, balances_json, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, emp.ID, emp.Name, emp.Role, string(balancesJSON), emp.Version, emp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Employee{}, &generic.InvalidInputError{Field: "id", Reason: "employee " + string(emp.ID) + " already exists"}
		}
		return generic.Employee{}, fmt.Errorf("failed to insert employee: %w", err)
	}
	return emp, nil
}

func (s *Store) GetEmployee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEmployee(ctx, s.db, id)
}

const employeeColumns = `id, name, role, balances_json, version, created_at`

func getEmployee(ctx context.Context, q dbtx, id generic.EmployeeID) (*generic.Employee, error) {
	row := q.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = ?`, id)
	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]generic.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEmployees(ctx, s.db)
}

func listEmployees(ctx context.Context, q dbtx) ([]generic.Employee, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+employeeColumns+` FROM employees ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var employees []generic.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

func (s *Store) WriteBalances(ctx context.Context, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeBalances(ctx, s.db, id, balances, expectedVersion)
}

func writeBalances(ctx context.Context, q dbtx, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	balancesJSON, err := json.Marshal(balances.Clone())
	if err != nil {
		return 0, fmt.Errorf("failed to encode balances: %w", err)
	}

	var version int64
	err = q.QueryRowContext(ctx, `
		UPDATE employees
		SET balances_json = ?, version = version + 1
		WHERE id = ? AND (? = -1 OR version = ?)
		RETURNING version
	`, string(balancesJSON), id, expectedVersion, expectedVersion).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to write balances: %w", err)
	}

	// No row updated: either the employee is gone or the version moved on
	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM employees WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, generic.ErrEntityNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check employee: %w", err)
	}
	return 0, generic.ErrConcurrentModification
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (generic.Employee, error) {
	var (
		emp          generic.Employee
		role         string
		balancesJSON string
		createdAt    string
	)
	if err := row.Scan(&emp.ID, &emp.Name, &role, &balancesJSON, &emp.Version, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return emp, err
		}
		return emp, fmt.Errorf("failed to scan employee: %w", err)
	}
	emp.Role = generic.Role(role)
	if err := json.Unmarshal([]byte(balancesJSON), &emp.Balances); err != nil {
		return emp, fmt.Errorf("failed to decode balances for %s: %w", emp.ID, err)
	}
	if emp.Balances == nil {
		emp.Balances = generic.Balances{}
	}
	var err error
	if emp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return emp, fmt.Errorf("failed to parse created_at for %s: %w", emp.ID, err)
	}
	return emp, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) CreateEntry(ctx context.Context, entry generic.Entry) (generic.Entry, error) {
	s.mu.Lock()
	entry, err := s.createEntry(ctx, s.db, entry)
	s.mu.Unlock()
	if err != nil {
		return generic.Entry{}, err
	}
	s.hub.Publish(ctx)
	return entry, nil
}

func (s *Store) createEntry(ctx context.Context, q dbtx, entry generic.Entry) (generic.Entry, error) {
	entry.ID = generic.EntryID(uuid.NewString())
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO leave_entries (id, user_id, user_name, date, days, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.UserID,
		entry.UserName,
		entry.Date.Time.Format(generic.DateLayout),
		entry.Days,
		entry.TypeID(), // Store as string
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return generic.Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

const entryColumns = `id, user_id, user_name, date, days, type, created_at`

func getEntry(ctx context.Context, q dbtx, id generic.EntryID) (*generic.Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM leave_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	s.mu.Lock()
	err := deleteEntry(ctx, s.db, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.hub.Publish(ctx)
	return nil
}

func deleteEntry(ctx context.Context, q dbtx, id generic.EntryID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM leave_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n == 0 {
		return generic.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context) ([]generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM leave_entries ORDER BY rowid`)
}

// QueryEntries pushes the filter into SQL. Dates are stored as
// YYYY-MM-DD text, so an inclusive string range selects whole days.
func (s *Store) QueryEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEntries(ctx, s.db, filter)
}

func filterEntries(ctx context.Context, q dbtx, filter generic.EntryFilter) ([]generic.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM leave_entries
		WHERE user_id = ? AND type = ? AND date >= ? AND date <= ?
		ORDER BY rowid
	`,
		filter.UserID,
		filter.TypeID,
		filter.From.UTC().Format(generic.DateLayout),
		filter.To.UTC().Format(generic.DateLayout),
	)
}

func queryEntries(ctx context.Context, q dbtx, query string, args ...any) ([]generic.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []generic.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (generic.Entry, error) {
	var (
		entry     generic.Entry
		date      string
		typeID    string // Scan as string, convert to interface
		createdAt string
	)
	err := row.Scan(&entry.ID, &entry.UserID, &entry.UserName, &date, &entry.Days, &typeID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, err
		}
		return entry, fmt.Errorf("failed to scan entry: %w", err)
	}

	// Convert string to ResourceType via registry
	entry.Type = generic.GetOrCreateResource(typeID)
	if entry.Date, err = generic.ParseDate(date); err != nil {
		return entry, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return entry, fmt.Errorf("failed to parse created_at for entry %s: %w", entry.ID, err)
	}
	return entry, nil
}

func (s *Store) SubscribeEntries(ctx context.Context, fn func([]generic.Entry)) (func(), error) {
	return s.hub.Subscribe(ctx, fn)
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Subscribers
// are notified once, after commit, when the entry collection changed.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	ts := &txStore{tx: sqlTx, parent: s}
	if err := fn(ts); err != nil {
		sqlTx.Rollback()
		s.mu.Unlock()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.mu.Unlock()

	if ts.entriesChanged {
		s.hub.Publish(ctx)
	}
	return nil
}

type txStore struct {
	tx             *sql.Tx
	parent         *Store
	entriesChanged bool
}

func (ts *txStore) CreateEmployee(ctx context.Context, emp generic.Employee) (generic.Employee, error) {
	return ts.parent.createEmployee(ctx, ts.tx, emp)
}

func (ts *txStore) GetEmployee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	return getEmployee(ctx, ts.tx, id)
}

func (ts *txStore) ListEmployees(ctx context.Context) ([]generic.Employee, error) {
	return listEmployees(ctx, ts.tx)
}

func (ts *txStore) WriteBalances(ctx context.Context, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	return writeBalances(ctx, ts.tx, id, balances, expectedVersion)
}

func (ts *txStore) CreateEntry(ctx context.Context, entry generic.Entry) (generic.Entry, error) {
	entry, err := ts.parent.createEntry(ctx, ts.tx, entry)
	if err == nil {
		ts.entriesChanged = true
	}
	return entry, err
}

func (ts *txStore) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	if err := deleteEntry(ctx, ts.tx, id); err != nil {
		return err
	}
	ts.entriesChanged = true
	return nil
}

func (ts *txStore) ListEntries(ctx context.Context) ([]generic.Entry, error) {
	return queryEntries(ctx, ts.tx, `SELECT `+entryColumns+` FROM leave_entries ORDER BY rowid`)
}

func (ts *txStore) QueryEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return filterEntries(ctx, ts.tx, filter)
}

func (ts *txStore) SubscribeEntries(context.Context, func([]generic.Entry)) (func(), error) {
	return nil, &generic.InvalidInputError{Field: "subscription", Reason: "cannot subscribe inside a transaction"}
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	for _, table := range []string{"leave_entries", "employees"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	s.hub.Publish(ctx)
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
