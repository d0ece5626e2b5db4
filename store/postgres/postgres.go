/*
Package postgres provides a PostgreSQL-backed Store using pgx.

PURPOSE:
  A shared record store for deployments where several server processes
  write the same ledger. Same two-table layout as store/sqlite, with
  balances held in a JSONB column.

INTERFACES IMPLEMENTED:
  generic.Store, generic.TxStore, generic.EntryQuerier

CONCURRENCY:
  WriteBalances is a single conditional UPDATE ... RETURNING version.
  Two transactions racing on one employee serialize on the row lock; the
  loser matches zero rows and gets ErrConcurrentModification, and the
  ledger re-reads inside the same READ COMMITTED transaction.

SUBSCRIPTIONS:
  Subscribers are notified of writes made through this process only.

SEE ALSO:
  - store/sqlite/sqlite.go: The embedded equivalent
  - generic/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldtrack/leave-ledger/generic"
)

const schema = `
CREATE TABLE IF NOT EXISTS employees (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	balances JSONB NOT NULL DEFAULT '{}'::jsonb,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS leave_entries (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	date DATE NOT NULL,
	days INTEGER NOT NULL CHECK (days > 0),
	type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leave_entries_user_type_date
	ON leave_entries(user_id, type, date);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	hub  *generic.Hub[[]generic.Entry]
	now  func() time.Time
}

// Connect opens a pool for databaseURL and migrates the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	s.hub = generic.NewHub(s.ListEntries)
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *Store) CreateEmployee(ctx context.Context, emp generic.Employee) (generic.Employee, error) {
	return s.createEmployee(ctx, s.pool, emp)
}

func (s *Store) createEmployee(ctx context.Context, q querier, emp generic.Employee) (generic.Employee, error) {
	if emp.ID == "" {
		emp.ID = generic.EmployeeID(uuid.NewString())
	}
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = s.now().UTC()
	}
	emp.Balances = emp.Balances.Clone()
	emp.Version = 1

	balances, err := json.Marshal(emp.Balances)
	if err != nil {
		return generic.Employee{}, fmt.Errorf("encode balances: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO employees (id, name, role, balances, version, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, string(emp.ID), emp.Name, string(emp.Role), string(balances), emp.Version, emp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return generic.Employee{}, &generic.InvalidInputError{Field: "id", Reason: "employee " + string(emp.ID) + " already exists"}
		}
		return generic.Employee{}, fmt.Errorf("insert employee: %w", err)
	}
	return emp, nil
}

const employeeColumns = `id, name, role, balances, version, created_at`

func (s *Store) GetEmployee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	return getEmployee(ctx, s.pool, id)
}

func getEmployee(ctx context.Context, q querier, id generic.EmployeeID) (*generic.Employee, error) {
	emp, err := scanEmployee(q.QueryRow(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]generic.Employee, error) {
	return listEmployees(ctx, s.pool)
}

func listEmployees(ctx context.Context, q querier) ([]generic.Employee, error) {
	rows, err := q.Query(ctx, `SELECT `+employeeColumns+` FROM employees ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
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
	return writeBalances(ctx, s.pool, id, balances, expectedVersion)
}

func writeBalances(ctx context.Context, q querier, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	encoded, err := json.Marshal(balances.Clone())
	if err != nil {
		return 0, fmt.Errorf("encode balances: %w", err)
	}

	var version int64
	err = q.QueryRow(ctx, `
		UPDATE employees
		SET balances = $1::jsonb, version = version + 1
		WHERE id = $2 AND ($3::bigint = -1 OR version = $3)
		RETURNING version
	`, string(encoded), string(id), expectedVersion).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("write balances: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM employees WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check employee: %w", err)
	}
	if !exists {
		return 0, generic.ErrEntityNotFound
	}
	return 0, generic.ErrConcurrentModification
}

func scanEmployee(row pgx.Row) (generic.Employee, error) {
	var (
		emp      generic.Employee
		id       string
		role     string
		balances []byte
	)
	if err := row.Scan(&id, &emp.Name, &role, &balances, &emp.Version, &emp.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return emp, err
		}
		return emp, fmt.Errorf("scan employee: %w", err)
	}
	emp.ID = generic.EmployeeID(id)
	emp.Role = generic.Role(role)
	emp.CreatedAt = emp.CreatedAt.UTC()
	emp.Balances = generic.Balances{}
	if err := json.Unmarshal(balances, &emp.Balances); err != nil {
		return emp, fmt.Errorf("decode balances for %s: %w", id, err)
	}
	return emp, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) CreateEntry(ctx context.Context, entry generic.Entry) (generic.Entry, error) {
	entry, err := s.createEntry(ctx, s.pool, entry)
	if err != nil {
		return generic.Entry{}, err
	}
	s.hub.Publish(ctx)
	return entry, nil
}

func (s *Store) createEntry(ctx context.Context, q querier, entry generic.Entry) (generic.Entry, error) {
	entry.ID = generic.EntryID(uuid.NewString())
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	// timestamptz keeps microseconds
	entry.CreatedAt = entry.CreatedAt.Truncate(time.Microsecond)

	_, err := q.Exec(ctx, `
		INSERT INTO leave_entries (id, user_id, user_name, date, days, type, created_at)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7)
	`,
		string(entry.ID),
		string(entry.UserID),
		entry.UserName,
		entry.Date.Time,
		entry.Days,
		entry.TypeID(),
		entry.CreatedAt,
	)
	if err != nil {
		return generic.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return entry, nil
}

const entryColumns = `id, user_id, user_name, to_char(date, 'YYYY-MM-DD'), days, type, created_at`

func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	return getEntry(ctx, s.pool, id)
}

func getEntry(ctx context.Context, q querier, id generic.EntryID) (*generic.Entry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM leave_entries WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	if err := deleteEntry(ctx, s.pool, id); err != nil {
		return err
	}
	s.hub.Publish(ctx)
	return nil
}

func deleteEntry(ctx context.Context, q querier, id generic.EntryID) error {
	tag, err := q.Exec(ctx, `DELETE FROM leave_entries WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context) ([]generic.Entry, error) {
	return queryEntries(ctx, s.pool, `SELECT `+entryColumns+` FROM leave_entries ORDER BY seq`)
}

func (s *Store) QueryEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return filterEntries(ctx, s.pool, filter)
}

func filterEntries(ctx context.Context, q querier, filter generic.EntryFilter) ([]generic.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM leave_entries
		WHERE user_id = $1 AND type = $2 AND date BETWEEN $3::date AND $4::date
		ORDER BY seq
	`,
		string(filter.UserID),
		filter.TypeID,
		filter.From.UTC(),
		filter.To.UTC(),
	)
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]generic.Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
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

func scanEntry(row pgx.Row) (generic.Entry, error) {
	var (
		entry        generic.Entry
		id, userID   string
		date, typeID string
	)
	err := row.Scan(&id, &userID, &entry.UserName, &date, &entry.Days, &typeID, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entry, err
		}
		return entry, fmt.Errorf("scan entry: %w", err)
	}
	entry.ID = generic.EntryID(id)
	entry.UserID = generic.EmployeeID(userID)
	entry.Type = generic.GetOrCreateResource(typeID)
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.Date, err = generic.ParseDate(date); err != nil {
		return entry, fmt.Errorf("entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *Store) SubscribeEntries(ctx context.Context, fn func([]generic.Entry)) (func(), error) {
	return s.hub.Subscribe(ctx, fn)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	view := &txView{tx: tx, parent: s}
	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if view.entriesChanged {
		s.hub.Publish(ctx)
	}
	return nil
}

type txView struct {
	tx             pgx.Tx
	parent         *Store
	entriesChanged bool
}

func (v *txView) CreateEmployee(ctx context.Context, emp generic.Employee) (generic.Employee, error) {
	return v.parent.createEmployee(ctx, v.tx, emp)
}

func (v *txView) GetEmployee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	return getEmployee(ctx, v.tx, id)
}

func (v *txView) ListEmployees(ctx context.Context) ([]generic.Employee, error) {
	return listEmployees(ctx, v.tx)
}

func (v *txView) WriteBalances(ctx context.Context, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	return writeBalances(ctx, v.tx, id, balances, expectedVersion)
}

func (v *txView) CreateEntry(ctx context.Context, entry generic.Entry) (generic.Entry, error) {
	entry, err := v.parent.createEntry(ctx, v.tx, entry)
	if err == nil {
		v.entriesChanged = true
	}
	return entry, err
}

func (v *txView) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	return getEntry(ctx, v.tx, id)
}

func (v *txView) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	if err := deleteEntry(ctx, v.tx, id); err != nil {
		return err
	}
	v.entriesChanged = true
	return nil
}

func (v *txView) ListEntries(ctx context.Context) ([]generic.Entry, error) {
	return queryEntries(ctx, v.tx, `SELECT `+entryColumns+` FROM leave_entries ORDER BY seq`)
}

func (v *txView) QueryEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return filterEntries(ctx, v.tx, filter)
}

func (v *txView) SubscribeEntries(context.Context, func([]generic.Entry)) (func(), error) {
	return nil, &generic.InvalidInputError{Field: "subscription", Reason: "cannot subscribe inside a transaction"}
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE leave_entries, employees`); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.hub.Publish(ctx)
	return nil
}
