/*
ledger.go - Leave ledger engine

PURPOSE:
  The only component allowed to mutate an employee's balances and the
  ledger-entry collection together. Every apply debits the balance and
  records an entry; every reverse credits the balance and removes the
  entry. Administrators may also overwrite balances directly.

INVARIANT:
  For an employee with no administrator overwrite:

    balance[t] == allotment[t] - sum(days of active entries of type t)

  for every debited type t. Reconcile() checks it.

WRITE ORDER:
  Apply:   read employee -> ApplyDelta -> write balances -> create entry
  Reverse: read entry -> read employee -> ReverseDelta -> write balances -> delete entry

  The balance write always happens first. A failed balance write stops the
  sequence before the entry write.

ATOMICITY:
  When the store implements generic.TxStore (and atomic writes are not
  disabled) each sequence runs inside WithTx and either fully commits or
  leaves nothing behind.

  Otherwise the two writes are independent round-trips. If the entry
  write fails after the balance write succeeded the balance stays debited
  with no matching entry; Apply reports this as *generic.PartialWriteError
  and recovery is manual (SetBalances, or retry). The reverse counterpart
  is *generic.PartialReversalError: the credit landed but the entry is
  still active, and must not be reversed again before the balance is
  corrected.

CONCURRENCY:
  Balance writes carry the version read with the employee. A concurrent
  writer makes the write fail with ErrConcurrentModification; the ledger
  re-reads and retries up to MaxRetries times, then surfaces the error.
  Stores that ignore versions degrade to last-write-wins. SetBalances is
  an intentional last-write-wins overwrite.

  There is no cancellation of an in-flight sequence beyond what ctx gives
  the store, and no retry of store failures other than version conflicts.

SEE ALSO:
  - balance.go: ApplyDelta / ReverseDelta
  - query.go: Windowed queries and read models
  - generic/store.go: Store, TxStore, EntryQuerier
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldtrack/leave-ledger/generic"
)

// DefaultMaxRetries bounds the optimistic retry loop on version conflicts.
const DefaultMaxRetries = 3

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store      generic.Store
	policy     Policy
	cycle      generic.PayCycle
	clock      generic.Clock
	logger     *slog.Logger
	maxRetries int
	atomic     bool
}

type Option func(*Ledger)

func WithPolicy(p Policy) Option { return func(l *Ledger) { l.policy = p } }
func WithPayCycle(pc generic.PayCycle) Option { return func(l *Ledger) { l.cycle = pc } }
func WithClock(c generic.Clock) Option { return func(l *Ledger) { l.clock = c } }
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }
func WithMaxRetries(n int) Option { return func(l *Ledger) { l.maxRetries = max(n, 0) } }

// WithAtomicWrites toggles use of TxStore.WithTx when the store supports it.
func WithAtomicWrites(on bool) Option { return func(l *Ledger) { l.atomic = on } }

func NewLedger(store generic.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		policy:     DefaultPolicy(),
		cycle:      generic.DefaultPayCycle,
		clock:      generic.SystemClock{},
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		atomic:     true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Policy() Policy { return l.policy }
func (l *Ledger) PayCycle() generic.PayCycle { return l.cycle }

// Atomic reports whether apply/reverse run inside a store transaction.
func (l *Ledger) Atomic() bool {
	_, ok := l.store.(generic.TxStore)
	return ok && l.atomic
}

// run executes fn against a transaction when available, else the store itself.
func (l *Ledger) run(ctx context.Context, fn func(s generic.Store, atomic bool) error) error {
	if tx, ok := l.store.(generic.TxStore); ok && l.atomic {
		err := tx.WithTx(ctx, func(s generic.Store) error { return fn(s, true) })
		return generic.Unavailable("transaction", err)
	}
	return fn(l.store, false)
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyInput describes one leave event to record.
type ApplyInput struct {
	EmployeeID generic.EmployeeID
	Date       generic.TimePoint
	Days       int
	Type       Type
}

func (in ApplyInput) validate() error {
	if in.Days <= 0 {
		return &generic.InvalidInputError{Field: "days", Reason: fmt.Sprintf("must be positive, got %d", in.Days)}
	}
	if in.EmployeeID == "" {
		return &generic.InvalidInputError{Field: "employee_id", Reason: "required"}
	}
	if in.Date.IsZero() {
		return &generic.InvalidInputError{Field: "date", Reason: "required"}
	}
	if _, err := ParseType(string(in.Type)); err != nil {
		return err
	}
	return nil
}

// Apply debits the employee's balance and records a ledger entry.
//
// Errors:
//   - ErrInvalidInput: nothing was written
//   - ErrEntityNotFound: the employee does not exist, nothing was written
//   - ErrConcurrentModification: retries exhausted, nothing was written
//   - *PartialWriteError: non-atomic store, balance debited but no entry
//   - ErrStoreUnavailable: any other store failure
func (l *Ledger) Apply(ctx context.Context, in ApplyInput) (generic.Entry, error) {
	if err := in.validate(); err != nil {
		return generic.Entry{}, err
	}
	in.Date = generic.DateOf(in.Date.Time)

	var created generic.Entry
	err := l.run(ctx, func(s generic.Store, atomic bool) error {
		var err error
		created, err = l.apply(ctx, s, in, atomic)
		return err
	})
	if err != nil {
		return generic.Entry{}, err
	}

	l.logger.Info("leave applied",
		"employeeId", created.UserID,
		"entryId", created.ID,
		"type", in.Type,
		"days", in.Days,
		"date", in.Date.String())
	return created, nil
}

func (l *Ledger) apply(ctx context.Context, s generic.Store, in ApplyInput, atomic bool) (generic.Entry, error) {
	emp, written, err := l.updateBalances(ctx, s, in.EmployeeID, func(b generic.Balances) generic.Balances {
		return l.policy.ApplyDelta(b, in.Type, in.Days)
	})
	if err != nil {
		return generic.Entry{}, err
	}

	created, err := s.CreateEntry(ctx, generic.Entry{
		UserID:    emp.ID,
		UserName:  emp.Name,
		Date:      in.Date,
		Days:      in.Days,
		Type:      in.Type,
		CreatedAt: l.clock.Now().UTC(),
	})
	if err != nil {
		if atomic {
			return generic.Entry{}, generic.Unavailable("create entry", err)
		}
		l.logger.Error("ledger entry write failed after balance debit",
			"employeeId", emp.ID,
			"type", in.Type,
			"days", in.Days,
			"err", err)
		return generic.Entry{}, &generic.PartialWriteError{EmployeeID: emp.ID, Debited: written, Err: err}
	}
	return created, nil
}

// updateBalances is the versioned read-modify-write shared by apply and reverse.
func (l *Ledger) updateBalances(
	ctx context.Context,
	s generic.Store,
	id generic.EmployeeID,
	mutate func(generic.Balances) generic.Balances,
) (*generic.Employee, generic.Balances, error) {
	for attempt := 0; ; attempt++ {
		emp, err := s.GetEmployee(ctx, id)
		if err != nil {
			return nil, nil, generic.Unavailable("read employee", err)
		}
		if emp == nil {
			return nil, nil, fmt.Errorf("%w: %s", generic.ErrEntityNotFound, id)
		}

		next := mutate(emp.Balances)
		_, err = s.WriteBalances(ctx, id, next, emp.Version)
		if err == nil {
			return emp, next, nil
		}
		if generic.IsRetryable(err) && attempt < l.maxRetries {
			l.logger.Debug("balance write conflict, retrying", "employeeId", id, "attempt", attempt+1)
			continue
		}
		return nil, nil, generic.Unavailable("write balances", err)
	}
}

// =============================================================================
// REVERSE
// =============================================================================

// ReversalPreview is what the caller shows before confirming a reversal.
type ReversalPreview struct {
	Entry    generic.Entry
	Employee *generic.Employee // nil when the owning employee no longer exists
	Before   generic.Balances  // resolved current balances
	After    generic.Balances  // balances once the entry is reversed
}

// PreviewReverse reads the entry and computes the post-reversal balances
// without writing anything.
func (l *Ledger) PreviewReverse(ctx context.Context, id generic.EntryID) (ReversalPreview, error) {
	entry, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return ReversalPreview{}, generic.Unavailable("read entry", err)
	}
	if entry == nil {
		return ReversalPreview{}, fmt.Errorf("%w: %s", generic.ErrEntryNotFound, id)
	}

	preview := ReversalPreview{Entry: *entry}
	emp, err := l.store.GetEmployee(ctx, entry.UserID)
	if err != nil {
		return ReversalPreview{}, generic.Unavailable("read employee", err)
	}
	if emp != nil {
		preview.Employee = emp
		preview.Before = l.policy.Resolve(emp.Balances)
		preview.After = l.policy.Resolve(l.policy.ReverseDelta(emp.Balances, Type(entry.TypeID()), entry.Days))
	}
	return preview, nil
}

// Reverse credits the entry's days back to its owner and deletes the entry.
// confirmed must be true; it records that the caller obtained explicit
// confirmation (see PreviewReverse).
//
// A missing entry returns ErrEntryNotFound: the visible effect is already
// true, so callers may treat it as a no-op. A missing employee still
// deletes the entry but skips the credit. On a non-atomic store a failed
// delete after the credit returns *PartialReversalError.
func (l *Ledger) Reverse(ctx context.Context, id generic.EntryID, confirmed bool) error {
	if !confirmed {
		return fmt.Errorf("reverse entry %s: %w", id, generic.ErrConfirmationRequired)
	}

	var removed generic.Entry
	err := l.run(ctx, func(s generic.Store, atomic bool) error {
		var err error
		removed, err = l.reverse(ctx, s, id, atomic)
		return err
	})
	if errors.Is(err, generic.ErrEntryNotFound) {
		l.logger.Info("reverse skipped, entry already removed", "entryId", id)
		return err
	}
	if err != nil {
		return err
	}

	l.logger.Info("leave reversed",
		"employeeId", removed.UserID,
		"entryId", removed.ID,
		"type", removed.TypeID(),
		"days", removed.Days)
	return nil
}

func (l *Ledger) reverse(ctx context.Context, s generic.Store, id generic.EntryID, atomic bool) (generic.Entry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return generic.Entry{}, generic.Unavailable("read entry", err)
	}
	if entry == nil {
		return generic.Entry{}, fmt.Errorf("%w: %s", generic.ErrEntryNotFound, id)
	}

	t := Type(entry.TypeID())
	_, credited, err := l.updateBalances(ctx, s, entry.UserID, func(b generic.Balances) generic.Balances {
		return l.policy.ReverseDelta(b, t, entry.Days)
	})
	switch {
	case errors.Is(err, generic.ErrEntityNotFound):
		l.logger.Warn("reversing orphaned entry, balance credit skipped",
			"entryId", entry.ID,
			"employeeId", entry.UserID)
	case err != nil:
		return generic.Entry{}, err
	}

	if err := s.DeleteEntry(ctx, id); err != nil {
		if atomic || credited == nil {
			return generic.Entry{}, generic.Unavailable("delete entry", err)
		}
		l.logger.Error("ledger entry delete failed after balance credit",
			"employeeId", entry.UserID,
			"entryId", entry.ID,
			"type", t,
			"days", entry.Days,
			"err", err)
		return generic.Entry{}, &generic.PartialReversalError{
			EntryID:    entry.ID,
			EmployeeID: entry.UserID,
			Credited:   credited,
			Err:        err,
		}
	}
	return *entry, nil
}

// =============================================================================
// ADMINISTRATOR CORRECTION
// =============================================================================

// SetBalances overwrites the employee's balances verbatim. It bypasses the
// ledger: no entry is created or removed, and the write is unconditional.
func (l *Ledger) SetBalances(ctx context.Context, id generic.EmployeeID, balances generic.Balances) error {
	if id == "" {
		return &generic.InvalidInputError{Field: "employee_id", Reason: "required"}
	}
	for k := range balances {
		if _, err := ParseType(k); err != nil {
			return err
		}
	}
	if _, err := l.store.WriteBalances(ctx, id, balances.Clone(), generic.AnyVersion); err != nil {
		return generic.Unavailable("write balances", err)
	}
	l.logger.Info("balances overwritten by administrator", "employeeId", id, "balances", balances)
	return nil
}

// SubscribeEntries exposes the store's entry feed. Visibility filtering is
// the caller's concern.
func (l *Ledger) SubscribeEntries(ctx context.Context, fn func([]generic.Entry)) (func(), error) {
	return l.store.SubscribeEntries(ctx, fn)
}
