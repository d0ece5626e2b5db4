package leave_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/generic/store"
	"github.com/fieldtrack/leave-ledger/leave"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestLedger(t *testing.T, s generic.Store, opts ...leave.Option) *leave.Ledger {
	t.Helper()
	opts = append([]leave.Option{
		leave.WithLogger(quietLogger),
		leave.WithClock(generic.FixedClock{At: time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)}),
	}, opts...)
	return leave.NewLedger(s, opts...)
}

func seedEmployee(t *testing.T, s generic.Store, name string) generic.Employee {
	t.Helper()
	emp, err := s.CreateEmployee(context.Background(), generic.Employee{Name: name, Role: generic.RoleEmployee})
	require.NoError(t, err)
	return emp
}

func date(t *testing.T, s string) generic.TimePoint {
	t.Helper()
	tp, err := generic.ParseDate(s)
	require.NoError(t, err)
	return tp
}

func balanceOf(t *testing.T, s generic.Store, l *leave.Ledger, id generic.EmployeeID, lt leave.Type) int {
	t.Helper()
	emp, err := s.GetEmployee(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, emp)
	return l.Policy().Resolve(emp.Balances)[string(lt)]
}

func windowFor(t *testing.T, s string) generic.Period {
	t.Helper()
	return generic.DefaultPayCycle.WindowForDate(date(t, s))
}

func collect(seq iter.Seq[generic.Entry]) []generic.Entry {
	var out []generic.Entry
	for e := range seq {
		out = append(out, e)
	}
	return out
}

// Run each behaviour against the plain and the transactional memory store.
func eachStore(t *testing.T, fn func(t *testing.T, s generic.Store)) {
	t.Run("Memory", func(t *testing.T) { fn(t, store.NewMemory()) })
	t.Run("TxMemory", func(t *testing.T) { fn(t, store.NewTxMemory()) })
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_ApplyAnnualDebitsAndIsQueryable(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		// GIVEN: an employee with default balances
		ctx := context.Background()
		l := newTestLedger(t, s)
		emp := seedEmployee(t, s, "Dana")

		// WHEN: three annual days are applied on 2024-03-10
		entry, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
		require.NoError(t, err)

		// THEN: annual drops to 11 and the window query finds the entry
		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, "Dana", entry.UserName)
		assert.Equal(t, 11, balanceOf(t, s, l, emp.ID, leave.Annual))

		seq, err := l.Query(ctx, leave.QueryInput{EmployeeID: emp.ID, Type: leave.Annual, Period: windowFor(t, "2024-03-15")})
		require.NoError(t, err)
		got := collect(seq)
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].Days)
		assert.Equal(t, 3, leave.TotalDays(seq))
	})
}

func TestScenarioB_ReverseRestoresBalanceAndRemovesEntry(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		ctx := context.Background()
		l := newTestLedger(t, s)
		emp := seedEmployee(t, s, "Dana")
		entry, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
		require.NoError(t, err)

		require.NoError(t, l.Reverse(ctx, entry.ID, true))

		assert.Equal(t, 14, balanceOf(t, s, l, emp.ID, leave.Annual))
		seq, err := l.Query(ctx, leave.QueryInput{EmployeeID: emp.ID, Type: leave.Annual, Period: windowFor(t, "2024-03-15")})
		require.NoError(t, err)
		assert.Empty(t, collect(seq))
		assert.Equal(t, 0, leave.TotalDays(seq))
	})
}

func TestScenarioC_SickLeaveIsRecordedButNotDebited(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		ctx := context.Background()
		l := newTestLedger(t, s)
		emp := seedEmployee(t, s, "Dana")

		_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-02-25"), Days: 2, Type: leave.Sick})
		require.NoError(t, err)

		assert.Equal(t, 0, balanceOf(t, s, l, emp.ID, leave.Sick))

		// Feb 25 belongs to March's cycle, which opens on Feb 21
		seq, err := l.Query(ctx, leave.QueryInput{EmployeeID: emp.ID, Type: leave.Sick, Period: windowFor(t, "2024-03-01")})
		require.NoError(t, err)
		assert.Equal(t, 2, leave.TotalDays(seq))
	})
}

func TestScenarioD_JanuaryEntryFallsInRolledOverWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-01-05"), Days: 1, Type: leave.Annual})
	require.NoError(t, err)

	w := windowFor(t, "2024-01-05")
	assert.Equal(t, "[2023-12-21, 2024-01-20]", w.String())

	seq, err := l.Query(ctx, leave.QueryInput{EmployeeID: emp.ID, Type: leave.Annual, Period: w})
	require.NoError(t, err)
	assert.Equal(t, 1, leave.TotalDays(seq))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestLedger_BalanceMatchesActiveEntries(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		ctx := context.Background()
		l := newTestLedger(t, s)
		emp := seedEmployee(t, s, "Dana")

		var ids []generic.EntryID
		inputs := []struct {
			day  string
			days int
			typ  leave.Type
		}{
			{"2024-03-01", 2, leave.Annual},
			{"2024-03-02", 1, leave.Casual},
			{"2024-03-03", 4, leave.Annual},
			{"2024-03-04", 1, leave.AbsentWithPermission},
			{"2024-03-05", 3, leave.Exams},
			{"2024-03-06", 2, leave.Casual},
		}
		for _, in := range inputs {
			e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, in.day), Days: in.days, Type: in.typ})
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		require.NoError(t, l.Reverse(ctx, ids[2], true))
		require.NoError(t, l.Reverse(ctx, ids[4], true))

		report, err := l.Reconcile(ctx, emp.ID)
		require.NoError(t, err)
		assert.True(t, report.Consistent())
		assert.Equal(t, 12, balanceOf(t, s, l, emp.ID, leave.Annual))
		assert.Equal(t, 4, balanceOf(t, s, l, emp.ID, leave.Casual))
		assert.Equal(t, -1, balanceOf(t, s, l, emp.ID, leave.AbsentWithPermission))
	})
}

func TestLedger_ReverseRoundTripForEveryDebitedType(t *testing.T) {
	for _, lt := range leave.DefaultPolicy().DebitedTypes() {
		t.Run(string(lt), func(t *testing.T) {
			ctx := context.Background()
			s := store.NewTxMemory()
			l := newTestLedger(t, s)
			emp := seedEmployee(t, s, "Dana")
			before := l.Policy().Resolve(emp.Balances)

			e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 5, Type: lt})
			require.NoError(t, err)
			require.NoError(t, l.Reverse(ctx, e.ID, true))

			after, err := s.GetEmployee(ctx, emp.ID)
			require.NoError(t, err)
			assert.Equal(t, before, l.Policy().Resolve(after.Balances))
		})
	}
}

func TestLedger_InformationalTypesNeverMoveBalances(t *testing.T) {
	for _, lt := range []leave.Type{leave.Sick, leave.Exams, leave.AbsentWithoutPermission} {
		t.Run(string(lt), func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			l := newTestLedger(t, s)
			emp := seedEmployee(t, s, "Dana")

			e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 9, Type: lt})
			require.NoError(t, err)
			assert.Equal(t, 0, balanceOf(t, s, l, emp.ID, lt))

			require.NoError(t, l.Reverse(ctx, e.ID, true))
			assert.Equal(t, 0, balanceOf(t, s, l, emp.ID, lt))
		})
	}
}

func TestQuery_ExcludesOtherEmployeesTypesAndWindows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	dana := seedEmployee(t, s, "Dana")
	omar := seedEmployee(t, s, "Omar")

	apply := func(id generic.EmployeeID, day string, days int, lt leave.Type) {
		_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: id, Date: date(t, day), Days: days, Type: lt})
		require.NoError(t, err)
	}
	apply(dana.ID, "2024-02-21", 1, leave.Annual) // first day of window
	apply(dana.ID, "2024-03-20", 2, leave.Annual) // last day of window
	apply(dana.ID, "2024-02-20", 4, leave.Annual) // previous window
	apply(dana.ID, "2024-03-21", 8, leave.Annual) // next window
	apply(dana.ID, "2024-03-01", 1, leave.Casual) // other type
	apply(omar.ID, "2024-03-01", 3, leave.Annual) // other employee

	seq, err := l.Query(ctx, leave.QueryInput{EmployeeID: dana.ID, Type: leave.Annual, Period: windowFor(t, "2024-03-01")})
	require.NoError(t, err)

	got := collect(seq)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, dana.ID, e.UserID)
		assert.Equal(t, string(leave.Annual), e.TypeID())
	}
	assert.Equal(t, 3, leave.TotalDays(seq))
}

func TestQuery_OrderByDateKeepsInsertionForTies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	for _, in := range []struct {
		day  string
		days int
	}{{"2024-03-10", 1}, {"2024-02-25", 2}, {"2024-03-10", 3}} {
		_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, in.day), Days: in.days, Type: leave.Annual})
		require.NoError(t, err)
	}

	q := leave.QueryInput{EmployeeID: emp.ID, Type: leave.Annual, Period: windowFor(t, "2024-03-01")}
	seq, err := l.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, days(collect(seq)))

	q.Order = leave.OrderDate
	seq, err = l.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 3}, days(collect(seq)))
}

func TestQuery_SequenceIsASnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	q := leave.QueryInput{EmployeeID: emp.ID, Type: leave.Annual, Period: windowFor(t, "2024-03-01")}

	seq, err := l.Query(ctx, q)
	require.NoError(t, err)

	_, err = l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-01"), Days: 1, Type: leave.Annual})
	require.NoError(t, err)

	assert.Equal(t, 0, leave.TotalDays(seq))
}

func TestQuery_RejectsBadInput(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	w := windowFor(t, "2024-03-01")

	_, err := l.Query(ctx, leave.QueryInput{Type: leave.Annual, Period: w})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Query(ctx, leave.QueryInput{EmployeeID: "e", Type: "vacation", Period: w})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Query(ctx, leave.QueryInput{EmployeeID: "e", Type: leave.Annual})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func days(entries []generic.Entry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Days)
	}
	return out
}

// =============================================================================
// APPLY VALIDATION
// =============================================================================

func TestApply_RejectsInvalidInputWithoutWriting(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	d := date(t, "2024-03-10")

	tests := []struct {
		name string
		in   leave.ApplyInput
	}{
		{"zero days", leave.ApplyInput{EmployeeID: emp.ID, Date: d, Days: 0, Type: leave.Annual}},
		{"negative days", leave.ApplyInput{EmployeeID: emp.ID, Date: d, Days: -2, Type: leave.Annual}},
		{"unknown type", leave.ApplyInput{EmployeeID: emp.ID, Date: d, Days: 1, Type: "vacation"}},
		{"missing employee id", leave.ApplyInput{Date: d, Days: 1, Type: leave.Annual}},
		{"missing date", leave.ApplyInput{EmployeeID: emp.ID, Days: 1, Type: leave.Annual}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Apply(ctx, tt.in)
			assert.ErrorIs(t, err, generic.ErrInvalidInput)
		})
	}

	entries, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 14, balanceOf(t, s, l, emp.ID, leave.Annual))
}

func TestApply_UnknownEmployee(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		l := newTestLedger(t, s)
		_, err := l.Apply(context.Background(), leave.ApplyInput{EmployeeID: "ghost", Date: date(t, "2024-03-10"), Days: 1, Type: leave.Annual})
		assert.ErrorIs(t, err, generic.ErrEntityNotFound)
	})
}

func TestApply_AllowsOverdraw(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 9, Type: leave.Casual})
	require.NoError(t, err)
	assert.Equal(t, -2, balanceOf(t, s, l, emp.ID, leave.Casual))
}

func TestApply_StoresOnlyMutatedBalances(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		ctx := context.Background()
		l := newTestLedger(t, s)
		emp := seedEmployee(t, s, "Dana")

		// Informational types leave the record untouched
		_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 2, Type: leave.Sick})
		require.NoError(t, err)
		got, err := s.GetEmployee(ctx, emp.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Balances)

		// A debit writes its own key and nothing else
		_, err = l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-11"), Days: 3, Type: leave.Annual})
		require.NoError(t, err)
		got, err = s.GetEmployee(ctx, emp.ID)
		require.NoError(t, err)
		assert.Equal(t, generic.Balances{"annual": 11}, got.Balances)
	})
}

func TestApply_UntouchedTypesFollowPolicyChanges(t *testing.T) {
	// GIVEN: An employee with annual leave recorded under the default policy
	ctx := context.Background()
	s := store.NewMemory()
	emp := seedEmployee(t, s, "Dana")
	_, err := newTestLedger(t, s).Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 1, Type: leave.Annual})
	require.NoError(t, err)

	// WHEN: The casual allotment is raised
	policy := leave.DefaultPolicy()
	policy.Allotments[leave.Casual] = 10
	l := newTestLedger(t, s, leave.WithPolicy(policy))

	// THEN: Casual follows the new allotment and annual carries no drift
	assert.Equal(t, 10, balanceOf(t, s, l, emp.ID, leave.Casual))
	report, err := l.Reconcile(ctx, emp.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestApply_NamesAreSnapshots(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 1, Type: leave.Sick})
	require.NoError(t, err)
	assert.Equal(t, "Dana", e.UserName)
	assert.Equal(t, time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC), e.CreatedAt)
}

// =============================================================================
// PARTIAL WRITES
// =============================================================================

// entryFailingStore debits balances normally but cannot create entries.
type entryFailingStore struct {
	*store.Memory
}

var errDiskFull = errors.New("disk full")

func (f entryFailingStore) CreateEntry(context.Context, generic.Entry) (generic.Entry, error) {
	return generic.Entry{}, errDiskFull
}

func TestApply_NonAtomicStoreReportsPartialWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s := entryFailingStore{Memory: mem}
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})

	var partial *generic.PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, emp.ID, partial.EmployeeID)
	assert.Equal(t, 11, partial.Debited[string(leave.Annual)])

	// The debit is visible and the ledger reports the drift
	assert.Equal(t, 11, balanceOf(t, s, l, emp.ID, leave.Annual))
	report, err := l.Reconcile(ctx, emp.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
}

// deleteFailingStore credits balances normally but cannot delete entries.
type deleteFailingStore struct {
	*store.Memory
}

func (f deleteFailingStore) DeleteEntry(context.Context, generic.EntryID) error {
	return errDiskFull
}

func TestReverse_NonAtomicStoreReportsPartialReversal(t *testing.T) {
	// GIVEN: An applied entry on a store whose deletes fail
	ctx := context.Background()
	mem := store.NewMemory()
	l := newTestLedger(t, mem)
	emp := seedEmployee(t, mem, "Dana")
	e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
	require.NoError(t, err)

	// WHEN: Reversing it
	err = newTestLedger(t, deleteFailingStore{Memory: mem}).Reverse(ctx, e.ID, true)

	// THEN: The credit is reported along with the still-active entry
	var partial *generic.PartialReversalError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, e.ID, partial.EntryID)
	assert.Equal(t, emp.ID, partial.EmployeeID)
	assert.Equal(t, 14, partial.Credited[string(leave.Annual)])

	got, err := mem.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, 14, balanceOf(t, mem, l, emp.ID, leave.Annual))
}

func TestReverse_OrphanDeleteFailureIsNotPartial(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	orphan, err := mem.CreateEntry(ctx, generic.Entry{UserID: "gone", Date: date(t, "2024-03-10"), Days: 2, Type: leave.Annual})
	require.NoError(t, err)

	err = newTestLedger(t, deleteFailingStore{Memory: mem}).Reverse(ctx, orphan.ID, true)

	var partial *generic.PartialReversalError
	assert.False(t, errors.As(err, &partial))
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
}

// txEntryFailingStore fails entry creation inside its transactions.
type txEntryFailingStore struct {
	*store.TxMemory
}

func (f txEntryFailingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s generic.Store) error {
		return fn(failingView{Store: s})
	})
}

type failingView struct {
	generic.Store
}

func (failingView) CreateEntry(context.Context, generic.Entry) (generic.Entry, error) {
	return generic.Entry{}, errDiskFull
}

func TestApply_AtomicStoreRollsBackBalance(t *testing.T) {
	ctx := context.Background()
	s := txEntryFailingStore{TxMemory: store.NewTxMemory()}
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	require.True(t, l.Atomic())

	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)

	var partial *generic.PartialWriteError
	assert.False(t, errors.As(err, &partial))
	assert.Equal(t, 14, balanceOf(t, s, l, emp.ID, leave.Annual))
}

func TestApply_AtomicWritesDisabled(t *testing.T) {
	ctx := context.Background()
	s := txEntryFailingStore{TxMemory: store.NewTxMemory()}
	l := newTestLedger(t, s, leave.WithAtomicWrites(false))
	emp := seedEmployee(t, s, "Dana")
	assert.False(t, l.Atomic())

	// WithTx is bypassed, so entry creation succeeds on the plain store
	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
	require.NoError(t, err)
	assert.Equal(t, 11, balanceOf(t, s, l, emp.ID, leave.Annual))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// conflictingStore bumps the version behind the ledger's back a fixed
// number of times, simulating a concurrent writer.
type conflictingStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) WriteBalances(ctx context.Context, id generic.EmployeeID, b generic.Balances, expected int64) (int64, error) {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		emp, err := c.Memory.GetEmployee(ctx, id)
		if err != nil {
			return 0, err
		}
		if _, err := c.Memory.WriteBalances(ctx, id, emp.Balances, generic.AnyVersion); err != nil {
			return 0, err
		}
	} else {
		c.mu.Unlock()
	}
	return c.Memory.WriteBalances(ctx, id, b, expected)
}

func TestApply_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := &conflictingStore{Memory: store.NewMemory(), conflicts: 2}
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 2, Type: leave.Annual})
	require.NoError(t, err)
	assert.Equal(t, 12, balanceOf(t, s, l, emp.ID, leave.Annual))
}

func TestApply_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	s := &conflictingStore{Memory: store.NewMemory(), conflicts: 10}
	l := newTestLedger(t, s, leave.WithMaxRetries(1))
	emp := seedEmployee(t, s, "Dana")

	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 2, Type: leave.Annual})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))

	entries, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApply_ConcurrentAppliesLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	var wg sync.WaitGroup
	for range 7 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: generic.NewTimePoint(2024, time.March, 10), Days: 1, Type: leave.Casual})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, balanceOf(t, s, l, emp.ID, leave.Casual))
	report, err := l.Reconcile(ctx, emp.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

// =============================================================================
// REVERSE
// =============================================================================

func TestReverse_RequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
	require.NoError(t, err)

	err = l.Reverse(ctx, e.ID, false)
	assert.ErrorIs(t, err, generic.ErrConfirmationRequired)
	assert.True(t, generic.IsClientError(err))

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, 11, balanceOf(t, s, l, emp.ID, leave.Annual))
}

func TestReverse_MissingEntry(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		l := newTestLedger(t, s)
		err := l.Reverse(context.Background(), "nope", true)
		assert.ErrorIs(t, err, generic.ErrEntryNotFound)
	})
}

func TestReverse_TwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual})
	require.NoError(t, err)

	require.NoError(t, l.Reverse(ctx, e.ID, true))
	assert.ErrorIs(t, l.Reverse(ctx, e.ID, true), generic.ErrEntryNotFound)
	assert.Equal(t, 14, balanceOf(t, s, l, emp.ID, leave.Annual))
}

func TestReverse_OrphanedEntryIsDeleted(t *testing.T) {
	eachStore(t, func(t *testing.T, s generic.Store) {
		ctx := context.Background()
		l := newTestLedger(t, s)
		orphan, err := s.CreateEntry(ctx, generic.Entry{
			UserID: "gone",
			Date:   date(t, "2024-03-10"),
			Days:   2,
			Type:   leave.Annual,
		})
		require.NoError(t, err)

		require.NoError(t, l.Reverse(ctx, orphan.ID, true))

		got, err := s.GetEntry(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestPreviewReverse(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Casual})
	require.NoError(t, err)

	preview, err := l.PreviewReverse(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, preview.Employee)
	assert.Equal(t, e.ID, preview.Entry.ID)
	assert.Equal(t, 4, preview.Before[string(leave.Casual)])
	assert.Equal(t, 7, preview.After[string(leave.Casual)])

	// Nothing was written
	assert.Equal(t, 4, balanceOf(t, s, l, emp.ID, leave.Casual))

	_, err = l.PreviewReverse(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrEntryNotFound)
}

// =============================================================================
// ADMINISTRATOR OVERWRITE
// =============================================================================

func TestSetBalances_OverwritesAndBreaksReconciliation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	require.NoError(t, l.SetBalances(ctx, emp.ID, generic.Balances{"annual": 20, "sick": 3}))

	assert.Equal(t, 20, balanceOf(t, s, l, emp.ID, leave.Annual))
	assert.Equal(t, 3, balanceOf(t, s, l, emp.ID, leave.Sick))
	assert.Equal(t, 7, balanceOf(t, s, l, emp.ID, leave.Casual))

	entries, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	report, err := l.Reconcile(ctx, emp.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, 6, report.Lines[0].Drift)
}

func TestSetBalances_Validation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	assert.ErrorIs(t, l.SetBalances(ctx, emp.ID, generic.Balances{"vacation": 1}), generic.ErrInvalidInput)
	assert.ErrorIs(t, l.SetBalances(ctx, "", generic.Balances{}), generic.ErrInvalidInput)
	assert.ErrorIs(t, l.SetBalances(ctx, "ghost", generic.Balances{"annual": 1}), generic.ErrEntityNotFound)
}

// =============================================================================
// READ MODELS
// =============================================================================

func TestTiles(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	_, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 7, Type: leave.Annual})
	require.NoError(t, err)

	got, tiles, err := l.Tiles(ctx, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dana", got.Name)
	require.Len(t, tiles, len(leave.Types))

	annual := tiles[0]
	assert.Equal(t, leave.Annual, annual.Type)
	assert.Equal(t, 7, annual.Balance)
	assert.Equal(t, 14, annual.Allotment)
	assert.True(t, annual.Debited)
	assert.Equal(t, "50", annual.Utilization.String())

	sick := tiles[2]
	assert.Equal(t, leave.Sick, sick.Type)
	assert.False(t, sick.Debited)
	assert.True(t, sick.Utilization.IsZero())

	_, _, err = l.Tiles(ctx, "ghost")
	assert.ErrorIs(t, err, generic.ErrEntityNotFound)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")
	for _, in := range []leave.ApplyInput{
		{EmployeeID: emp.ID, Date: date(t, "2024-02-25"), Days: 2, Type: leave.Sick},
		{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 3, Type: leave.Annual},
		{EmployeeID: emp.ID, Date: date(t, "2024-03-12"), Days: 1, Type: leave.Annual},
		{EmployeeID: emp.ID, Date: date(t, "2024-04-01"), Days: 5, Type: leave.Annual},
	} {
		_, err := l.Apply(ctx, in)
		require.NoError(t, err)
	}

	summary, err := l.Summarize(ctx, emp.ID, windowFor(t, "2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Days[leave.Annual])
	assert.Equal(t, 2, summary.Days[leave.Sick])
	assert.Equal(t, 0, summary.Days[leave.Casual])
	assert.Len(t, summary.Entries, 3)
}

func TestLedger_EntryFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewTxMemory()
	l := newTestLedger(t, s)
	emp := seedEmployee(t, s, "Dana")

	var (
		mu    sync.Mutex
		sizes []int
	)
	unsubscribe, err := l.SubscribeEntries(ctx, func(entries []generic.Entry) {
		mu.Lock()
		sizes = append(sizes, len(entries))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	e, err := l.Apply(ctx, leave.ApplyInput{EmployeeID: emp.ID, Date: date(t, "2024-03-10"), Days: 1, Type: leave.Annual})
	require.NoError(t, err)
	require.NoError(t, l.Reverse(ctx, e.ID, true))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 0}, sizes)
}
