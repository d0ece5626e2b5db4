/*
Package storetest is a conformance suite for generic.Store implementations.

USAGE:
  func TestMemoryConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) generic.Store { return store.NewMemory() })
  }

Each subtest gets a fresh store from the factory. Stores that also
implement generic.TxStore or generic.EntryQuerier get the extra checks.
*/
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/leave-ledger/generic"
)

// Factory returns an empty store. Cleanup is the factory's job (t.Cleanup).
type Factory func(t *testing.T) generic.Store

// Run executes every conformance check against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmployeeRoundTrip", func(t *testing.T) { testEmployeeRoundTrip(t, newStore(t)) })
	t.Run("MissingRecordsAreNil", func(t *testing.T) { testMissingRecords(t, newStore(t)) })
	t.Run("WriteBalancesVersioning", func(t *testing.T) { testWriteBalancesVersioning(t, newStore(t)) })
	t.Run("EntryLifecycle", func(t *testing.T) { testEntryLifecycle(t, newStore(t)) })
	t.Run("InsertionOrder", func(t *testing.T) { testInsertionOrder(t, newStore(t)) })
	t.Run("Subscription", func(t *testing.T) { testSubscription(t, newStore(t)) })
	t.Run("QueryEntries", func(t *testing.T) {
		s := newStore(t)
		if _, ok := s.(generic.EntryQuerier); !ok {
			t.Skip("store does not implement EntryQuerier")
		}
		testQueryEntries(t, s)
	})
	t.Run("WithTxRollback", func(t *testing.T) {
		s := newStore(t)
		if _, ok := s.(generic.TxStore); !ok {
			t.Skip("store does not implement TxStore")
		}
		testWithTxRollback(t, s.(generic.TxStore))
	})
}

// =============================================================================
// HELPERS
// =============================================================================

type testType string

func (r testType) ResourceID() string     { return string(r) }
func (r testType) ResourceDomain() string { return "storetest" }

const (
	typeA testType = "storetest_a"
	typeB testType = "storetest_b"
)

func init() {
	generic.RegisterResource(typeA)
	generic.RegisterResource(typeB)
}

func mustEmployee(t *testing.T, s generic.Store, name string) generic.Employee {
	t.Helper()
	emp, err := s.CreateEmployee(context.Background(), generic.Employee{Name: name, Role: generic.RoleEmployee})
	require.NoError(t, err)
	require.NotEmpty(t, emp.ID)
	return emp
}

func entry(emp generic.Employee, date generic.TimePoint, days int, typ generic.ResourceType) generic.Entry {
	return generic.Entry{
		UserID:    emp.ID,
		UserName:  emp.Name,
		Date:      date,
		Days:      days,
		Type:      typ,
		CreatedAt: time.Date(2024, time.March, 1, 9, 30, 0, 0, time.UTC),
	}
}

// =============================================================================
// CHECKS
// =============================================================================

func testEmployeeRoundTrip(t *testing.T, s generic.Store) {
	ctx := context.Background()

	created, err := s.CreateEmployee(ctx, generic.Employee{
		ID:       "emp-roundtrip",
		Name:     "Rana",
		Role:     generic.RoleAdmin,
		Balances: generic.Balances{"storetest_a": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, generic.EmployeeID("emp-roundtrip"), created.ID)

	got, err := s.GetEmployee(ctx, "emp-roundtrip")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Rana", got.Name)
	assert.Equal(t, generic.RoleAdmin, got.Role)
	assert.Equal(t, generic.Balances{"storetest_a": 5}, got.Balances)
	assert.Equal(t, created.Version, got.Version)

	all, err := s.ListEmployees(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)
}

func testMissingRecords(t *testing.T, s generic.Store) {
	ctx := context.Background()

	emp, err := s.GetEmployee(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, emp)

	e, err := s.GetEntry(ctx, "no-such-entry")
	require.NoError(t, err)
	assert.Nil(t, e)

	err = s.DeleteEntry(ctx, "no-such-entry")
	assert.True(t, errors.Is(err, generic.ErrEntryNotFound), "got %v", err)

	_, err = s.WriteBalances(ctx, "nobody", generic.Balances{}, generic.AnyVersion)
	assert.True(t, errors.Is(err, generic.ErrEntityNotFound), "got %v", err)
}

func testWriteBalancesVersioning(t *testing.T, s generic.Store) {
	ctx := context.Background()
	emp := mustEmployee(t, s, "Versioned")

	// GIVEN: a write at the version we read
	v2, err := s.WriteBalances(ctx, emp.ID, generic.Balances{"storetest_a": 3}, emp.Version)
	require.NoError(t, err)
	assert.Greater(t, v2, emp.Version)

	// WHEN: a second writer still holds the old version
	_, err = s.WriteBalances(ctx, emp.ID, generic.Balances{"storetest_a": 1}, emp.Version)

	// THEN: it is rejected and the first write survives
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification), "got %v", err)
	got, err := s.GetEmployee(ctx, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Balances["storetest_a"])
	assert.Equal(t, v2, got.Version)

	// AnyVersion always wins
	v3, err := s.WriteBalances(ctx, emp.ID, generic.Balances{"storetest_a": 9, "storetest_b": -2}, generic.AnyVersion)
	require.NoError(t, err)
	assert.Greater(t, v3, v2)
	got, err = s.GetEmployee(ctx, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.Balances{"storetest_a": 9, "storetest_b": -2}, got.Balances)
}

func testEntryLifecycle(t *testing.T, s generic.Store) {
	ctx := context.Background()
	emp := mustEmployee(t, s, "Lifecycle")

	created, err := s.CreateEntry(ctx, entry(emp, generic.NewTimePoint(2024, time.March, 10), 3, typeA))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.GetEntry(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, emp.ID, got.UserID)
	assert.Equal(t, "Lifecycle", got.UserName)
	assert.True(t, got.Date.Equal(generic.NewTimePoint(2024, time.March, 10)))
	assert.Equal(t, 3, got.Days)
	assert.Equal(t, "storetest_a", got.TypeID())
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))

	require.NoError(t, s.DeleteEntry(ctx, created.ID))
	got, err = s.GetEntry(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testInsertionOrder(t *testing.T, s generic.Store) {
	ctx := context.Background()
	emp := mustEmployee(t, s, "Ordered")

	// Dates deliberately out of order
	dates := []generic.TimePoint{
		generic.NewTimePoint(2024, time.March, 15),
		generic.NewTimePoint(2024, time.February, 22),
		generic.NewTimePoint(2024, time.March, 1),
	}
	var ids []generic.EntryID
	for _, d := range dates {
		e, err := s.CreateEntry(ctx, entry(emp, d, 1, typeA))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	all, err := s.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := range ids {
		assert.Equal(t, ids[i], all[i].ID)
	}
}

func testSubscription(t *testing.T, s generic.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emp := mustEmployee(t, s, "Subscriber")

	var (
		mu        sync.Mutex
		snapshots [][]generic.Entry
	)
	unsubscribe, err := s.SubscribeEntries(ctx, func(entries []generic.Entry) {
		mu.Lock()
		snapshots = append(snapshots, entries)
		mu.Unlock()
	})
	require.NoError(t, err)

	created, err := s.CreateEntry(ctx, entry(emp, generic.NewTimePoint(2024, time.March, 2), 1, typeA))
	require.NoError(t, err)
	require.NoError(t, s.DeleteEntry(ctx, created.ID))

	mu.Lock()
	require.Len(t, snapshots, 3, "initial + create + delete")
	assert.Empty(t, snapshots[0])
	require.Len(t, snapshots[1], 1)
	assert.Equal(t, created.ID, snapshots[1][0].ID)
	assert.Empty(t, snapshots[2])
	mu.Unlock()

	unsubscribe()
	_, err = s.CreateEntry(ctx, entry(emp, generic.NewTimePoint(2024, time.March, 3), 1, typeA))
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, snapshots, 3, "no delivery after cancel")
	mu.Unlock()
}

func testQueryEntries(t *testing.T, s generic.Store) {
	ctx := context.Background()
	q := s.(generic.EntryQuerier)
	alice := mustEmployee(t, s, "Alice")
	bob := mustEmployee(t, s, "Bob")

	inside := generic.NewTimePoint(2024, time.March, 1)
	firstDay := generic.NewTimePoint(2024, time.February, 21)
	lastDay := generic.NewTimePoint(2024, time.March, 20)
	after := generic.NewTimePoint(2024, time.March, 21)

	want := []generic.Entry{}
	for _, e := range []generic.Entry{
		entry(alice, inside, 2, typeA),
		entry(alice, firstDay, 1, typeA),
		entry(alice, lastDay, 4, typeA),
	} {
		created, err := s.CreateEntry(ctx, e)
		require.NoError(t, err)
		want = append(want, created)
	}
	// Excluded: other type, other user, outside window
	for _, e := range []generic.Entry{
		entry(alice, inside, 1, typeB),
		entry(bob, inside, 1, typeA),
		entry(alice, after, 1, typeA),
	} {
		_, err := s.CreateEntry(ctx, e)
		require.NoError(t, err)
	}

	window := generic.DefaultPayCycle.WindowFor(time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC))
	got, err := q.QueryEntries(ctx, generic.EntryFilter{
		UserID: alice.ID,
		TypeID: "storetest_a",
		From:   window.Start,
		To:     window.End,
	})
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
	}
}

func testWithTxRollback(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	emp := mustEmployee(t, s, "Tx")
	boom := errors.New("boom")

	// WHEN: fn writes both paths then fails
	err := s.WithTx(ctx, func(tx generic.Store) error {
		current, err := tx.GetEmployee(ctx, emp.ID)
		if err != nil {
			return err
		}
		if _, err := tx.WriteBalances(ctx, emp.ID, generic.Balances{"storetest_a": -7}, current.Version); err != nil {
			return err
		}
		if _, err := tx.CreateEntry(ctx, entry(emp, generic.NewTimePoint(2024, time.March, 4), 7, typeA)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: nothing was persisted
	got, err := s.GetEmployee(ctx, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, emp.Version, got.Version)
	assert.Empty(t, got.Balances)
	all, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// AND: a successful fn commits both
	err = s.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.WriteBalances(ctx, emp.ID, generic.Balances{"storetest_a": -1}, emp.Version); err != nil {
			return err
		}
		_, err := tx.CreateEntry(ctx, entry(emp, generic.NewTimePoint(2024, time.March, 5), 1, typeA))
		return err
	})
	require.NoError(t, err)
	got, err = s.GetEmployee(ctx, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, got.Balances["storetest_a"])
	all, err = s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
