// Package store provides Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtrack/leave-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	employees  map[generic.EmployeeID]generic.Employee
	empOrder   []generic.EmployeeID
	entries    map[generic.EntryID]generic.Entry
	entryOrder []generic.EntryID
	hub        *generic.Hub[[]generic.Entry]
	now        func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		employees: make(map[generic.EmployeeID]generic.Employee),
		entries:   make(map[generic.EntryID]generic.Entry),
		now:       time.Now,
	}
	m.hub = generic.NewHub(m.ListEntries)
	return m
}

func (m *Memory) CreateEmployee(ctx context.Context, emp generic.Employee) (generic.Employee, error) {
	m.mu.Lock()
	emp, err := m.createEmployeeLocked(emp)
	m.mu.Unlock()
	return emp, err
}

func (m *Memory) createEmployeeLocked(emp generic.Employee) (generic.Employee, error) {
	if emp.ID == "" {
		emp.ID = generic.EmployeeID(uuid.NewString())
	}
	if _, exists := m.employees[emp.ID]; exists {
		return generic.Employee{}, &generic.InvalidInputError{Field: "id", Reason: "employee " + string(emp.ID) + " already exists"}
	}
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = m.now().UTC()
	}
	emp.Balances = emp.Balances.Clone()
	emp.Version = 1
	m.employees[emp.ID] = emp
	m.empOrder = append(m.empOrder, emp.ID)
	return copyEmployee(emp), nil
}

func (m *Memory) GetEmployee(_ context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEmployeeLocked(id), nil
}

func (m *Memory) getEmployeeLocked(id generic.EmployeeID) *generic.Employee {
	emp, ok := m.employees[id]
	if !ok {
		return nil
	}
	emp = copyEmployee(emp)
	return &emp
}

func (m *Memory) ListEmployees(_ context.Context) ([]generic.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.Employee, 0, len(m.empOrder))
	for _, id := range m.empOrder {
		result = append(result, copyEmployee(m.employees[id]))
	}
	return result, nil
}

func (m *Memory) WriteBalances(_ context.Context, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBalancesLocked(id, balances, expectedVersion)
}

func (m *Memory) writeBalancesLocked(id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	emp, ok := m.employees[id]
	if !ok {
		return 0, generic.ErrEntityNotFound
	}
	if expectedVersion != generic.AnyVersion && emp.Version != expectedVersion {
		return 0, generic.ErrConcurrentModification
	}
	emp.Balances = balances.Clone()
	emp.Version++
	m.employees[id] = emp
	return emp.Version, nil
}

func (m *Memory) CreateEntry(ctx context.Context, entry generic.Entry) (generic.Entry, error) {
	m.mu.Lock()
	entry = m.createEntryLocked(entry)
	m.mu.Unlock()
	m.hub.Publish(ctx)
	return entry, nil
}

func (m *Memory) createEntryLocked(entry generic.Entry) generic.Entry {
	entry.ID = generic.EntryID(uuid.NewString())
	m.entries[entry.ID] = entry
	m.entryOrder = append(m.entryOrder, entry.ID)
	return entry
}

func (m *Memory) GetEntry(_ context.Context, id generic.EntryID) (*generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *Memory) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	m.mu.Lock()
	err := m.deleteEntryLocked(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.hub.Publish(ctx)
	return nil
}

func (m *Memory) deleteEntryLocked(id generic.EntryID) error {
	if _, ok := m.entries[id]; !ok {
		return generic.ErrEntryNotFound
	}
	delete(m.entries, id)
	for i, eid := range m.entryOrder {
		if eid == id {
			m.entryOrder = append(m.entryOrder[:i], m.entryOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) ListEntries(_ context.Context) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntriesLocked(), nil
}

func (m *Memory) listEntriesLocked() []generic.Entry {
	result := make([]generic.Entry, 0, len(m.entryOrder))
	for _, id := range m.entryOrder {
		result = append(result, m.entries[id])
	}
	return result
}

func (m *Memory) QueryEntries(_ context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.Entry
	for _, id := range m.entryOrder {
		if e := m.entries[id]; filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) SubscribeEntries(ctx context.Context, fn func([]generic.Entry)) (func(), error) {
	return m.hub.Subscribe(ctx, fn)
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.employees = make(map[generic.EmployeeID]generic.Employee)
	m.empOrder = nil
	m.entries = make(map[generic.EntryID]generic.Entry)
	m.entryOrder = nil
	m.mu.Unlock()
	m.hub.Publish(ctx)
	return nil
}

func copyEmployee(emp generic.Employee) generic.Employee {
	emp.Balances = emp.Balances.Clone()
	return emp
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		tm.mu.Unlock()
		return err
	}
	tm.mu.Unlock()

	if view.entriesChanged {
		tm.hub.Publish(ctx)
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	employees := make(map[generic.EmployeeID]generic.Employee, len(tm.employees))
	for k, v := range tm.employees {
		employees[k] = copyEmployee(v)
	}
	entries := make(map[generic.EntryID]generic.Entry, len(tm.entries))
	for k, v := range tm.entries {
		entries[k] = v
	}
	return memorySnapshot{
		employees:  employees,
		empOrder:   append([]generic.EmployeeID{}, tm.empOrder...),
		entries:    entries,
		entryOrder: append([]generic.EntryID{}, tm.entryOrder...),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.employees = s.employees
	tm.empOrder = s.empOrder
	tm.entries = s.entries
	tm.entryOrder = s.entryOrder
}

type memorySnapshot struct {
	employees  map[generic.EmployeeID]generic.Employee
	empOrder   []generic.EmployeeID
	entries    map[generic.EntryID]generic.Entry
	entryOrder []generic.EntryID
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent         *TxMemory
	entriesChanged bool
}

func (tv *txMemoryView) CreateEmployee(_ context.Context, emp generic.Employee) (generic.Employee, error) {
	return tv.parent.createEmployeeLocked(emp)
}

func (tv *txMemoryView) GetEmployee(_ context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	return tv.parent.getEmployeeLocked(id), nil
}

func (tv *txMemoryView) ListEmployees(_ context.Context) ([]generic.Employee, error) {
	result := make([]generic.Employee, 0, len(tv.parent.empOrder))
	for _, id := range tv.parent.empOrder {
		result = append(result, copyEmployee(tv.parent.employees[id]))
	}
	return result, nil
}

func (tv *txMemoryView) WriteBalances(_ context.Context, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	return tv.parent.writeBalancesLocked(id, balances, expectedVersion)
}

func (tv *txMemoryView) CreateEntry(_ context.Context, entry generic.Entry) (generic.Entry, error) {
	tv.entriesChanged = true
	return tv.parent.createEntryLocked(entry), nil
}

func (tv *txMemoryView) GetEntry(_ context.Context, id generic.EntryID) (*generic.Entry, error) {
	entry, ok := tv.parent.entries[id]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (tv *txMemoryView) DeleteEntry(_ context.Context, id generic.EntryID) error {
	if err := tv.parent.deleteEntryLocked(id); err != nil {
		return err
	}
	tv.entriesChanged = true
	return nil
}

func (tv *txMemoryView) ListEntries(_ context.Context) ([]generic.Entry, error) {
	return tv.parent.listEntriesLocked(), nil
}

func (tv *txMemoryView) SubscribeEntries(ctx context.Context, fn func([]generic.Entry)) (func(), error) {
	return nil, &generic.InvalidInputError{Field: "subscription", Reason: "cannot subscribe inside a transaction"}
}
