/*
Package generic provides the core primitives of the leave ledger.

PURPOSE:
  This package contains the storage-facing records, the pay-cycle period
  math, the store contract and the error vocabulary. It has no knowledge
  of specific leave types or balance policy; the leave package owns those.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balances: per-type signed day counts stored on the employee record
  - Employee: the record whose balances the ledger keeps consistent
  - Entry: one recorded leave/absence event (the ledger line)
  - Identifiers: type-safe ids for employees and entries

DESIGN PRINCIPLES:
  1. Entries are never edited. A change is a reversal plus a new entry.
  2. UserName on an entry is a snapshot taken at creation time and is never
     resynchronized when the employee is renamed. It is historical record.
  3. Employee.Version is the optimistic-concurrency token for balance writes.

USAGE:
  entry := generic.Entry{
      UserID:   "emp-123",
      UserName: "Dana",
      Date:     generic.NewTimePoint(2024, time.March, 10),
      Days:     3,
      Type:     leave.Annual,
  }

SEE ALSO:
  - period.go: Pay-cycle windows
  - store.go: Persistence contract
  - leave/ledger.go: The only writer of balances + entries together
*/
package generic

import (
	"maps"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type EntryID string

// Role decides which employees an actor can see and act on.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleEmployee }

// =============================================================================
// BALANCES - Signed day counts keyed by leave-type id
// =============================================================================

// Balances maps a leave-type id to its remaining day count. A missing key
// means "never mutated"; the leave policy supplies the allotment for it.
type Balances map[string]int

// Clone returns an independent copy. Clone of nil is an empty map.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	maps.Copy(out, b)
	return out
}

// =============================================================================
// EMPLOYEE
// =============================================================================

type Employee struct {
	ID        EmployeeID
	Name      string
	Role      Role
	Balances  Balances
	Version   int64
	CreatedAt time.Time
}

// =============================================================================
// ENTRY - A recorded leave/absence event
// =============================================================================

type Entry struct {
	ID        EntryID
	UserID    EmployeeID
	UserName  string
	Date      TimePoint
	Days      int
	Type      ResourceType
	CreatedAt time.Time
}

// TypeID returns the entry's leave-type id, or "" when unset.
func (e Entry) TypeID() string {
	if e.Type == nil {
		return ""
	}
	return e.Type.ResourceID()
}
