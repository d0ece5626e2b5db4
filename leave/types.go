// Package leave implements the leave balance ledger on top of the generic engine.
// It owns the six leave types, the balance policy and the Ledger that keeps an
// employee's balances consistent with their ledger entries.
package leave

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fieldtrack/leave-ledger/generic"
)

// =============================================================================
// LEAVE TYPES
// =============================================================================

// Type is the concrete resource type for the leave domain.
// Implements generic.ResourceType.
type Type string

func (t Type) ResourceID() string     { return string(t) }
func (t Type) ResourceDomain() string { return Domain }

// Compile-time check that Type implements generic.ResourceType
var _ generic.ResourceType = Type("")

const Domain = "leave"

const (
	Annual                  Type = "annual"
	Casual                  Type = "casual"
	Sick                    Type = "sick"
	Exams                   Type = "exams"
	AbsentWithPermission    Type = "absent_with_permission"
	AbsentWithoutPermission Type = "absent_without_permission"
)

// Types lists every recognized leave type in display order.
var Types = []Type{Annual, Casual, Sick, Exams, AbsentWithPermission, AbsentWithoutPermission}

func init() {
	for _, t := range Types {
		generic.RegisterResource(t)
	}
}

// ParseType validates a leave-type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.TrimSpace(s))
	if !slices.Contains(Types, t) {
		return "", &generic.InvalidInputError{Field: "type", Reason: fmt.Sprintf("unknown leave type %q", s)}
	}
	return t, nil
}

// =============================================================================
// POLICY - Allotments and which types are debited
// =============================================================================

// Policy decides the starting allotment per type and which types are
// debited from a balance.
//
// Debited types (annual, casual, absent_with_permission) have a capped
// balance. Informational types (sick, exams, absent_without_permission) are
// recorded in the ledger but never debited: they have no cap, so a debit
// would only produce a meaningless negative number.
type Policy struct {
	Allotments map[Type]int
	Debited    map[Type]bool
}

// DefaultPolicy returns the organization's standard policy.
func DefaultPolicy() Policy {
	return Policy{
		Allotments: map[Type]int{
			Annual:                  14,
			Casual:                  7,
			Sick:                    0,
			Exams:                   0,
			AbsentWithPermission:    0,
			AbsentWithoutPermission: 0,
		},
		Debited: map[Type]bool{
			Annual:               true,
			Casual:               true,
			AbsentWithPermission: true,
		},
	}
}

// Allotment returns the starting balance for t (0 when unset).
func (p Policy) Allotment(t Type) int {
	return p.Allotments[t]
}

// IsDebited reports whether entries of type t move the balance.
func (p Policy) IsDebited(t Type) bool {
	return p.Debited[t]
}

// DebitedTypes returns the debited types in display order.
func (p Policy) DebitedTypes() []Type {
	var out []Type
	for _, t := range Types {
		if p.IsDebited(t) {
			out = append(out, t)
		}
	}
	return out
}

// Validate rejects negative allotments, unknown types, and debiting an
// informational type.
func (p Policy) Validate() error {
	for t, n := range p.Allotments {
		if _, err := ParseType(string(t)); err != nil {
			return err
		}
		if n < 0 {
			return &generic.InvalidInputError{Field: "allotment", Reason: fmt.Sprintf("%s allotment must not be negative", t)}
		}
	}
	standard := DefaultPolicy()
	for t, debited := range p.Debited {
		if debited && !standard.IsDebited(t) {
			return &generic.InvalidInputError{Field: "debited", Reason: fmt.Sprintf("%s is informational and cannot be debited", t)}
		}
	}
	return nil
}
