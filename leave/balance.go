/*
balance.go - Balance model

PURPOSE:
  Translates a leave type and a day count into a balance change. Pure
  functions over generic.Balances: no store, no clock, no errors.

DEFAULTS:
  A stored employee record may be missing keys; a missing key means the
  type was never mutated and its value is the policy allotment. Resolve
  applies that fallback explicitly so callers never need to know the
  defaults. Every ledger read starts with Resolve.

APPLY / REVERSE:
  ApplyDelta:   balance[t] = resolved[t] - days   (debited types only)
  ReverseDelta: balance[t] = resolved[t] + days   (debited types only)

  For informational types both return a copy of the stored map. Only
  the key that changed is written, so untouched types keep following
  the policy allotment.

GUARANTEES:
  Resolve(ReverseDelta(ApplyDelta(b, t, d), t, d)) equals Resolve(b).
  Inputs are never mutated; each call returns a fresh map.

SEE ALSO:
  - types.go: Policy (allotments, debited set)
  - ledger.go: Persists the result
*/
package leave

import (
	"github.com/shopspring/decimal"

	"github.com/fieldtrack/leave-ledger/generic"
)

// Resolve returns a complete balance map: stored values where present,
// allotments for every other registered leave type.
func (p Policy) Resolve(stored generic.Balances) generic.Balances {
	out := make(generic.Balances, len(Types)+len(stored))
	for _, t := range Types {
		out[string(t)] = p.Allotment(t)
	}
	for k, v := range stored {
		out[k] = v
	}
	return out
}

// ApplyDelta debits days from t's balance when t is a debited type.
func (p Policy) ApplyDelta(balances generic.Balances, t Type, days int) generic.Balances {
	return p.shift(balances, t, -days)
}

// ReverseDelta credits days back to t's balance when t is a debited type.
func (p Policy) ReverseDelta(balances generic.Balances, t Type, days int) generic.Balances {
	return p.shift(balances, t, days)
}

// shift returns a copy of the stored map with only t's key written.
func (p Policy) shift(balances generic.Balances, t Type, delta int) generic.Balances {
	out := balances.Clone()
	if !p.IsDebited(t) {
		return out
	}
	key := string(t)
	current, ok := balances[key]
	if !ok {
		current = p.Allotment(t)
	}
	out[key] = current + delta
	return out
}

// =============================================================================
// UTILIZATION - For balance tiles
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Utilization returns the percentage of allotment used, rounded to two
// places. Zero allotments report zero. Overdrawn balances exceed 100.
func Utilization(allotment, balance int) decimal.Decimal {
	if allotment <= 0 {
		return decimal.Zero
	}
	used := decimal.NewFromInt(int64(allotment - balance))
	return used.Mul(hundred).Div(decimal.NewFromInt(int64(allotment))).Round(2)
}
