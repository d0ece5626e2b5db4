package leave

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/fieldtrack/leave-ledger/generic"
)

// =============================================================================
// WINDOWED QUERY
// =============================================================================

// Order controls how Query results are sequenced.
type Order int

const (
	// OrderInsertion keeps the store's insertion order (the feed order).
	OrderInsertion Order = iota
	// OrderDate sorts by entry date, ties in insertion order.
	OrderDate
)

// QueryInput selects one employee's entries of one type inside a window.
// Period is passed explicitly; the ledger holds no "current period" state.
type QueryInput struct {
	EmployeeID generic.EmployeeID
	Type       Type
	Period     generic.Period
	Order      Order
}

// Query returns the active entries matching all three predicates.
//
// The store is read once, when Query is called. The returned sequence
// filters that snapshot lazily and can be ranged over any number of times.
func (l *Ledger) Query(ctx context.Context, q QueryInput) (iter.Seq[generic.Entry], error) {
	if q.EmployeeID == "" {
		return nil, &generic.InvalidInputError{Field: "employee_id", Reason: "required"}
	}
	if _, err := ParseType(string(q.Type)); err != nil {
		return nil, err
	}
	if q.Period.Start.IsZero() || q.Period.End.Before(q.Period.Start) {
		return nil, &generic.InvalidInputError{Field: "period", Reason: "start and end required, end not before start"}
	}

	filter := generic.EntryFilter{
		UserID: q.EmployeeID,
		TypeID: string(q.Type),
		From:   q.Period.Start,
		To:     q.Period.End,
	}

	var (
		snapshot []generic.Entry
		err      error
	)
	if querier, ok := l.store.(generic.EntryQuerier); ok {
		snapshot, err = querier.QueryEntries(ctx, filter)
	} else {
		snapshot, err = l.store.ListEntries(ctx)
	}
	if err != nil {
		return nil, generic.Unavailable("query entries", err)
	}

	if q.Order == OrderDate {
		snapshot = slices.Clone(snapshot)
		slices.SortStableFunc(snapshot, func(a, b generic.Entry) int {
			return a.Date.Time.Compare(b.Date.Time)
		})
	}

	return func(yield func(generic.Entry) bool) {
		for _, e := range snapshot {
			if !filter.Matches(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}, nil
}

// TotalDays sums days across the sequence. An empty sequence totals 0.
func TotalDays(entries iter.Seq[generic.Entry]) int {
	total := 0
	for e := range entries {
		total += e.Days
	}
	return total
}

// =============================================================================
// READ MODELS - Balance tiles, history panel, reconciliation
// =============================================================================

// Tile is one per-type balance as shown on an employee card.
type Tile struct {
	Type        Type
	Balance     int
	Allotment   int
	Debited     bool
	Utilization decimal.Decimal // percent of allotment used; zero for informational types
}

// Tiles resolves the employee's balances into one tile per leave type.
func (l *Ledger) Tiles(ctx context.Context, id generic.EmployeeID) (*generic.Employee, []Tile, error) {
	emp, err := l.employee(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	resolved := l.policy.Resolve(emp.Balances)
	tiles := make([]Tile, 0, len(Types))
	for _, t := range Types {
		tile := Tile{
			Type:      t,
			Balance:   resolved[string(t)],
			Allotment: l.policy.Allotment(t),
			Debited:   l.policy.IsDebited(t),
		}
		if tile.Debited {
			tile.Utilization = Utilization(tile.Allotment, tile.Balance)
		}
		tiles = append(tiles, tile)
	}
	return emp, tiles, nil
}

// PeriodSummary is the history panel for one employee and one window.
type PeriodSummary struct {
	EmployeeID generic.EmployeeID
	Period     generic.Period
	Days       map[Type]int
	Entries    []generic.Entry // insertion order
}

// Summarize totals the employee's entries per type inside the window.
func (l *Ledger) Summarize(ctx context.Context, id generic.EmployeeID, period generic.Period) (PeriodSummary, error) {
	if _, err := l.employee(ctx, id); err != nil {
		return PeriodSummary{}, err
	}
	all, err := l.store.ListEntries(ctx)
	if err != nil {
		return PeriodSummary{}, generic.Unavailable("list entries", err)
	}

	summary := PeriodSummary{EmployeeID: id, Period: period, Days: make(map[Type]int, len(Types))}
	for _, t := range Types {
		summary.Days[t] = 0
	}
	for _, e := range all {
		if e.UserID != id || !period.Contains(e.Date) {
			continue
		}
		summary.Days[Type(e.TypeID())] += e.Days
		summary.Entries = append(summary.Entries, e)
	}
	return summary, nil
}

// ReconciliationLine compares a stored debited balance with the balance
// implied by the ledger.
type ReconciliationLine struct {
	Type       Type
	Allotment  int
	ActiveDays int
	Expected   int // Allotment - ActiveDays
	Stored     int
	Drift      int // Stored - Expected
}

type Reconciliation struct {
	EmployeeID generic.EmployeeID
	Lines      []ReconciliationLine
}

// Consistent reports whether every debited balance matches the ledger.
func (r Reconciliation) Consistent() bool {
	for _, line := range r.Lines {
		if line.Drift != 0 {
			return false
		}
	}
	return true
}

// Reconcile checks balance == allotment - sum(active days) per debited type.
// Drift comes from administrator overwrites, partial apply writes, or lost
// updates on stores without versioning.
func (l *Ledger) Reconcile(ctx context.Context, id generic.EmployeeID) (Reconciliation, error) {
	emp, err := l.employee(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	all, err := l.store.ListEntries(ctx)
	if err != nil {
		return Reconciliation{}, generic.Unavailable("list entries", err)
	}

	active := make(map[Type]int)
	for _, e := range all {
		if e.UserID == id {
			active[Type(e.TypeID())] += e.Days
		}
	}

	resolved := l.policy.Resolve(emp.Balances)
	report := Reconciliation{EmployeeID: id}
	for _, t := range l.policy.DebitedTypes() {
		line := ReconciliationLine{
			Type:       t,
			Allotment:  l.policy.Allotment(t),
			ActiveDays: active[t],
			Stored:     resolved[string(t)],
		}
		line.Expected = line.Allotment - line.ActiveDays
		line.Drift = line.Stored - line.Expected
		report.Lines = append(report.Lines, line)
	}
	if !report.Consistent() {
		l.logger.Warn("balance drift detected", "employeeId", id)
	}
	return report, nil
}

func (l *Ledger) employee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	emp, err := l.store.GetEmployee(ctx, id)
	if err != nil {
		return nil, generic.Unavailable("read employee", err)
	}
	if emp == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrEntityNotFound, id)
	}
	return emp, nil
}
