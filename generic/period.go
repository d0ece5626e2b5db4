/*
period.go - Pay-cycle windows

PURPOSE:
  Leave is reported per pay cycle, not per calendar month. A cycle runs from
  the StartDay of one month to the day before StartDay in the next month:

    StartDay = 21:  [Feb 21 00:00:00.000, Mar 20 23:59:59.999]

  The month holding the END of a window is its reference month. Every date
  in March maps to the window above, so a window is named after the month
  it closes in.

CALENDAR EDGES:
  Windows are built with time.Date(year, month, day) and the standard
  library normalizes month underflow:

    January 2024 -> month 0 of 2024 -> December 2023
    [2023-12-21, 2024-01-20]

  StartDay is limited to 2..28 so both boundary days exist in every month.

NAVIGATION:
  Shift moves the reference month by one cycle and recomputes through
  WindowFor, so stepping never drifts across short months.

SEE ALSO:
  - time.go: TimePoint used for entry dates
  - leave/query.go: Filters entries by window
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - An inclusive [Start, End] interval
// =============================================================================

// Period is one pay-cycle window. Both bounds are inclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the date of tp falls inside the window.
func (p Period) Contains(tp TimePoint) bool {
	return p.ContainsTime(tp.normalize())
}

// ContainsTime is the inclusive bounds test on a raw instant.
func (p Period) ContainsTime(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// ReferenceMonth returns the year and month the window closes in.
func (p Period) ReferenceMonth() (int, time.Month) {
	return p.End.Year(), p.End.Month()
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + "]"
}

// =============================================================================
// PAY CYCLE - Determines which window a date falls into
// =============================================================================

// Direction selects the adjacent window for Shift.
type Direction int

const (
	Earlier Direction = -1
	Later   Direction = 1
)

// PayCycle defines the organization's reporting window.
type PayCycle struct {
	// StartDay is the day of month a window opens on (2-28).
	StartDay int
}

// DefaultPayCycle runs from the 21st to the 20th.
var DefaultPayCycle = PayCycle{StartDay: 21}

func (pc PayCycle) Validate() error {
	if pc.StartDay < 2 || pc.StartDay > 28 {
		return &InvalidInputError{
			Field:  "pay_cycle_start_day",
			Reason: fmt.Sprintf("must be between 2 and 28, got %d", pc.StartDay),
		}
	}
	return nil
}

// WindowFor returns the window whose reference month is ref's month.
// Only ref's year and month are used; its day and time-of-day are ignored.
func (pc PayCycle) WindowFor(ref time.Time) Period {
	year, month := ref.Year(), ref.Month()
	return Period{
		Start: time.Date(year, month-1, pc.StartDay, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, month, pc.StartDay-1, 23, 59, 59, int(999*time.Millisecond), time.UTC),
	}
}

// WindowForDate is WindowFor on a TimePoint.
func (pc PayCycle) WindowForDate(ref TimePoint) Period {
	return pc.WindowFor(ref.Time)
}

// Shift returns the window one cycle earlier or later than p.
func (pc PayCycle) Shift(p Period, dir Direction) Period {
	return pc.ShiftBy(p, int(dir))
}

// ShiftBy moves n cycles; negative n steps back.
func (pc PayCycle) ShiftBy(p Period, n int) Period {
	year, month := p.ReferenceMonth()
	return pc.WindowFor(time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, time.UTC))
}
