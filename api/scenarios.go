/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with small,
	predictable data sets. Each scenario resets the store, creates
	employees and drives the ledger the way a user would, so balances and
	entries are always consistent with each other (except where a
	scenario deliberately overwrites balances to show drift).

AVAILABLE SCENARIOS:

	annual-leave:    One annual entry inside the March 2024 window
	reversed-leave:  The same entry applied and then reversed
	sick-leave:      Sick leave recorded without touching balances
	year-rollover:   A January entry whose window starts in December
	team-month:      Several employees, mixed types, one corrected balance

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create employees with default balances
 3. Apply (and optionally reverse) leave through the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "team-month"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
	The store must implement Reset.

SEE ALSO:
  - handlers.go: Error mapping used by LoadScenario
  - cmd/server/main.go: -seed flag
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/leave"
)

// Resetter is implemented by stores that can be wiped for demos.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "annual-leave",
			Name:        "Annual Leave",
			Description: "3 days of annual leave on 2024-03-10; annual balance 11",
		},
		load: loadAnnualLeaveScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "reversed-leave",
			Name:        "Reversed Leave",
			Description: "Annual leave applied then reversed; balance back to 14, window empty",
		},
		load: loadReversedLeaveScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "sick-leave",
			Name:        "Sick Leave",
			Description: "2 sick days on 2024-02-25, counted in the March window, balance untouched",
		},
		load: loadSickLeaveScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "year-rollover",
			Name:        "Year Rollover",
			Description: "1 annual day on 2024-01-05, inside the 2023-12-21 to 2024-01-20 window",
		},
		load: loadYearRolloverScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "team-month",
			Name:        "Team Month",
			Description: "Admin plus three employees with mixed leave; one balance overwritten to show drift",
		},
		load: loadTeamMonthScenario,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.Seed(r.Context(), req.ScenarioID); err != nil {
		h.writeLedgerError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

// Seed resets the store and loads scenario id. Used by LoadScenario and
// the server's -seed flag.
func (h *Handler) Seed(ctx context.Context, id string) error {
	s, ok := findScenario(id)
	if !ok {
		return &generic.InvalidInputError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", id)}
	}
	resetter, ok := h.Store.(Resetter)
	if !ok {
		return &generic.InvalidInputError{Field: "scenario_id", Reason: "store does not support reset"}
	}
	if err := resetter.Reset(ctx); err != nil {
		return generic.Unavailable("reset store", err)
	}
	if err := s.load(ctx, h); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) createEmployee(ctx context.Context, id, name string, role generic.Role) (generic.Employee, error) {
	return h.Store.CreateEmployee(ctx, generic.Employee{
		ID:   generic.EmployeeID(id),
		Name: name,
		Role: role,
	})
}

func (h *Handler) applyOn(ctx context.Context, id generic.EmployeeID, date string, days int, t leave.Type) (generic.Entry, error) {
	d, err := generic.ParseDate(date)
	if err != nil {
		return generic.Entry{}, err
	}
	return h.Ledger.Apply(ctx, leave.ApplyInput{EmployeeID: id, Date: d, Days: days, Type: t})
}

func loadAnnualLeaveScenario(ctx context.Context, h *Handler) error {
	emp, err := h.createEmployee(ctx, "emp-dana", "Dana Reyes", generic.RoleEmployee)
	if err != nil {
		return err
	}
	_, err = h.applyOn(ctx, emp.ID, "2024-03-10", 3, leave.Annual)
	return err
}

func loadReversedLeaveScenario(ctx context.Context, h *Handler) error {
	emp, err := h.createEmployee(ctx, "emp-dana", "Dana Reyes", generic.RoleEmployee)
	if err != nil {
		return err
	}
	entry, err := h.applyOn(ctx, emp.ID, "2024-03-10", 3, leave.Annual)
	if err != nil {
		return err
	}
	return h.Ledger.Reverse(ctx, entry.ID, true)
}

func loadSickLeaveScenario(ctx context.Context, h *Handler) error {
	emp, err := h.createEmployee(ctx, "emp-dana", "Dana Reyes", generic.RoleEmployee)
	if err != nil {
		return err
	}
	_, err = h.applyOn(ctx, emp.ID, "2024-02-25", 2, leave.Sick)
	return err
}

func loadYearRolloverScenario(ctx context.Context, h *Handler) error {
	emp, err := h.createEmployee(ctx, "emp-dana", "Dana Reyes", generic.RoleEmployee)
	if err != nil {
		return err
	}
	_, err = h.applyOn(ctx, emp.ID, "2024-01-05", 1, leave.Annual)
	return err
}

type plannedLeave struct {
	date string
	days int
	t    leave.Type
}

func loadTeamMonthScenario(ctx context.Context, h *Handler) error {
	if _, err := h.createEmployee(ctx, "emp-admin", "Morgan Hale", generic.RoleAdmin); err != nil {
		return err
	}

	plan := []struct {
		id, name string
		entries  []plannedLeave
	}{
		{"emp-dana", "Dana Reyes", []plannedLeave{
			{"2024-02-22", 2, leave.Annual},
			{"2024-03-04", 1, leave.Casual},
			{"2024-03-12", 1, leave.Sick},
		}},
		{"emp-kofi", "Kofi Mensah", []plannedLeave{
			{"2024-03-01", 3, leave.Exams},
			{"2024-03-18", 1, leave.AbsentWithPermission},
		}},
		{"emp-ines", "Ines Duarte", []plannedLeave{
			{"2024-02-26", 5, leave.Annual},
			{"2024-03-19", 1, leave.AbsentWithoutPermission},
		}},
	}

	for _, p := range plan {
		emp, err := h.createEmployee(ctx, p.id, p.name, generic.RoleEmployee)
		if err != nil {
			return err
		}
		for _, e := range p.entries {
			if _, err := h.applyOn(ctx, emp.ID, e.date, e.days, e.t); err != nil {
				return err
			}
		}
	}

	// An administrator correction the ledger does not know about.
	balances := h.Ledger.Policy().Resolve(nil)
	balances[string(leave.Annual)] = 10
	return h.Ledger.SetBalances(ctx, "emp-ines", balances)
}
