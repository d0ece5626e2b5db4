/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  decodeAndValidate before touching the ledger. Semantic checks (known
  leave type, positive days) are repeated by the ledger itself.

SEE ALSO:
  - handlers.go: Uses these types
  - leave/query.go: Read models these DTOs render
*/
package api

import (
	"time"

	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/leave"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

type EmployeeDTO struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Role      string         `json:"role"`
	Balances  map[string]int `json:"balances"` // resolved: every type present
	CreatedAt string         `json:"created_at,omitempty"`
}

type CreateEmployeeRequest struct {
	ID       string         `json:"id" validate:"omitempty,max=64"`
	Name     string         `json:"name" validate:"required,max=200"`
	Role     string         `json:"role" validate:"omitempty,oneof=admin employee"`
	Balances map[string]int `json:"balances"`
}

// SetBalancesRequest is the administrator overwrite body.
type SetBalancesRequest struct {
	Balances map[string]int `json:"balances" validate:"required"`
}

// TileDTO is one balance tile on the employee view.
type TileDTO struct {
	Type        string `json:"type"`
	Balance     int    `json:"balance"`
	Allotment   int    `json:"allotment"`
	Debited     bool   `json:"debited"`
	Utilization string `json:"utilization"` // percent, 2 decimal places
}

type BalancesResponse struct {
	Employee EmployeeDTO `json:"employee"`
	Tiles    []TileDTO   `json:"tiles"`
}

// =============================================================================
// ENTRIES
// =============================================================================

type EntryDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Date      string `json:"date"`
	Days      int    `json:"days"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

type ApplyRequest struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	Days       int    `json:"days" validate:"required,gt=0"`
	Type       string `json:"type" validate:"required"`
}

type PeriodDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Label string `json:"label"`
}

// EntriesResponse is a windowed query with its total.
type EntriesResponse struct {
	Period    PeriodDTO  `json:"period"`
	Type      string     `json:"type"`
	Entries   []EntryDTO `json:"entries"`
	TotalDays int        `json:"total_days"`
}

type SummaryDTO struct {
	EmployeeID string         `json:"employee_id"`
	Period     PeriodDTO      `json:"period"`
	Days       map[string]int `json:"days"`
	Entries    []EntryDTO     `json:"entries"`
}

type ReversalPreviewDTO struct {
	Entry  EntryDTO       `json:"entry"`
	Before map[string]int `json:"before,omitempty"`
	After  map[string]int `json:"after,omitempty"`
	// Orphaned is set when the owning employee no longer exists; the
	// reversal will delete the entry without crediting anyone.
	Orphaned bool `json:"orphaned"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconciliationLineDTO struct {
	Type       string `json:"type"`
	Allotment  int    `json:"allotment"`
	ActiveDays int    `json:"active_days"`
	Expected   int    `json:"expected"`
	Stored     int    `json:"stored"`
	Drift      int    `json:"drift"`
}

type ReconciliationDTO struct {
	EmployeeID string                  `json:"employee_id"`
	Consistent bool                    `json:"consistent"`
	Lines      []ReconciliationLineDTO `json:"lines"`
}

type DriftRunDTO struct {
	StartedAt  string              `json:"started_at"`
	Employees  int                 `json:"employees"`
	Drifted    []ReconciliationDTO `json:"drifted"`
	FailedWith string              `json:"failed_with,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// ConfirmationResponse is the 428 body: what the reversal would do.
type ConfirmationResponse struct {
	Error   string             `json:"error"`
	Preview ReversalPreviewDTO `json:"preview"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEmployeeDTO(emp generic.Employee, policy leave.Policy) EmployeeDTO {
	return EmployeeDTO{
		ID:        string(emp.ID),
		Name:      emp.Name,
		Role:      string(emp.Role),
		Balances:  policy.Resolve(emp.Balances),
		CreatedAt: emp.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTO(e generic.Entry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		UserID:    string(e.UserID),
		UserName:  e.UserName,
		Date:      e.Date.String(),
		Days:      e.Days,
		Type:      e.TypeID(),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []generic.Entry) []EntryDTO {
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	return dtos
}

func toPeriodDTO(p generic.Period) PeriodDTO {
	return PeriodDTO{
		Start: p.Start.Format(generic.DateLayout),
		End:   p.End.Format(generic.DateLayout),
		Label: p.String(),
	}
}

func toTileDTOs(tiles []leave.Tile) []TileDTO {
	dtos := make([]TileDTO, 0, len(tiles))
	for _, t := range tiles {
		dtos = append(dtos, TileDTO{
			Type:        string(t.Type),
			Balance:     t.Balance,
			Allotment:   t.Allotment,
			Debited:     t.Debited,
			Utilization: t.Utilization.StringFixed(2),
		})
	}
	return dtos
}

func toReconciliationDTO(r leave.Reconciliation) ReconciliationDTO {
	dto := ReconciliationDTO{
		EmployeeID: string(r.EmployeeID),
		Consistent: r.Consistent(),
		Lines:      make([]ReconciliationLineDTO, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		dto.Lines = append(dto.Lines, ReconciliationLineDTO{
			Type:       string(l.Type),
			Allotment:  l.Allotment,
			ActiveDays: l.ActiveDays,
			Expected:   l.Expected,
			Stored:     l.Stored,
			Drift:      l.Drift,
		})
	}
	return dto
}

func toPreviewDTO(p leave.ReversalPreview) ReversalPreviewDTO {
	return ReversalPreviewDTO{
		Entry:    toEntryDTO(p.Entry),
		Before:   p.Before,
		After:    p.After,
		Orphaned: p.Employee == nil,
	}
}
