/*
handlers.go - HTTP API handlers for the leave ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization and role visibility, and delegates every balance or
  entry change to leave.Ledger.

ENDPOINTS:
  Employees:
    GET    /api/employees                       List employees the actor can see
    POST   /api/employees                       Create employee (admin)
    GET    /api/employees/{id}                  Get employee with resolved balances
    GET    /api/employees/{id}/balances         Balance tiles
    PUT    /api/employees/{id}/balances         Administrator overwrite
    GET    /api/employees/{id}/entries          Windowed query + total
    GET    /api/employees/{id}/summary          Per-type totals in a window
    GET    /api/employees/{id}/reconciliation   Balance vs ledger drift (admin)

  Entries:
    POST   /api/entries                         Apply leave
    GET    /api/entries                         Feed snapshot
    GET    /api/entries/stream                  Feed as server-sent events
    GET    /api/entries/{id}/reversal           Reversal preview
    DELETE /api/entries/{id}?confirm=true       Reverse

  Periods:
    GET    /api/periods?ref=&shift=             Pay-cycle window

WINDOW PARAMETERS:
  ref=YYYY-MM-DD picks the reference date (default: today by the handler's
  clock); shift=N moves N windows later (negative for earlier).

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401/403: Missing token, or the actor cannot see the employee
  - 404: Employee or entry not found
  - 409: Version conflict survived every retry
  - 428: Reversal not confirmed (body carries the preview)
  - 503: Record store failed, including a partial apply write
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Actor resolution and visibility
  - stream.go: Entry feed
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/leave"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *leave.Ledger
	Store  generic.Store
	Clock  generic.Clock
	Logger *slog.Logger

	// Auditor is optional; without it the drift-run endpoint returns 404.
	Auditor *DriftAuditor

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string

	// closed by CloseStreams so open event streams end on shutdown
	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewHandler creates a handler over the ledger and the store it writes to.
func NewHandler(ledger *leave.Ledger, store generic.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger:      ledger,
		Store:       store,
		Clock:       generic.SystemClock{},
		Logger:      logger,
		validate:    validator.New(),
		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open entry stream and refuses new ones.
// http.Server.Shutdown does not cancel request contexts, so the server
// registers this with RegisterOnShutdown.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns the employees visible to the actor.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list employees", generic.Unavailable("list employees", err))
		return
	}

	policy := h.Ledger.Policy()
	dtos := make([]EmployeeDTO, 0, len(employees))
	for _, e := range employees {
		if actor.CanSee(e.ID) {
			dtos = append(dtos, toEmployeeDTO(e, policy))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEmployee returns a single employee with resolved balances.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	id, ok := h.visibleEmployee(w, r)
	if !ok {
		return
	}
	emp, err := h.Store.GetEmployee(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get employee", generic.Unavailable("read employee", err))
		return
	}
	if emp == nil {
		writeError(w, http.StatusNotFound, "Employee not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp, h.Ledger.Policy()))
}

// CreateEmployee creates a new employee. Omitted balances resolve to the
// policy allotments on first read.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	balances := generic.Balances(req.Balances)
	for k := range balances {
		if _, err := leave.ParseType(k); err != nil {
			h.writeLedgerError(w, r, "Invalid balances", err)
			return
		}
	}
	role := generic.Role(req.Role)
	if role == "" {
		role = generic.RoleEmployee
	}

	emp, err := h.Store.CreateEmployee(r.Context(), generic.Employee{
		ID:       generic.EmployeeID(req.ID),
		Name:     req.Name,
		Role:     role,
		Balances: balances,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create employee", generic.Unavailable("create employee", err))
		return
	}
	h.Logger.Info("employee created", "employeeId", emp.ID, "role", emp.Role)
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp, h.Ledger.Policy()))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalances returns one tile per leave type.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	id, ok := h.visibleEmployee(w, r)
	if !ok {
		return
	}
	h.writeTiles(w, r, id)
}

// SetBalances is the administrator correction. It never touches entries.
func (h *Handler) SetBalances(w http.ResponseWriter, r *http.Request) {
	id := generic.EmployeeID(chi.URLParam(r, "id"))
	var req SetBalancesRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.Ledger.SetBalances(r.Context(), id, generic.Balances(req.Balances)); err != nil {
		h.writeLedgerError(w, r, "Failed to set balances", err)
		return
	}
	h.writeTiles(w, r, id)
}

func (h *Handler) writeTiles(w http.ResponseWriter, r *http.Request, id generic.EmployeeID) {
	emp, tiles, err := h.Ledger.Tiles(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{
		Employee: toEmployeeDTO(*emp, h.Ledger.Policy()),
		Tiles:    toTileDTOs(tiles),
	})
}

// =============================================================================
// QUERY HANDLERS
// =============================================================================

// QueryEntries answers "which <type> entries does this employee have in
// this window, and how many days is that".
func (h *Handler) QueryEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.visibleEmployee(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	t, err := leave.ParseType(q.Get("type"))
	if err != nil {
		h.writeLedgerError(w, r, "Invalid type", err)
		return
	}
	period, err := h.window(r)
	if err != nil {
		h.writeLedgerError(w, r, "Invalid window", err)
		return
	}
	order, err := parseOrder(q.Get("order"))
	if err != nil {
		h.writeLedgerError(w, r, "Invalid order", err)
		return
	}

	seq, err := h.Ledger.Query(r.Context(), leave.QueryInput{
		EmployeeID: id,
		Type:       t,
		Period:     period,
		Order:      order,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to query entries", err)
		return
	}
	writeJSON(w, http.StatusOK, EntriesResponse{
		Period:    toPeriodDTO(period),
		Type:      string(t),
		Entries:   toEntryDTOs(slices.Collect(seq)),
		TotalDays: leave.TotalDays(seq),
	})
}

// GetSummary returns per-type day totals for the window.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.visibleEmployee(w, r)
	if !ok {
		return
	}
	period, err := h.window(r)
	if err != nil {
		h.writeLedgerError(w, r, "Invalid window", err)
		return
	}
	summary, err := h.Ledger.Summarize(r.Context(), id, period)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to summarize", err)
		return
	}
	days := make(map[string]int, len(summary.Days))
	for t, n := range summary.Days {
		days[string(t)] = n
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		EmployeeID: string(summary.EmployeeID),
		Period:     toPeriodDTO(summary.Period),
		Days:       days,
		Entries:    toEntryDTOs(summary.Entries),
	})
}

// GetReconciliation compares stored balances with the active entries.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	id := generic.EmployeeID(chi.URLParam(r, "id"))
	report, err := h.Ledger.Reconcile(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// GetPeriod returns the pay-cycle window for ref, shifted by shift.
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := h.window(r)
	if err != nil {
		h.writeLedgerError(w, r, "Invalid window", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(period))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ApplyEntry records leave. Employees may only apply for themselves.
func (h *Handler) ApplyEntry(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	id := generic.EmployeeID(req.EmployeeID)
	if !ActorFrom(r.Context()).CanSee(id) {
		writeError(w, http.StatusForbidden, "Cannot apply leave for another employee", nil)
		return
	}
	date, err := generic.ParseDate(req.Date)
	if err != nil {
		h.writeLedgerError(w, r, "Invalid date", err)
		return
	}
	t, err := leave.ParseType(req.Type)
	if err != nil {
		h.writeLedgerError(w, r, "Invalid type", err)
		return
	}

	entry, err := h.Ledger.Apply(r.Context(), leave.ApplyInput{
		EmployeeID: id,
		Date:       date,
		Days:       req.Days,
		Type:       t,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to apply leave", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// ListEntries returns the feed snapshot, filtered to the actor's view.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListEntries(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list entries", generic.Unavailable("list entries", err))
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(visibleEntries(ActorFrom(r.Context()), entries)))
}

// PreviewReversal shows what confirming the reversal would do.
func (h *Handler) PreviewReversal(w http.ResponseWriter, r *http.Request) {
	preview, ok := h.visiblePreview(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(preview))
}

// ReverseEntry credits the entry back and deletes it. Without confirm=true
// it answers 428 with the preview and writes nothing.
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	preview, ok := h.visiblePreview(w, r)
	if !ok {
		return
	}
	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if !confirmed {
		writeJSON(w, http.StatusPreconditionRequired, ConfirmationResponse{
			Error:   "Reversal must be confirmed with confirm=true",
			Preview: toPreviewDTO(preview),
		})
		return
	}

	if err := h.Ledger.Reverse(r.Context(), preview.Entry.ID, true); err != nil {
		h.writeLedgerError(w, r, "Failed to reverse entry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "reversed",
		"entry_id": string(preview.Entry.ID),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// visibleEmployee reads {id} and enforces visibility.
func (h *Handler) visibleEmployee(w http.ResponseWriter, r *http.Request) (generic.EmployeeID, bool) {
	id := generic.EmployeeID(chi.URLParam(r, "id"))
	if !ActorFrom(r.Context()).CanSee(id) {
		writeError(w, http.StatusForbidden, "Employee not visible to caller", nil)
		return "", false
	}
	return id, true
}

func (h *Handler) visiblePreview(w http.ResponseWriter, r *http.Request) (leave.ReversalPreview, bool) {
	id := generic.EntryID(chi.URLParam(r, "id"))
	preview, err := h.Ledger.PreviewReverse(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to read entry", err)
		return leave.ReversalPreview{}, false
	}
	if !ActorFrom(r.Context()).CanSee(preview.Entry.UserID) {
		writeError(w, http.StatusForbidden, "Entry not visible to caller", nil)
		return leave.ReversalPreview{}, false
	}
	return preview, true
}

func visibleEntries(actor Actor, entries []generic.Entry) []generic.Entry {
	if actor.IsAdmin() {
		return entries
	}
	return slices.DeleteFunc(slices.Clone(entries), func(e generic.Entry) bool {
		return !actor.CanSee(e.UserID)
	})
}

// window resolves ?ref=&shift= against the ledger's pay cycle.
func (h *Handler) window(r *http.Request) (generic.Period, error) {
	q := r.URL.Query()
	ref := generic.Today(h.Clock)
	if s := q.Get("ref"); s != "" {
		var err error
		if ref, err = generic.ParseDate(s); err != nil {
			return generic.Period{}, err
		}
	}
	shift := 0
	if s := q.Get("shift"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return generic.Period{}, &generic.InvalidInputError{Field: "shift", Reason: "must be an integer"}
		}
		shift = n
	}
	cycle := h.Ledger.PayCycle()
	return cycle.ShiftBy(cycle.WindowForDate(ref), shift), nil
}

func parseOrder(s string) (leave.Order, error) {
	switch s {
	case "", "insertion":
		return leave.OrderInsertion, nil
	case "date":
		return leave.OrderDate, nil
	default:
		return 0, &generic.InvalidInputError{Field: "order", Reason: "must be insertion or date"}
	}
}

// decodeAndValidate writes a 400 and returns false when the body is not
// acceptable.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeLedgerError maps the ledger's error vocabulary onto HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var (
		invalid  *generic.InvalidInputError
		partial  *generic.PartialWriteError
		reversal *generic.PartialReversalError
	)
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Details: map[string]string{invalid.Field: invalid.Reason},
		})
	case errors.Is(err, generic.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, generic.ErrConfirmationRequired):
		writeError(w, http.StatusPreconditionRequired, message, err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, generic.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case errors.As(err, &partial):
		h.Logger.Error("partial ledger write, balance needs correction",
			"employeeId", partial.EmployeeID,
			"requestId", requestID(r),
			"err", partial.Err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: message,
			Details: map[string]any{
				"reason":      err.Error(),
				"employee_id": partial.EmployeeID,
				"debited":     partial.Debited,
			},
		})
	case errors.As(err, &reversal):
		h.Logger.Error("partial reversal, entry still active after credit",
			"employeeId", reversal.EmployeeID,
			"entryId", reversal.EntryID,
			"requestId", requestID(r),
			"err", reversal.Err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: message,
			Details: map[string]any{
				"reason":       err.Error(),
				"entry_id":     reversal.EntryID,
				"employee_id":  reversal.EmployeeID,
				"credited":     reversal.Credited,
				"entry_active": true,
			},
		})
	case errors.Is(err, generic.ErrStoreUnavailable):
		h.Logger.Warn("record store unavailable", "requestId", requestID(r), "err", err)
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Logger.Error("unhandled error", "requestId", requestID(r), "err", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
