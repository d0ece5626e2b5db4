/*
scheduler.go - Periodic balance drift audit

PURPOSE:
  Periodically reconciles every employee's stored balances against the
  active ledger entries and keeps the recent runs for the admin UI.
  Drift appears after administrator overwrites, partial apply writes on
  non-transactional stores, or lost updates on stores without versioning.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Reads only; it never corrects balances (SetBalances is a human decision)
  - Keeps the last MaxRuns runs in memory

USAGE:
  auditor := NewDriftAuditor(ledger, store, logger)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - leave/query.go: Reconcile
  - handlers.go: GetReconciliation (single employee, on demand)
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/leave"
)

// DriftRun is the outcome of one audit pass.
type DriftRun struct {
	StartedAt time.Time
	Employees int
	Drifted   []leave.Reconciliation
	Err       error
}

// DriftAuditor reconciles all employees on a ticker.
type DriftAuditor struct {
	Ledger        *leave.Ledger
	Store         generic.Store
	Logger        *slog.Logger
	CheckInterval time.Duration
	MaxRuns       int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.Mutex
	runs   []DriftRun
}

func NewDriftAuditor(ledger *leave.Ledger, store generic.Store, logger *slog.Logger) *DriftAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftAuditor{
		Ledger:        ledger,
		Store:         store,
		Logger:        logger,
		CheckInterval: time.Hour,
		MaxRuns:       20,
	}
}

// Start begins the audit loop. A non-positive interval disables it.
func (a *DriftAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.CheckInterval <= 0 {
		a.Logger.Info("drift auditor disabled")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.Logger.Info("drift auditor started", "interval", a.CheckInterval)
}

// Stop halts the loop and waits for an in-flight pass.
func (a *DriftAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.Logger.Info("drift auditor stopped")
}

func (a *DriftAuditor) run() {
	defer a.wg.Done()

	a.RunNow(context.Background())
	for {
		select {
		case <-a.ticker.C:
			a.RunNow(context.Background())
		case <-a.stop:
			return
		}
	}
}

// RunNow performs one pass synchronously and records it.
func (a *DriftAuditor) RunNow(ctx context.Context) DriftRun {
	run := DriftRun{StartedAt: time.Now().UTC()}

	employees, err := a.Store.ListEmployees(ctx)
	if err != nil {
		run.Err = generic.Unavailable("list employees", err)
		a.Logger.Warn("drift audit failed", "err", run.Err)
		a.record(run)
		return run
	}

	for _, emp := range employees {
		report, err := a.Ledger.Reconcile(ctx, emp.ID)
		if err != nil {
			// The employee may have been removed mid-pass.
			a.Logger.Warn("drift audit skipped employee", "employeeId", emp.ID, "err", err)
			continue
		}
		run.Employees++
		if !report.Consistent() {
			run.Drifted = append(run.Drifted, report)
		}
	}

	a.Logger.Info("drift audit complete", "employees", run.Employees, "drifted", len(run.Drifted))
	a.record(run)
	return run
}

func (a *DriftAuditor) record(run DriftRun) {
	a.runsMu.Lock()
	defer a.runsMu.Unlock()
	a.runs = append(a.runs, run)
	if a.MaxRuns > 0 && len(a.runs) > a.MaxRuns {
		a.runs = a.runs[len(a.runs)-a.MaxRuns:]
	}
}

// Runs returns recorded runs, newest first.
func (a *DriftAuditor) Runs() []DriftRun {
	a.runsMu.Lock()
	defer a.runsMu.Unlock()
	out := make([]DriftRun, len(a.runs))
	for i, r := range a.runs {
		out[len(a.runs)-1-i] = r
	}
	return out
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListDriftRuns returns recent audit runs.
func (h *Handler) ListDriftRuns(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusNotFound, "Drift auditor not configured", nil)
		return
	}
	runs := h.Auditor.Runs()
	dtos := make([]DriftRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toDriftRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerDriftRun runs one audit pass immediately.
func (h *Handler) TriggerDriftRun(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusNotFound, "Drift auditor not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, toDriftRunDTO(h.Auditor.RunNow(r.Context())))
}

func toDriftRunDTO(run DriftRun) DriftRunDTO {
	dto := DriftRunDTO{
		StartedAt: run.StartedAt.Format(time.RFC3339),
		Employees: run.Employees,
		Drifted:   make([]ReconciliationDTO, 0, len(run.Drifted)),
	}
	for _, d := range run.Drifted {
		dto.Drifted = append(dto.Drifted, toReconciliationDTO(d))
	}
	if run.Err != nil {
		dto.FailedWith = run.Err.Error()
	}
	return dto
}
