/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: slog line per request (method, path, status, duration)
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the frontend
  5. Authenticate:  Bearer JWT -> Actor (API routes only)

ROUTE GROUPS:
  /healthz              Liveness
  /api/employees/*      Employees, balances, windowed queries
  /api/entries/*        Apply, feed, reversal
  /api/periods          Pay-cycle windows
  /api/reconciliation/* Drift audit runs (admin)
  /api/scenarios/*      Demo data (admin)

SECURITY NOTE:
  With no JWT secret configured every request acts as an administrator.
  config.Validate refuses that in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticate, RequireAdmin
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs from config.Config.
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.With(RequireAdmin).Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/balances", h.GetBalances)
			r.With(RequireAdmin).Put("/{id}/balances", h.SetBalances)
			r.Get("/{id}/entries", h.QueryEntries)
			r.Get("/{id}/summary", h.GetSummary)
			r.With(RequireAdmin).Get("/{id}/reconciliation", h.GetReconciliation)
		})

		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.ApplyEntry)
			r.Get("/", h.ListEntries)
			r.Get("/stream", h.StreamEntries)
			r.Get("/{id}/reversal", h.PreviewReversal)
			r.Delete("/{id}", h.ReverseEntry)
		})

		r.Get("/periods", h.GetPeriod)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/runs", h.ListDriftRuns)
			r.Post("/runs", h.TriggerDriftRun)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// RequestLogger logs one line per request once the handler returns.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"durationMs", time.Since(start).Milliseconds(),
				"requestId", requestID(r))
		})
	}
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
