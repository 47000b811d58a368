package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs a chi router with all API endpoints registered.
func NewRouter(svc LedgerService) http.Handler {
	h := NewHandler(svc)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/users/{userId}", func(r chi.Router) {
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/entries", h.HistoryHandler)
		r.Get("/trace", h.TraceAmountHandler)
		r.Get("/summary", h.SummaryHandler)
		r.Get("/reconciliation", h.ReconcileHandler)

		r.Post("/credits", h.CreditHandler)
		r.Post("/debits", h.DebitHandler)
		r.Post("/redemptions", h.RedeemHandler)
		r.Post("/sales", h.SellHandler)
	})

	r.Post("/transfers", h.TransferHandler)

	r.Route("/entries/{entryId}", func(r chi.Router) {
		r.Get("/", h.GetEntryHandler)
		r.Get("/trace", h.TraceEntryHandler)
		r.Get("/remaining", h.RemainingHandler)
	})

	r.Get("/origins/{originId}/entries", h.OriginEntriesHandler)

	return r
}

// requestLogger logs one line per request at Debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		slog.DebugContext(r.Context(), "http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
		)
	})
}
