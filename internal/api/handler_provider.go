package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/services/points"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// LedgerService is the operation surface the handlers need.
type LedgerService interface {
	Credit(ctx context.Context, m points.Movement) (ledger.Entry, error)
	Debit(ctx context.Context, m points.Movement) (ledger.Entry, error)
	Redeem(ctx context.Context, m points.Movement) (ledger.Entry, error)
	Sell(ctx context.Context, m points.Movement) (ledger.Entry, error)
	Transfer(ctx context.Context, req points.TransferRequest) (points.TransferResult, error)

	GetBalance(ctx context.Context, userID string) (int64, error)
	GetRemaining(ctx context.Context, entryID uuid.UUID) (int64, error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (ledger.Entry, error)
	History(ctx context.Context, userID string) ([]ledger.Entry, error)
	EntriesByOrigin(ctx context.Context, originID string) ([]ledger.Entry, error)
	TraceAmount(ctx context.Context, userID string, amount int64) (ledger.TraceResult, error)
	TraceEntry(ctx context.Context, entryID uuid.UUID) (ledger.TraceResult, error)
	SummaryByOrigin(ctx context.Context, userID string) ([]ledger.OriginSummary, error)
	Reconcile(ctx context.Context, userID string) (points.Reconciliation, error)
}

// HandlerProvider wraps a LedgerService and exposes HTTP handlers.
type HandlerProvider struct {
	svc LedgerService
}

// NewHandler returns a new Handler provider.
func NewHandler(svc LedgerService) *HandlerProvider {
	return &HandlerProvider{svc: svc}
}

const (
	// idempotencyHeader carries the optional client retry key.
	idempotencyHeader = "Idempotency-Key"

	kindInvalidRequest = "invalid_request"

	maxBodyBytes = 1 << 20
)

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeKind(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case ledger.KindInvalidAmount, ledger.KindInvalidOrigin, ledger.KindSameUser, kindInvalidRequest:
		return http.StatusBadRequest
	case ledger.KindUnknownUser, ledger.KindEntryNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientBalance:
		return http.StatusConflict
	case ledger.KindIdempotencyConflict:
		return http.StatusUnprocessableEntity
	case ledger.KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the error's kind only; details go to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.Kind(err)
	status := statusFor(kind)

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	slog.Log(r.Context(), level, "request failed",
		"request_id", middleware.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"kind", kind,
		"error", err,
	)

	writeKind(w, status, kind)
}

// decodeBody reads a JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Debug("invalid request body", "request_id", middleware.GetReqID(r.Context()), "error", err)
		}

		writeKind(w, http.StatusBadRequest, kindInvalidRequest)

		return false
	}

	return true
}

func userIDFromPath(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "userId"))
}

// entryIDFromPath parses `{entryId}`. An id that is not a UUID cannot name an
// entry, so it is reported as not found.
func entryIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "entryId"))
	if err != nil {
		writeKind(w, http.StatusNotFound, ledger.KindEntryNotFound)
		return uuid.Nil, false
	}

	return id, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(idempotencyHeader))
}

// --- Request bodies ---

type movementRequest struct {
	Points int64 `json:"points"`
	// OriginType is validated by the service so an unknown value maps to
	// invalid_origin rather than a decode failure.
	OriginType string `json:"origin_type"`
	OriginID   string `json:"origin_id"`
}

type transferRequest struct {
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Amount     int64  `json:"amount"`
	TransferID string `json:"transfer_id"`
}

// --- Handlers ---

// GetBalanceHandler handles GET /users/{userId}/balance
func (h *HandlerProvider) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r)

	bal, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": bal,
	})
}

// movementHandler builds the POST handler for one single-user operation.
func (h *HandlerProvider) movementHandler(op func(context.Context, points.Movement) (ledger.Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req movementRequest
		if !decodeBody(w, r, &req) {
			return
		}

		e, err := op(r.Context(), points.Movement{
			UserID:         userIDFromPath(r),
			Points:         req.Points,
			OriginType:     ledger.OriginType(strings.TrimSpace(req.OriginType)),
			OriginID:       req.OriginID,
			IdempotencyKey: idempotencyKey(r),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, e)
	}
}

// CreditHandler handles POST /users/{userId}/credits
func (h *HandlerProvider) CreditHandler(w http.ResponseWriter, r *http.Request) {
	h.movementHandler(h.svc.Credit)(w, r)
}

// DebitHandler handles POST /users/{userId}/debits
func (h *HandlerProvider) DebitHandler(w http.ResponseWriter, r *http.Request) {
	h.movementHandler(h.svc.Debit)(w, r)
}

// RedeemHandler handles POST /users/{userId}/redemptions
func (h *HandlerProvider) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	h.movementHandler(h.svc.Redeem)(w, r)
}

// SellHandler handles POST /users/{userId}/sales
func (h *HandlerProvider) SellHandler(w http.ResponseWriter, r *http.Request) {
	h.movementHandler(h.svc.Sell)(w, r)
}

// TransferHandler handles POST /transfers
func (h *HandlerProvider) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.svc.Transfer(r.Context(), points.TransferRequest{
		FromUserID:     strings.TrimSpace(req.FromUserID),
		ToUserID:       strings.TrimSpace(req.ToUserID),
		Amount:         req.Amount,
		TransferID:     req.TransferID,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// HistoryHandler handles GET /users/{userId}/entries
func (h *HandlerProvider) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r)

	list, err := h.svc.History(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": list,
	})
}

// TraceAmountHandler handles GET /users/{userId}/trace?amount=N
func (h *HandlerProvider) TraceAmountHandler(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeKind(w, http.StatusBadRequest, ledger.KindInvalidAmount)
		return
	}

	res, err := h.svc.TraceAmount(r.Context(), userIDFromPath(r), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// SummaryHandler handles GET /users/{userId}/summary
func (h *HandlerProvider) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r)

	summary, err := h.svc.SummaryByOrigin(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"summary": summary,
	})
}

// ReconcileHandler handles GET /users/{userId}/reconciliation
func (h *HandlerProvider) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Reconcile(r.Context(), userIDFromPath(r))
	if err != nil && !errors.Is(err, ledger.ErrBalanceMismatch) {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusConflict
		slog.Error("balance mismatch", "request_id", middleware.GetReqID(r.Context()), "error", err)
	}

	writeJSON(w, status, map[string]any{
		"reconciliation": rec,
		"consistent":     rec.Consistent(),
	})
}

// GetEntryHandler handles GET /entries/{entryId}
func (h *HandlerProvider) GetEntryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := entryIDFromPath(w, r)
	if !ok {
		return
	}

	e, err := h.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

// TraceEntryHandler handles GET /entries/{entryId}/trace
func (h *HandlerProvider) TraceEntryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := entryIDFromPath(w, r)
	if !ok {
		return
	}

	res, err := h.svc.TraceEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// RemainingHandler handles GET /entries/{entryId}/remaining
func (h *HandlerProvider) RemainingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := entryIDFromPath(w, r)
	if !ok {
		return
	}

	left, err := h.svc.GetRemaining(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":  id,
		"remaining": left,
	})
}

// OriginEntriesHandler handles GET /origins/{originId}/entries
func (h *HandlerProvider) OriginEntriesHandler(w http.ResponseWriter, r *http.Request) {
	originID := chi.URLParam(r, "originId")

	list, err := h.svc.EntriesByOrigin(r.Context(), originID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"origin_id": originID,
		"entries":   list,
	})
}
