package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perkhive/points/internal/repos/balances"
	"github.com/perkhive/points/internal/repos/entries"
	"github.com/perkhive/points/internal/services/ledger"
	"github.com/perkhive/points/internal/services/stats"
)

// HandlerProvider wraps the transaction engine and the projector and
// exposes their operations as HTTP handlers. All validation of wire
// input happens here, before anything reaches the engine.
type HandlerProvider struct {
	engine    *ledger.Engine
	projector *stats.Projector
	logger    *zap.Logger
}

func NewHandler(engine *ledger.Engine, projector *stats.Projector, logger *zap.Logger) *HandlerProvider {
	return &HandlerProvider{engine: engine, projector: projector, logger: logger}
}

// --- Helpers ---

func (h *HandlerProvider) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *HandlerProvider) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// mapError translates the engine's error taxonomy to HTTP statuses.
func (h *HandlerProvider) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "invalid amount")
	case errors.Is(err, ledger.ErrInvalidTarget):
		h.writeError(w, http.StatusBadRequest, "invalid transfer target")
	case errors.Is(err, stats.ErrInvalidTimeframe):
		h.writeError(w, http.StatusBadRequest, "invalid timeframe")
	case errors.Is(err, balances.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, entries.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, balances.ErrInsufficientBalance):
		h.writeError(w, http.StatusConflict, "insufficient balance")
	case errors.Is(err, entries.ErrAlreadyRefunded):
		h.writeError(w, http.StatusConflict, "entry already refunded")
	case errors.Is(err, ledger.ErrNotRefundable):
		h.writeError(w, http.StatusConflict, "entry is not refundable")
	case errors.Is(err, ledger.ErrConflict):
		h.writeError(w, http.StatusServiceUnavailable, "transient conflict, retry with the same idempotency key")
	default:
		h.logger.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func userIDFromPath(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "userId")

	return id, id != ""
}

func (h *HandlerProvider) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err != nil {
		if errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "empty body")

			return false
		}

		h.writeError(w, http.StatusBadRequest, "invalid JSON")

		return false
	}

	return true
}

type entryResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Delta          int64     `json:"delta"`
	Kind           string    `json:"kind"`
	Reason         string    `json:"reason,omitempty"`
	RelatedEntryID string    `json:"relatedEntryId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toEntryResponse(e entries.Entry) entryResponse {
	resp := entryResponse{
		ID:        e.ID.String(),
		UserID:    e.UserID,
		Delta:     e.Delta,
		Kind:      string(e.Kind),
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt,
	}
	if e.RelatedEntryID != uuid.Nil {
		resp.RelatedEntryID = e.RelatedEntryID.String()
	}

	return resp
}

// --- Handlers ---

// ProvisionHandler handles POST /user/{userId}
func (h *HandlerProvider) ProvisionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	err := h.engine.Provision(r.Context(), userID)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetBalanceHandler handles GET /user/{userId}/balance
func (h *HandlerProvider) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	balance, err := h.engine.GetBalance(r.Context(), userID)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"userId":  userID,
		"balance": balance,
	})
}

type earnRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// EarnHandler handles POST /user/{userId}/earn
func (h *HandlerProvider) EarnHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	var req earnRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.engine.Earn(r.Context(), userID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, toEntryResponse(e))
}

// SpendHandler handles POST /user/{userId}/spend
func (h *HandlerProvider) SpendHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	var req earnRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.engine.Spend(r.Context(), userID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, toEntryResponse(e))
}

type transferRequest struct {
	ToUserID string `json:"toUserId"`
	Amount   int64  `json:"amount"`
	Note     string `json:"note,omitempty"`
}

// TransferHandler handles POST /user/{userId}/transfer
func (h *HandlerProvider) TransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.ToUserID == "" {
		h.writeError(w, http.StatusBadRequest, "toUserId required")

		return
	}

	pair, err := h.engine.Transfer(r.Context(), userID, req.ToUserID, req.Amount, req.Note)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"out": toEntryResponse(pair.Out),
		"in":  toEntryResponse(pair.In),
	})
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// AdjustHandler handles POST /user/{userId}/adjust
func (h *HandlerProvider) AdjustHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.engine.Adjust(r.Context(), userID, req.Delta, req.Reason)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, toEntryResponse(e))
}

// RefundHandler handles POST /entry/{entryId}/refund
func (h *HandlerProvider) RefundHandler(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(chi.URLParam(r, "entryId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid entryId in path")

		return
	}

	e, err := h.engine.Refund(r.Context(), entryID)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, toEntryResponse(e))
}

// HistoryHandler handles GET /user/{userId}/history
func (h *HandlerProvider) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	filter, err := parseHistoryFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	list, err := h.engine.GetHistory(r.Context(), userID, filter)
	if err != nil {
		h.mapError(w, err)

		return
	}

	out := make([]entryResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toEntryResponse(e))
	}

	h.writeJSON(w, http.StatusOK, out)
}

// RecomputeHandler handles POST /user/{userId}/recompute
func (h *HandlerProvider) RecomputeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	balance, err := h.engine.Recompute(r.Context(), userID)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"userId":  userID,
		"balance": balance,
	})
}

// StatisticsHandler handles GET /user/{userId}/statistics
func (h *HandlerProvider) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing userId in path")

		return
	}

	st, err := h.projector.Statistics(r.Context(), userID)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, st)
}

// LeaderboardHandler handles GET /leaderboard
func (h *HandlerProvider) LeaderboardHandler(w http.ResponseWriter, r *http.Request) {
	timeframe, err := stats.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		h.mapError(w, err)

		return
	}

	var limit uint64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.ParseUint(raw, 10, 32)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid limit")

			return
		}
	}

	rows, err := h.projector.Leaderboard(r.Context(), limit, timeframe)
	if err != nil {
		h.mapError(w, err)

		return
	}

	h.writeJSON(w, http.StatusOK, rows)
}

func parseHistoryFilter(r *http.Request) (entries.HistoryFilter, error) {
	var f entries.HistoryFilter

	q := r.URL.Query()

	for _, raw := range q["kind"] {
		kind := entries.Kind(raw)
		if !kind.Valid() {
			return entries.HistoryFilter{}, errors.New("invalid kind filter")
		}
		f.Kinds = append(f.Kinds, kind)
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return entries.HistoryFilter{}, errors.New("invalid from timestamp")
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return entries.HistoryFilter{}, errors.New("invalid to timestamp")
		}
		f.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return entries.HistoryFilter{}, errors.New("invalid limit")
		}
		f.Limit = n
	}

	return f, nil
}
