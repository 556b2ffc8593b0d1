package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perkhive/points/internal/services/ledger"
	"github.com/perkhive/points/internal/services/stats"
)

// NewRouter registers all ledger API endpoints. The engine's five
// operations plus history are the only mutation-adjacent surface; the
// projector endpoints are read-only.
func NewRouter(engine *ledger.Engine, projector *stats.Projector, logger *zap.Logger) http.Handler {
	h := NewHandler(engine, projector, logger)
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/user/{userId}", func(r chi.Router) {
		r.Post("/", h.ProvisionHandler)
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/history", h.HistoryHandler)
		r.Get("/statistics", h.StatisticsHandler)
		r.Post("/earn", h.EarnHandler)
		r.Post("/spend", h.SpendHandler)
		r.Post("/transfer", h.TransferHandler)
		r.Post("/adjust", h.AdjustHandler)
		r.Post("/recompute", h.RecomputeHandler)
	})

	r.Post("/entry/{entryId}/refund", h.RefundHandler)
	r.Get("/leaderboard", h.LeaderboardHandler)

	return r
}
