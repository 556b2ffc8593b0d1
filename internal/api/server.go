package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/perkhive/points/internal/services/ledger"
	"github.com/perkhive/points/internal/services/stats"
)

// NewServer creates a configured *http.Server for the points API.
func NewServer(port uint16, engine *ledger.Engine, projector *stats.Projector, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(engine, projector, logger),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
