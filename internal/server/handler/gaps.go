package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/epochlabs/ledgerd/internal/domain"
	"github.com/epochlabs/ledgerd/internal/reconcile"
)

// GapsHandler serves the on-demand missing-blocks query.
type GapsHandler struct {
	detector *reconcile.GapDetector
	logger   *slog.Logger
}

// NewGapsHandler creates a GapsHandler.
func NewGapsHandler(detector *reconcile.GapDetector, logger *slog.Logger) *GapsHandler {
	return &GapsHandler{detector: detector, logger: logger}
}

// MissingBlocks computes the unindexed block numbers of one epoch.
// GET /api/gaps?chainId=8453&address=0x...&marketId=3
func (h *GapsHandler) MissingBlocks(w http.ResponseWriter, r *http.Request) {
	chainID, ok := parseUint64Query(r, "chainId")
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid chainId")
		return
	}
	address := domain.NormalizeAddress(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}
	marketID, err := strconv.ParseInt(r.URL.Query().Get("marketId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid marketId")
		return
	}

	missing, err := h.detector.MissingBlocks(r.Context(), chainID, address, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market group or market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: gap scan failed",
			slog.String("address", address),
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to compute missing blocks")
		return
	}

	if missing == nil {
		missing = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":       chainID,
		"address":       address,
		"marketId":      marketID,
		"missingBlocks": missing,
	})
}
