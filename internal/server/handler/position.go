package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// PositionHandler serves position and transaction endpoints.
type PositionHandler struct {
	positions    domain.PositionStore
	transactions domain.TransactionStore
	logger       *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, transactions domain.TransactionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions:    positions,
		transactions: transactions,
		logger:       logger,
	}
}

// ListByMarket returns the positions of one market (by market row id).
// GET /api/markets/{id}/positions?limit=50&offset=0
func (h *PositionHandler) ListByMarket(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	opts := parseListOpts(r)

	positions, err := h.positions.ListByMarket(r.Context(), marketID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// Get returns one position with its transactions.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	pos, err := h.positions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ListTransactions returns a position's transactions in event order.
// GET /api/positions/{id}/transactions?limit=50&offset=0
func (h *PositionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}
	opts := parseListOpts(r)

	txs, err := h.transactions.ListByPosition(r.Context(), id, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list transactions failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
	})
}
