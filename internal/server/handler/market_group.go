package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// MarketGroupHandler serves market-group and market (epoch) endpoints.
type MarketGroupHandler struct {
	groups  domain.MarketGroupStore
	markets domain.MarketStore
	logger  *slog.Logger
}

// NewMarketGroupHandler creates a MarketGroupHandler.
func NewMarketGroupHandler(groups domain.MarketGroupStore, markets domain.MarketStore, logger *slog.Logger) *MarketGroupHandler {
	return &MarketGroupHandler{
		groups:  groups,
		markets: markets,
		logger:  logger,
	}
}

// listGroupsResponse wraps the list endpoint output with pagination metadata.
type listGroupsResponse struct {
	MarketGroups []domain.MarketGroup `json:"marketGroups"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// ListGroups returns known market groups with pagination.
// GET /api/market-groups?limit=50&offset=0
func (h *MarketGroupHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	groups, err := h.groups.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list market groups failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list market groups")
		return
	}

	writeJSON(w, http.StatusOK, listGroupsResponse{
		MarketGroups: groups,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	})
}

// GetGroup returns one market group by its identity key.
// GET /api/market-groups/{chainId}/{address}
func (h *MarketGroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := groupKeyParams(w, r)
	if !ok {
		return
	}

	group, err := h.groups.GetByAddress(r.Context(), chainID, address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market group not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market group failed",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market group")
		return
	}

	writeJSON(w, http.StatusOK, group)
}

// ListMarkets returns all epochs of one market group.
// GET /api/market-groups/{chainId}/{address}/markets
func (h *MarketGroupHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := groupKeyParams(w, r)
	if !ok {
		return
	}

	group, err := h.groups.GetByAddress(r.Context(), chainID, address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market group not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market group failed",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market group")
		return
	}

	markets, err := h.markets.ListByGroup(r.Context(), group.ID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("group_id", group.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// groupKeyParams parses the {chainId}/{address} path pair shared by the
// group-scoped routes.
func groupKeyParams(w http.ResponseWriter, r *http.Request) (uint64, string, bool) {
	chainID, err := strconv.ParseUint(pathParam(r, "chainId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return 0, "", false
	}
	address := domain.NormalizeAddress(pathParam(r, "address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return 0, "", false
	}
	return chainID, address, true
}
