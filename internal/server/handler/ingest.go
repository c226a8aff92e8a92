package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// maxIngestEvents bounds one ingest batch.
const maxIngestEvents = 10000

// EventSink accepts event batches for asynchronous indexing.
type EventSink interface {
	Submit(ctx context.Context, events []domain.Event) error
}

// IngestHandler accepts decoded event batches from the upstream log source.
type IngestHandler struct {
	sink   EventSink
	logger *slog.Logger
}

// NewIngestHandler creates an IngestHandler feeding the given sink.
func NewIngestHandler(sink EventSink, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{sink: sink, logger: logger}
}

// ingestRequest is the POST body: a batch of decoded events.
type ingestRequest struct {
	Events []domain.Event `json:"events"`
}

// Ingest enqueues a batch of decoded events for reconciliation. The batch is
// validated for the identity fields every event must carry; ordering and
// idempotency are handled downstream.
// POST /api/events
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "empty event batch")
		return
	}
	if len(req.Events) > maxIngestEvents {
		writeError(w, http.StatusRequestEntityTooLarge, "event batch too large")
		return
	}

	for i, evt := range req.Events {
		if evt.Name == "" || evt.TransactionHash == "" || evt.MarketGroupAddress == "" || evt.ChainID == 0 {
			h.logger.WarnContext(r.Context(), "handler: rejecting malformed event",
				slog.Int("index", i),
				slog.String("event", evt.Name),
			)
			writeError(w, http.StatusBadRequest, "event missing identity fields")
			return
		}
	}

	if err := h.sink.Submit(r.Context(), req.Events); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: event submit failed",
			slog.Int("events", len(req.Events)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "ingest queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(req.Events),
	})
}
