package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// Merger collapses instruments sharing any of the given identifiers.
type Merger interface {
	MergeInstruments(ctx context.Context, keys []domain.IdentifierKey) (int64, bool, error)
}

// InstrumentHandler serves instrument endpoints.
type InstrumentHandler struct {
	store  domain.InstrumentStore
	merger Merger
	logger *slog.Logger
}

func NewInstrumentHandler(store domain.InstrumentStore, merger Merger, logger *slog.Logger) *InstrumentHandler {
	return &InstrumentHandler{store: store, merger: merger, logger: logger}
}

type identifierResponse struct {
	Namespace string    `json:"namespace"`
	Domain    string    `json:"domain"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// GetInstrument returns an instrument with its identifiers.
// GET /api/instruments/{id}
func (h *InstrumentHandler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instrument id")
		return
	}
	inst, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "instrument not found")
		return
	}
	idents, err := h.store.ListIdentifiers(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list identifiers failed",
			slog.Int64("instrument_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load identifiers")
		return
	}

	out := make([]identifierResponse, len(idents))
	for i, ident := range idents {
		out[i] = identifierResponse{
			Namespace: ident.Key.Namespace,
			Domain:    ident.Key.Domain,
			Value:     ident.Key.Value,
			Source:    ident.Source,
			CreatedAt: ident.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          inst.ID,
		"type":        inst.Type,
		"status":      inst.Status,
		"listing_mic": inst.ListingMIC,
		"currency":    inst.Currency,
		"identifiers": out,
	})
}

type mergeRequest struct {
	Identifiers []domain.IdentifierKey `json:"identifiers"`
}

// Merge collapses every instrument holding any of the given identifiers.
// POST /api/instruments/merge
func (h *InstrumentHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	for _, k := range req.Identifiers {
		if !k.Complete() {
			writeError(w, http.StatusBadRequest, "identifiers need namespace, domain and value")
			return
		}
	}
	if len(req.Identifiers) == 0 {
		writeError(w, http.StatusBadRequest, "no identifiers given")
		return
	}

	survivor, found, err := h.merger.MergeInstruments(r.Context(), req.Identifiers)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual merge failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no instrument holds these identifiers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument_id": survivor})
}
