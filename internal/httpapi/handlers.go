package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/service"
)

// Advisor is the query surface the handlers need.
type Advisor interface {
	AnswerIn(ctx context.Context, rawQuery, lang string) domain.QueryResponse
	AnswerWithRelated(ctx context.Context, rawQuery, lang string, k int) (domain.QueryResponse, []service.Match, error)
	ExplainIn(ctx context.Context, rawQuery, lang string, k int) ([]service.Match, error)
	Stats() service.Stats
	TopK() int
}

// AnswerRequest is the body of POST /api/v1/answer.
type AnswerRequest struct {
	Query    string `json:"query" validate:"max=2000"`
	Language string `json:"language,omitempty" validate:"omitempty,max=16"`
	Related  bool   `json:"related,omitempty"`
}

// AnswerResponse carries the answer and, on request, the ranked entries
// behind it.
type AnswerResponse struct {
	domain.QueryResponse
	Related []service.Match `json:"related,omitempty"`
}

// SearchRequest is the body of POST /api/v1/search.
type SearchRequest struct {
	Query    string `json:"query" validate:"required,max=2000"`
	Language string `json:"language,omitempty" validate:"omitempty,max=16"`
	K        int    `json:"k,omitempty" validate:"omitempty,gte=1,lte=100"`
}

// SearchResponse lists ranked entries without thresholding.
type SearchResponse struct {
	Results []service.Match `json:"results"`
}

// Handler serves the query API.
type Handler struct {
	advisor Advisor
	logger  *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(advisor Advisor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{advisor: advisor, logger: logger.Named("http")}
}

// HandleAnswer handles POST /api/v1/answer. It always replies 200 with a
// QueryResponse once the body is valid.
func (h *Handler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Related {
		writeJSON(w, http.StatusOK, AnswerResponse{QueryResponse: h.advisor.AnswerIn(r.Context(), req.Query, req.Language)})
		return
	}
	answer, related, err := h.advisor.AnswerWithRelated(r.Context(), req.Query, req.Language, h.advisor.TopK())
	if err != nil {
		h.logger.Warn("related entries unavailable", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, AnswerResponse{QueryResponse: answer, Related: related})
}

// HandleSearch handles POST /api/v1/search.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	k := req.K
	if k == 0 {
		k = h.advisor.TopK()
	}
	results, err := h.advisor.ExplainIn(r.Context(), req.Query, req.Language, k)
	if errors.Is(err, domain.ErrInvalidK) {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.Error("search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// HandleStatus handles GET /api/v1/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.advisor.Stats())
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady handles GET /readyz. The advisor is fully loaded before the
// router is built, so a serving process is always ready.
func (h *Handler) HandleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "entries": h.advisor.Stats().Entries})
}
