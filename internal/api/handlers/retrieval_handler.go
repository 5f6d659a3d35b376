package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	middleware "github.com/davekalu/docquery/internal/api/middlewares"
	"github.com/davekalu/docquery/internal/core/retrieval"
)

type RetrievalHandler struct {
	engine *retrieval.Engine
	log    *slog.Logger
}

func NewRetrievalHandler(engine *retrieval.Engine, logger *slog.Logger) *RetrievalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalHandler{engine: engine, log: logger}
}

type retrievalRequest struct {
	Query    string   `json:"query"`
	JobIDs   []string `json:"job_ids,omitempty"`
	TopK     int      `json:"top_k,omitempty"`
	MinScore float64  `json:"min_score,omitempty"`
}

// Query runs a retrieval search over the caller's queryable documents.
func (h *RetrievalHandler) Query(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req retrievalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query must not be empty", http.StatusBadRequest)
		return
	}

	resp, err := h.engine.Search(r.Context(), retrieval.Query{
		UserID:   userID,
		Text:     req.Query,
		JobIDs:   req.JobIDs,
		TopK:     req.TopK,
		MinScore: req.MinScore,
	})
	if err != nil {
		h.log.Error("retrieval query failed", "user_id", userID, "err", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
