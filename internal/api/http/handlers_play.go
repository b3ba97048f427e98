package apihttp

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const maxPlayBody = 4 << 20

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "orchestrator not configured")
		return
	}
	var req domain.PlayRequest
	if err := decodeJSON(r, &req, maxPlayBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	req.ItemID = strings.TrimSpace(req.ItemID)
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "itemId is required")
		return
	}
	if req.Quality != "" {
		q := domain.ParseQuality(string(req.Quality))
		if q == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown quality")
			return
		}
		req.Quality = q
	}
	if req.CandidateBudget < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "candidateBudget must be >= 0")
		return
	}

	result, err := s.orchestrator.Play(r.Context(), req)
	if err != nil {
		s.logger.Warn("play failed",
			slog.String("itemId", req.ItemID),
			slog.String("quality", string(req.Quality)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
