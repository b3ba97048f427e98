package apihttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

func (s *Server) handleReliability(w http.ResponseWriter, _ *http.Request) {
	if s.reliability == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": []domain.ProviderReliability{}})
		return
	}
	providers := s.reliability.Summary()
	if providers == nil {
		providers = []domain.ProviderReliability{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleResetReliability(w http.ResponseWriter, r *http.Request) {
	if s.reliability == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("providerId"))
	sourceKey := strings.TrimSpace(q.Get("sourceKey"))
	if providerID == "" && sourceKey != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sourceKey requires providerId")
		return
	}
	s.reliability.Reset(providerID, sourceKey)
	s.logger.Info("reliability reset",
		slog.String("providerId", providerID),
		slog.String("sourceKey", sourceKey),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}
	events := []domain.AttemptEvent{}
	if s.attempts != nil {
		if recent := s.attempts.Recent(limit); recent != nil {
			events = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}
