package apihttp

import (
	"net/http"
	"strings"

	"github.com/ezerobledo91/streams-sub000/internal/session"
)

type createSessionRequest struct {
	Magnet         string `json:"magnet"`
	URL            string `json:"url"`
	ProviderID     string `json:"providerId"`
	SourceKey      string `json:"sourceKey"`
	FileIdx        *int   `json:"fileIdx"`
	EpisodeKey     string `json:"episodeKey"`
	ForceTranscode bool   `json:"forceTranscode"`
	HeightHint     int    `json:"heightHint"`
}

type sessionListResponse struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	items := s.sessions.List()
	writeJSON(w, http.StatusOK, sessionListResponse{Items: items, Count: len(items)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := decodeJSON(r, &body, 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	body.Magnet = strings.TrimSpace(body.Magnet)
	body.URL = strings.TrimSpace(body.URL)
	if (body.Magnet == "") == (body.URL == "") {
		writeError(w, http.StatusBadRequest, "invalid_request", "exactly one of magnet or url is required")
		return
	}
	if body.FileIdx != nil && *body.FileIdx < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "fileIdx must be >= 0")
		return
	}

	if body.URL != "" {
		desc, err := s.sessions.CreateDirect(r.Context(), session.DirectParams{
			URL:        body.URL,
			SourceKey:  body.SourceKey,
			ProviderID: body.ProviderID,
			HeightHint: body.HeightHint,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, desc)
		return
	}

	desc, err := s.sessions.Create(r.Context(), session.CreateParams{
		Magnet:           body.Magnet,
		SourceKey:        body.SourceKey,
		ProviderID:       body.ProviderID,
		PreferredFileIdx: body.FileIdx,
		EpisodeKey:       body.EpisodeKey,
		ForceTranscode:   body.ForceTranscode,
		HeightHint:       body.HeightHint,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	desc, err := s.sessions.Touch(pathID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(pathID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
