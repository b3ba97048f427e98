package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

// writeDomainError maps the domain taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	var se *domain.SessionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidSource):
		return http.StatusBadRequest, "invalid_source"
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusConflict, "circuit_open"
	case errors.Is(err, domain.ErrQualityUnavailable):
		return http.StatusUnprocessableEntity, "quality_unavailable"
	case errors.Is(err, domain.ErrValidationBudgetExhausted):
		return http.StatusUnprocessableEntity, "no_playable_source"
	case errors.Is(err, domain.ErrResourceLimitReached):
		return http.StatusServiceUnavailable, "resource_limit"
	case errors.As(err, &se):
		return http.StatusBadGateway, string(se.Kind)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func decodeJSON(r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, limit))
	return dec.Decode(dst)
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
