package response

import (
	"encoding/json"
	"net/http"

	"github.com/Chrisleo-16/xtent-sub002/internal/api/errors"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// ListMeta describes a list response
type ListMeta struct {
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Unread int `json:"unread"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	WithMeta(w, r, statusCode, data, nil)
}

// WithMeta adds metadata to a successful response
func WithMeta(w http.ResponseWriter, r *http.Request, statusCode int, data any, meta any) {
	sendJSON(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
		Meta:      meta,
	})
}

// Error sends an error response. Plain errors become internal errors.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := errors.FromError(err).WithRequestID(requestID)

	sendJSON(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// headers are already out, so an encode failure can only be logged
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Int("status", statusCode).Msg("Failed to encode JSON response")
	}
}
