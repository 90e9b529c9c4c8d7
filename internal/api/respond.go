package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// QueryResult is the envelope every SQL read returns.
type QueryResult struct {
	Count    int              `json:"Count"`
	Value    []map[string]any `json:"Value"`
	NextLink string           `json:"NextLink,omitempty"`
}

// ErrorEnvelope is the uniform failure payload.
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSON serializes a payload with the given status. Encoding failures are
// logged; by then the status line is already on the wire.
func WriteJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("response encode failed", slog.Any("error", err))
	}
}

// WriteError renders the taxonomy envelope for a typed error.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := KindOf(err)
	status := StatusFor(kind)
	envelope := ErrorEnvelope{Success: false, Error: string(kind)}
	if status < http.StatusInternalServerError {
		envelope.Details = PublicMessage(err)
	}
	if kind == KindRateLimited {
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", strconv.Itoa(1))
		}
	}
	WriteJSON(w, logger, status, envelope)
}
