package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody mirrors the {"message": ...} envelope of the backend.
type errorBody struct {
	Message string `json:"message"`
}

// writeJSON writes data as a JSON response. Encoding failures are logged;
// the client may then receive a partial body.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, errorBody{Message: message}, status)
}
