package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/skyfold/skywallet/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// mapError translates storage and validation failures into HTTP
// responses without leaking internals.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrCodeMismatch):
		writeError(w, http.StatusBadRequest, "invalid code")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
