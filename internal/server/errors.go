package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"quickdrop/internal/blobstore"
	"quickdrop/internal/lifecycle"
)

// goneMessage is the body for every refused download, whatever the reason.
const goneMessage = "File not found or already destroyed."

// httpStatus maps a lifecycle or storage error to a status code and a
// client-facing message. Internal details never reach the client.
func httpStatus(err error) (int, string) {
	var tooBig *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, "upload exceeds the size limit"
	case errors.Is(err, lifecycle.ErrDenied):
		return http.StatusNotFound, goneMessage
	case blobstore.IsSourceError(err):
		return http.StatusBadRequest, "upload was interrupted"
	case errors.Is(err, lifecycle.ErrStorageFull):
		return http.StatusInsufficientStorage, "storage is full, try again later"
	case errors.Is(err, lifecycle.ErrStorageUnavailable), errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable, "storage temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
