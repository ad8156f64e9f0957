package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxBodyBytes fits a completion request listing 10 000 parts.
const maxBodyBytes = 1 << 20

// RequestError is an error with the status code it should be answered with.
type RequestError struct {
	Status  int
	Message string
}

func (e RequestError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) RequestError {
	return RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError answers with the {"error": "..."} body used by every route.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// decodeJSON reads exactly one JSON object into dest. Failures are
// RequestErrors: 415 for a non-JSON content type, 413 for oversized bodies and
// 400 for anything malformed.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if contentType := strings.TrimSpace(r.Header.Get("Content-Type")); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return RequestError{Status: http.StatusUnsupportedMediaType, Message: "content type must be application/json"}
		}
	}
	if r.Body == nil || r.Body == http.NoBody {
		return badRequest("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return RequestError{Status: http.StatusRequestEntityTooLarge, Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		case errors.Is(err, io.EOF):
			return badRequest("request body is required")
		default:
			return badRequest("invalid JSON body: %v", err)
		}
	}
	if decoder.More() {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}
