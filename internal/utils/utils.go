package utils

import (
	"encoding/json"
	"net/http"

	"github.com/riteshkumar/carewallet/internal/models"
)

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func WriteError(w http.ResponseWriter, status int, errorMsg, details string) {
	writeError(w, status, errorMsg, details, false)
}

// WriteRetryableError marks the response so clients know the same request may
// succeed if sent again.
func WriteRetryableError(w http.ResponseWriter, status int, errorMsg, details string) {
	writeError(w, status, errorMsg, details, true)
}

func writeError(w http.ResponseWriter, status int, errorMsg, details string, retryable bool) {
	response := models.ErrorResponse{
		Error:     errorMsg,
		Message:   details,
		Retryable: retryable,
	}
	WriteJSON(w, status, response)
}

// DecodeJSON reads a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
