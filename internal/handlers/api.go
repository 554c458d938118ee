package handlers

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError reports a failure of the timelapse subsystem
func sendError(w http.ResponseWriter, statusCode int, errorMsg string) {
	sendJSON(w, statusCode, errorResponse{Error: errorMsg})
}

// sendText answers with a plain text message, used for client errors
func sendText(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	w.Write([]byte(message))
}

func sendNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
