package http

import (
	"encoding/json"
	"net/http"
)

// successEnvelope wraps every 2xx payload of the licensing surface. Message
// is used by acknowledge-only endpoints, Data by the rest; never both.
type successEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// errorEnvelope carries the mapped code plus optional structured detail,
// such as quota numbers on an admission rejection.
type errorEnvelope struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, successEnvelope{Status: "success", Data: data})
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, successEnvelope{Status: "success", Message: message})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{Status: "error", Code: code, Message: message})
}

func writeErrorData(w http.ResponseWriter, statusCode int, code, message string, data any) {
	writeJSON(w, statusCode, errorEnvelope{Status: "error", Code: code, Message: message, Data: data})
}
