package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Stable error codes returned in the "error" field of every failure body.
const (
	codeQuotaExceeded       = "quota_exceeded"
	codeQuotaUnverified     = "quota_unverified"
	codeScrapeFailed        = "scrape_failed"
	codeNotFound            = "not_found"
	codeArtifactUnavailable = "artifact_unavailable"
	codeForbidden           = "forbidden"
	codeInvalidRequest      = "invalid_request"
	codeUnauthorized        = "unauthorized"
	codeInternal            = "internal"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("json encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
