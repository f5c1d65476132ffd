// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medloop/go-dpms/internal/domain/payload"
	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/notify/mailer"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// domainStatus maps domain errors onto HTTP status codes shared by all
// handlers.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, payload.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, prescription.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, payload.ErrAlreadyIssued), errors.Is(err, payload.ErrInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// channelStatus maps delivery failures onto HTTP status codes.
func channelStatus(err error) int {
	var cerr *mailer.ChannelError
	if !errors.As(err, &cerr) {
		return http.StatusInternalServerError
	}
	switch cerr.Kind {
	case mailer.KindNotConfigured:
		return http.StatusServiceUnavailable
	case mailer.KindInvalidRecipient:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
