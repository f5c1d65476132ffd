package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/api/middleware"
	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/notify/dispatch"
	"github.com/medloop/go-dpms/internal/notify/mailer"
)

// ReminderHandler handles manual reminder dispatch and channel diagnostics.
type ReminderHandler struct {
	dispatcher *dispatch.Dispatcher
	channel    *mailer.Channel
	repo       *prescription.Repository
	logger     *zap.Logger
}

// NewReminderHandler creates a new handler.
func NewReminderHandler(dispatcher *dispatch.Dispatcher, channel *mailer.Channel, repo *prescription.Repository, logger *zap.Logger) *ReminderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderHandler{
		dispatcher: dispatcher,
		channel:    channel,
		repo:       repo,
		logger:     logger,
	}
}

// Routes returns the handler routes.
func (h *ReminderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(prescription.RoleDoctor, prescription.RoleAdmin)).Post("/send", h.Send)
	r.With(middleware.RequireRole(prescription.RolePatient)).Get("/mine", h.Mine)
	r.With(middleware.RequireRole(prescription.RoleAdmin)).Post("/test", h.SendTest)
	r.With(middleware.RequireRole(prescription.RoleAdmin)).Get("/health", h.Health)
	return r
}

// SendRequest is the manual dispatch request.
type SendRequest struct {
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	Slot           string    `json:"slot"`
}

// Send handles POST /reminders/send: one immediate dispatch for a
// prescription and slot, bypassing the periodic cycle and its filters.
func (h *ReminderHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	slot, err := prescription.ParseSlot(req.Slot)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := h.dispatcher.SendNow(r.Context(), req.PrescriptionID, slot)
	if err != nil {
		switch {
		case errors.Is(err, prescription.ErrNotFound):
			jsonError(w, "prescription not found", http.StatusNotFound)
		case errors.Is(err, dispatch.ErrNoMatchingLines):
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, dispatch.ErrNoContactAddress):
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			var cerr *mailer.ChannelError
			if errors.As(err, &cerr) {
				writeJSON(w, channelStatus(err), map[string]string{
					"error":  cerr.Message(),
					"reason": string(cerr.Kind),
				})
				return
			}
			h.logger.Error("manual dispatch failed", zap.Error(err))
			jsonError(w, "dispatch failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "sent",
		"messageId": receipt.MessageID,
		"to":        receipt.To,
	})
}

// ReminderBucket is one upcoming reminder entry for a patient.
type ReminderBucket struct {
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	Disease        string    `json:"disease"`
	MedicineName   string    `json:"medicineName"`
	Dosage         string    `json:"dosage"`
	Date           time.Time `json:"date"`
}

// Mine handles GET /reminders/mine: the patient's active reminder schedule
// grouped by timing slot.
func (h *ReminderHandler) Mine(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetPrincipal(r.Context())

	prescriptions, err := h.repo.List(r.Context(), prescription.Filter{
		PatientID:  &caller.ID,
		ActiveOnly: true,
		IssuedOnly: true,
	})
	if err != nil {
		h.logger.Error("list reminders failed", zap.Error(err))
		jsonError(w, "failed to list reminders", http.StatusInternalServerError)
		return
	}

	out := map[string][]ReminderBucket{
		"morning":   {},
		"afternoon": {},
		"night":     {},
	}
	keys := map[prescription.Slot]string{
		prescription.SlotMorning:   "morning",
		prescription.SlotAfternoon: "afternoon",
		prescription.SlotNight:     "night",
	}
	for i := range prescriptions {
		p := &prescriptions[i]
		for _, slot := range prescription.Slots {
			for _, l := range p.LinesFor(slot) {
				out[keys[slot]] = append(out[keys[slot]], ReminderBucket{
					PrescriptionID: p.ID,
					Disease:        p.Disease,
					MedicineName:   l.MedicineName,
					Dosage:         l.Dosage,
					Date:           p.IssuedAt,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// TestRequest is the diagnostics send request.
type TestRequest struct {
	Email string `json:"email"`
}

// SendTest handles POST /reminders/test: a plain diagnostic message to
// confirm the relay works end to end.
func (h *ReminderHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		jsonError(w, "email is required", http.StatusBadRequest)
		return
	}

	receipt, err := h.channel.Send(r.Context(), &mailer.Message{
		To:      req.Email,
		Subject: "Test Email - Digital Prescription System",
		Text:    "This is a test email from the Digital Prescription Management System. The mail channel is working.",
	})
	if err != nil {
		var cerr *mailer.ChannelError
		if errors.As(err, &cerr) {
			writeJSON(w, channelStatus(err), map[string]string{
				"error":  cerr.Message(),
				"reason": string(cerr.Kind),
			})
			return
		}
		jsonError(w, "send failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "sent",
		"messageId": receipt.MessageID,
	})
}

// Health handles GET /reminders/health: relay configuration and a live
// session check.
func (h *ReminderHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"configured": h.channel.Configured(),
		"host":       h.channel.Host(),
		"port":       h.channel.Port(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := h.channel.Verify(ctx); err != nil {
		resp["healthy"] = false
		var cerr *mailer.ChannelError
		if errors.As(err, &cerr) {
			resp["reason"] = string(cerr.Kind)
			resp["error"] = cerr.Message()
		} else {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp["healthy"] = true
	writeJSON(w, http.StatusOK, resp)
}
