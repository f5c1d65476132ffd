package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/api/middleware"
	"github.com/medloop/go-dpms/internal/domain/payload"
	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/observability/metrics"
)

// PayloadIssuer creates the one-time scannable payload for a prescription.
type PayloadIssuer interface {
	Issue(ctx context.Context, prescriptionID uuid.UUID) (*payload.Payload, error)
}

// PayloadStore reads issued payloads.
type PayloadStore interface {
	GetByPrescription(ctx context.Context, prescriptionID uuid.UUID) (*payload.Payload, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]payload.Payload, error)
	ListActive(ctx context.Context) ([]payload.Payload, error)
}

// PayloadHandler handles scannable payload endpoints.
type PayloadHandler struct {
	issuer        PayloadIssuer
	repo          PayloadStore
	prescriptions PrescriptionStore
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewPayloadHandler creates a new handler. metrics may be nil.
func NewPayloadHandler(issuer PayloadIssuer, repo PayloadStore, prescriptions PrescriptionStore, m *metrics.Metrics, logger *zap.Logger) *PayloadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayloadHandler{
		issuer:        issuer,
		repo:          repo,
		prescriptions: prescriptions,
		metrics:       m,
		logger:        logger,
	}
}

// Routes returns the handler routes.
func (h *PayloadHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(prescription.RoleDoctor, prescription.RoleAdmin)).Post("/generate/{prescriptionId}", h.Generate)
	r.Get("/prescription/{prescriptionId}", h.GetByPrescription)
	r.With(middleware.RequireRole(prescription.RolePatient)).Get("/mine", h.Mine)
	r.With(middleware.RequireRole(prescription.RoleAdmin)).Get("/", h.ListActive)
	return r
}

// Generate handles POST /payloads/generate/{prescriptionId}. Issuance happens
// at most once per prescription; a repeat request conflicts.
func (h *PayloadHandler) Generate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "prescriptionId"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	p, err := h.issuer.Issue(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), domainStatus(err))
		return
	}

	if h.metrics != nil {
		h.metrics.PayloadsIssued.Inc()
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetByPrescription handles GET /payloads/prescription/{prescriptionId}. The
// visibility rule is evaluated against current pricing state on every read:
// once all lines are priced, the artifact is withheld from everyone but
// admins, while the payload record itself remains readable.
func (h *PayloadHandler) GetByPrescription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "prescriptionId"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	p, err := h.repo.GetByPrescription(ctx, id)
	if err != nil {
		if errors.Is(err, payload.ErrNotFound) {
			jsonError(w, "payload not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load payload failed", zap.Error(err))
		jsonError(w, "failed to load payload", http.StatusInternalServerError)
		return
	}

	caller := middleware.GetPrincipal(ctx)
	if caller.Role == prescription.RolePatient && p.PatientID != caller.ID {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	rx, err := h.prescriptions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load prescription failed", zap.Error(err))
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	if res := prescription.Resolve(rx, caller.Role); !res.RevealPayload {
		writeJSON(w, http.StatusOK, p.Redacted())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Mine handles GET /payloads/mine for patients. Redaction applies per
// payload based on the owning prescription's pricing state. Prescriptions are
// loaded in one query and joined in memory.
func (h *PayloadHandler) Mine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := middleware.GetPrincipal(ctx)

	payloads, err := h.repo.ListByPatient(ctx, caller.ID)
	if err != nil {
		h.logger.Error("list payloads failed", zap.Error(err))
		jsonError(w, "failed to list payloads", http.StatusInternalServerError)
		return
	}

	owned, err := h.prescriptions.List(ctx, prescription.Filter{PatientID: &caller.ID})
	if err != nil {
		h.logger.Error("list prescriptions failed", zap.Error(err))
		jsonError(w, "failed to list payloads", http.StatusInternalServerError)
		return
	}
	byID := make(map[uuid.UUID]*prescription.Prescription, len(owned))
	for i := range owned {
		byID[owned[i].ID] = &owned[i]
	}

	out := make([]*payload.Payload, 0, len(payloads))
	for i := range payloads {
		p := &payloads[i]
		rx, ok := byID[p.PrescriptionID]
		if !ok {
			h.logger.Warn("payload without prescription",
				zap.String("payload_id", p.ID.String()))
			continue
		}
		if res := prescription.Resolve(rx, caller.Role); !res.RevealPayload {
			out = append(out, p.Redacted())
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListActive handles GET /payloads for admins. Admins always see artifacts.
func (h *PayloadHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	payloads, err := h.repo.ListActive(r.Context())
	if err != nil {
		h.logger.Error("list payloads failed", zap.Error(err))
		jsonError(w, "failed to list payloads", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, payloads)
}
