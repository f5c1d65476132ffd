package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/api/middleware"
	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/observability/metrics"
)

// PrescriptionStore is the persistence boundary the handler needs.
type PrescriptionStore interface {
	Create(ctx context.Context, p *prescription.Prescription) error
	Get(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
	List(ctx context.Context, f prescription.Filter) ([]prescription.Prescription, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// PrescriptionHandler handles prescription endpoints.
type PrescriptionHandler struct {
	store   PrescriptionStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler. metrics may be nil.
func NewPrescriptionHandler(store PrescriptionStore, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{store: store, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(prescription.RoleDoctor, prescription.RoleAdmin)).Post("/", h.Create)
	r.With(middleware.RequireRole(prescription.RoleDoctor, prescription.RoleAdmin, prescription.RolePharmacist)).Get("/", h.List)
	r.With(middleware.RequireRole(prescription.RolePatient)).Get("/mine", h.Mine)
	r.Get("/{id}", h.Get)
	r.With(middleware.RequireRole(prescription.RoleDoctor, prescription.RoleAdmin)).Delete("/{id}", h.Delete)
	return r
}

// CreateRequest is the request body for creating a prescription.
type CreateRequest struct {
	PatientID   uuid.UUID                `json:"patientId"`
	Disease     string                   `json:"disease"`
	DiseaseType prescription.DiseaseType `json:"diseaseType"`
	Medications []CreateLine             `json:"medications"`
}

// CreateLine is one medication line in a creation request.
type CreateLine struct {
	MedicineID uuid.UUID `json:"medicineId"`
	Timing     []string  `json:"timing"`
	Amount     *float64  `json:"amount,omitempty"`
}

// Create handles POST /prescriptions.
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("prescription-handler")
	ctx, span := tracer.Start(ctx, "create_prescription")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	caller := middleware.GetPrincipal(ctx)

	lines := make([]prescription.Line, 0, len(req.Medications))
	for _, m := range req.Medications {
		timing := make([]prescription.Slot, 0, len(m.Timing))
		for _, t := range m.Timing {
			slot, err := prescription.ParseSlot(t)
			if err != nil {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			timing = append(timing, slot)
		}
		lines = append(lines, prescription.Line{
			MedicationID: m.MedicineID,
			Timing:       timing,
			Amount:       m.Amount,
		})
	}

	p, err := prescription.New(req.PatientID, caller.ID, req.Disease, req.DiseaseType, lines)
	if err != nil {
		jsonError(w, err.Error(), domainStatus(err))
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID.String()))

	if err := h.store.Create(ctx, p); err != nil {
		h.logger.Error("create prescription failed", zap.Error(err))
		jsonError(w, "failed to create prescription", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.PrescriptionsCreated.Inc()
	}
	h.logger.Info("prescription created",
		zap.String("id", p.ID.String()),
		zap.String("doctor_id", caller.ID.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /prescriptions/{id}. Patients may only read their own, and
// never see per-line pricing.
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	p, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load prescription failed", zap.Error(err))
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	caller := middleware.GetPrincipal(ctx)
	if caller.Role == prescription.RolePatient && p.PatientID != caller.ID {
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, p.RedactedFor(caller.Role))
}

// List handles GET /prescriptions with optional filters.
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	f := prescription.Filter{
		ActiveOnly: r.URL.Query().Get("active") == "true",
		IssuedOnly: r.URL.Query().Get("issued") == "true",
	}
	if v := r.URL.Query().Get("patientId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			jsonError(w, "invalid patientId filter", http.StatusBadRequest)
			return
		}
		f.PatientID = &id
	}

	out, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list prescriptions failed", zap.Error(err))
		jsonError(w, "failed to list prescriptions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Mine handles GET /prescriptions/mine for patients. Pricing is withheld;
// amounts are a pharmacy-facing detail.
func (h *PrescriptionHandler) Mine(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetPrincipal(r.Context())

	out, err := h.store.List(r.Context(), prescription.Filter{
		PatientID:  &caller.ID,
		ActiveOnly: true,
	})
	if err != nil {
		h.logger.Error("list own prescriptions failed", zap.Error(err))
		jsonError(w, "failed to list prescriptions", http.StatusInternalServerError)
		return
	}

	views := make([]*prescription.Prescription, 0, len(out))
	for i := range out {
		views = append(views, out[i].RedactedFor(caller.Role))
	}
	writeJSON(w, http.StatusOK, views)
}

// Delete handles DELETE /prescriptions/{id}. Deactivation is a soft delete;
// the record and any issued payload survive.
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	if err := h.store.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		h.logger.Error("deactivate prescription failed", zap.Error(err))
		jsonError(w, "failed to deactivate prescription", http.StatusInternalServerError)
		return
	}

	h.logger.Info("prescription deactivated", zap.String("id", id.String()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}
