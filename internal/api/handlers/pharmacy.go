package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/api/middleware"
	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/observability/metrics"
)

// PharmacyHandler handles the pharmacy-side pricing workflow.
type PharmacyHandler struct {
	repo    *prescription.Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPharmacyHandler creates a new handler. metrics may be nil.
func NewPharmacyHandler(repo *prescription.Repository, m *metrics.Metrics, logger *zap.Logger) *PharmacyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PharmacyHandler{repo: repo, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *PharmacyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireRole(prescription.RolePharmacist, prescription.RoleAdmin))
	r.Get("/pending", h.Pending)
	r.Post("/amounts/{id}", h.EnterAmounts)
	return r
}

// Pending handles GET /pharmacy/pending: issued, active prescriptions that
// still have unpriced lines.
func (h *PharmacyHandler) Pending(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.List(r.Context(), prescription.Filter{
		ActiveOnly:     true,
		IssuedOnly:     true,
		PendingAmounts: true,
	})
	if err != nil {
		h.logger.Error("list pending prescriptions failed", zap.Error(err))
		jsonError(w, "failed to list pending prescriptions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// AmountsRequest carries exactly one entry mode: per-line amounts keyed by
// line or medication ID, or one total split evenly across unpriced lines.
type AmountsRequest struct {
	Amounts     map[string]float64 `json:"amounts,omitempty"`
	TotalAmount *float64           `json:"totalAmount,omitempty"`
}

// EnterAmounts handles POST /pharmacy/amounts/{id}.
func (h *PharmacyHandler) EnterAmounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	var req AmountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hasPerLine := len(req.Amounts) > 0
	hasTotal := req.TotalAmount != nil
	if hasPerLine == hasTotal {
		jsonError(w, "provide either amounts or totalAmount", http.StatusBadRequest)
		return
	}

	var (
		p    *prescription.Prescription
		mode string
	)
	if hasPerLine {
		mode = "per_line"
		amounts := make(map[uuid.UUID]float64, len(req.Amounts))
		for k, v := range req.Amounts {
			key, err := uuid.Parse(k)
			if err != nil {
				jsonError(w, "amount key is not a valid id: "+k, http.StatusBadRequest)
				return
			}
			amounts[key] = v
		}
		p, err = h.repo.ApplyLineAmounts(ctx, id, amounts)
	} else {
		mode = "total"
		p, err = h.repo.ApplyTotalAmount(ctx, id, *req.TotalAmount)
	}
	if err != nil {
		jsonError(w, err.Error(), domainStatus(err))
		return
	}

	if h.metrics != nil {
		h.metrics.AmountsEntered.WithLabelValues(mode).Inc()
	}
	h.logger.Info("amounts entered",
		zap.String("prescription_id", id.String()),
		zap.String("mode", mode),
		zap.Bool("fully_priced", p.AllPriced()),
	)
	writeJSON(w, http.StatusOK, p)
}
