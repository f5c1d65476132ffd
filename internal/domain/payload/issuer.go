package payload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/domain/prescription"
)

// SnapshotData is everything the issuer denormalizes into the artifact.
type SnapshotData struct {
	Prescription prescription.Prescription
	Patient      PatientInfo
	Doctor       DoctorInfo
}

// Store is the persistence boundary for issuing payloads. Issue must write
// the payload record and flip the prescription's payload-issued flag in one
// transaction, and must return ErrAlreadyIssued when a payload already
// exists for the prescription.
type Store interface {
	SnapshotData(ctx context.Context, prescriptionID uuid.UUID) (*SnapshotData, error)
	Issue(ctx context.Context, p *Payload, snapshot []byte) error
}

// Issuer creates the scannable artifact for a prescription, at most once.
type Issuer struct {
	store  Store
	logger *zap.Logger
	size   int
}

// NewIssuer creates an issuer rendering artifacts at the default size.
func NewIssuer(store Store, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{store: store, logger: logger, size: 256}
}

// Issue builds the snapshot, renders the QR artifact and persists the
// payload together with the prescription flag flip.
func (i *Issuer) Issue(ctx context.Context, prescriptionID uuid.UUID) (*Payload, error) {
	data, err := i.store.SnapshotData(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !data.Prescription.Active {
		return nil, ErrInactive
	}
	if data.Prescription.PayloadIssued {
		// Fast path; the unique constraint in the store is authoritative.
		return nil, ErrAlreadyIssued
	}

	snap := BuildSnapshot(data)
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	png, err := qrcode.Encode(string(raw), qrcode.Medium, i.size)
	if err != nil {
		return nil, fmt.Errorf("render artifact: %w", err)
	}

	p := &Payload{
		ID:             uuid.New(),
		PrescriptionID: data.Prescription.ID,
		PatientID:      data.Prescription.PatientID,
		DoctorID:       data.Prescription.DoctorID,
		Artifact:       "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}

	if err := i.store.Issue(ctx, p, raw); err != nil {
		return nil, err
	}

	i.logger.Info("payload issued",
		zap.String("payload_id", p.ID.String()),
		zap.String("prescription_id", prescriptionID.String()),
	)
	return p, nil
}

// BuildSnapshot maps the denormalized read into the wire snapshot.
func BuildSnapshot(d *SnapshotData) Snapshot {
	meds := make([]MedicationEntry, 0, len(d.Prescription.Lines))
	for _, l := range d.Prescription.Lines {
		meds = append(meds, MedicationEntry{
			Medicine: MedicineInfo{
				ID:     l.MedicationID,
				Name:   l.MedicineName,
				Dosage: l.Dosage,
			},
			Timing: l.Timing,
			Amount: l.Amount,
		})
	}

	return Snapshot{
		PrescriptionID: d.Prescription.ID,
		Patient:        d.Patient,
		Doctor:         d.Doctor,
		Medications:    meds,
		Disease:        d.Prescription.Disease,
		DiseaseType:    d.Prescription.DiseaseType,
		Date:           d.Prescription.IssuedAt,
		PayloadIssued:  d.Prescription.PayloadIssued,
		Active:         d.Prescription.Active,
	}
}
