// Package payload implements the scannable payload: the one-time artifact
// bound to a prescription that pharmacy tooling decodes back into structured
// data.
package payload

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medloop/go-dpms/internal/domain/prescription"
)

var (
	// ErrNotFound indicates no payload exists for the prescription.
	ErrNotFound = errors.New("payload not found")
	// ErrAlreadyIssued indicates a payload was already issued for the
	// prescription. Payloads are never regenerated.
	ErrAlreadyIssued = errors.New("payload already issued")
	// ErrInactive indicates the prescription has been soft-deleted.
	ErrInactive = errors.New("prescription is not active")
)

// Payload is the issued artifact record.
type Payload struct {
	ID             uuid.UUID `json:"id"`
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	PatientID      uuid.UUID `json:"patientId"`
	DoctorID       uuid.UUID `json:"doctorId"`
	Artifact       string    `json:"qrCode,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Redacted returns a copy with the artifact omitted. Redaction is a content
// omission, not an error: the record shape survives, the artifact does not.
func (p *Payload) Redacted() *Payload {
	out := *p
	out.Artifact = ""
	return &out
}

// Snapshot is the exact JSON object encoded into the artifact. It is a
// deliberate denormalized copy taken at issuance time: later catalog or user
// edits must not retroactively alter an already-issued payload.
type Snapshot struct {
	PrescriptionID uuid.UUID                `json:"prescriptionId"`
	Patient        PatientInfo              `json:"patient"`
	Doctor         DoctorInfo               `json:"doctor"`
	Medications    []MedicationEntry        `json:"medications"`
	Disease        string                   `json:"disease"`
	DiseaseType    prescription.DiseaseType `json:"diseaseType"`
	Date           time.Time                `json:"date"`
	PayloadIssued  bool                     `json:"payloadIssued"`
	Active         bool                     `json:"active"`
}

// PatientInfo is the patient contact snapshot.
type PatientInfo struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Age    int       `json:"age"`
	Gender string    `json:"gender"`
	Mobile string    `json:"mobile"`
	Email  string    `json:"email"`
}

// DoctorInfo is the issuer snapshot.
type DoctorInfo struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Role string    `json:"role"`
}

// MedicationEntry is one medication line as frozen at issuance.
type MedicationEntry struct {
	Medicine MedicineInfo        `json:"medicine"`
	Timing   []prescription.Slot `json:"timing"`
	Amount   *float64            `json:"amount"`
}

// MedicineInfo identifies the catalog entry for a line.
type MedicineInfo struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Dosage string    `json:"dosage"`
}
