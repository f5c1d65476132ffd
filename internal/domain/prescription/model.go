// Package prescription implements the prescription domain model: medication
// lines, timing slots, pricing state, and the visibility rules that govern
// scannable payload redaction.
package prescription

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Slot is a time-of-day bucket for medication timing.
type Slot string

const (
	SlotMorning   Slot = "M"
	SlotAfternoon Slot = "A"
	SlotNight     Slot = "N"
)

// Slots lists all timing slots in trigger order.
var Slots = []Slot{SlotMorning, SlotAfternoon, SlotNight}

// Valid reports whether s is a known timing slot.
func (s Slot) Valid() bool {
	switch s {
	case SlotMorning, SlotAfternoon, SlotNight:
		return true
	}
	return false
}

// Label returns the human-readable slot label used in notifications.
func (s Slot) Label() string {
	switch s {
	case SlotMorning:
		return "Morning (8:00 AM)"
	case SlotAfternoon:
		return "Afternoon (2:00 PM)"
	case SlotNight:
		return "Night (8:00 PM)"
	}
	return string(s)
}

// ParseSlot converts a wire value into a Slot.
func ParseSlot(v string) (Slot, error) {
	s := Slot(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown timing slot %q", ErrValidation, v)
	}
	return s, nil
}

// Role identifies the viewer role attached to a read request.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RolePatient    Role = "patient"
	RolePharmacist Role = "pharmacist"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePatient, RolePharmacist:
		return true
	}
	return false
}

// DiseaseType is the prescription category tag.
type DiseaseType string

const (
	DiseaseGeneral  DiseaseType = "General"
	DiseaseLongTerm DiseaseType = "LongTerm"
	DiseaseChronic  DiseaseType = "Chronic"
)

// Valid reports whether t is a known category.
func (t DiseaseType) Valid() bool {
	switch t {
	case DiseaseGeneral, DiseaseLongTerm, DiseaseChronic:
		return true
	}
	return false
}

var (
	// ErrNotFound indicates the prescription does not exist.
	ErrNotFound = errors.New("prescription not found")
	// ErrValidation indicates malformed prescription input.
	ErrValidation = errors.New("validation failed")
)

// Line is one medication entry on a prescription. MedicineName and Dosage are
// denormalized from the medication catalog on read.
type Line struct {
	ID           uuid.UUID `json:"id"`
	MedicationID uuid.UUID `json:"medicationId"`
	MedicineName string    `json:"medicineName,omitempty"`
	Dosage       string    `json:"dosage,omitempty"`
	Timing       []Slot    `json:"timing"`
	Amount       *float64  `json:"amount"`
}

// ScheduledFor reports whether the line's timing set contains slot.
func (l *Line) ScheduledFor(slot Slot) bool {
	for _, s := range l.Timing {
		if s == slot {
			return true
		}
	}
	return false
}

// Priced reports whether the line has an amount recorded.
func (l *Line) Priced() bool { return l.Amount != nil }

// Prescription is the aggregate issued by a doctor to a patient. It is
// immutable after creation except for the soft-delete flag, per-line amounts
// and the payload-issued flag.
type Prescription struct {
	ID            uuid.UUID   `json:"id"`
	PatientID     uuid.UUID   `json:"patientId"`
	DoctorID      uuid.UUID   `json:"doctorId"`
	Disease       string      `json:"disease"`
	DiseaseType   DiseaseType `json:"diseaseType"`
	Lines         []Line      `json:"medications"`
	IssuedAt      time.Time   `json:"date"`
	PayloadIssued bool        `json:"payloadIssued"`
	Active        bool        `json:"active"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// New builds a valid prescription with generated identifiers.
func New(patientID, doctorID uuid.UUID, disease string, diseaseType DiseaseType, lines []Line) (*Prescription, error) {
	if diseaseType == "" {
		diseaseType = DiseaseGeneral
	}

	now := time.Now().UTC()
	p := &Prescription{
		ID:          uuid.New(),
		PatientID:   patientID,
		DoctorID:    doctorID,
		Disease:     disease,
		DiseaseType: diseaseType,
		Lines:       lines,
		IssuedAt:    now,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range p.Lines {
		if p.Lines[i].ID == uuid.Nil {
			p.Lines[i].ID = uuid.New()
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the creation invariants.
func (p *Prescription) Validate() error {
	if p.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient reference is required", ErrValidation)
	}
	if p.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: doctor reference is required", ErrValidation)
	}
	if p.Disease == "" {
		return fmt.Errorf("%w: disease is required", ErrValidation)
	}
	if !p.DiseaseType.Valid() {
		return fmt.Errorf("%w: unknown disease type %q", ErrValidation, p.DiseaseType)
	}
	if len(p.Lines) == 0 {
		return fmt.Errorf("%w: at least one medication line is required", ErrValidation)
	}
	for i, l := range p.Lines {
		if l.MedicationID == uuid.Nil {
			return fmt.Errorf("%w: line %d has no medicine reference", ErrValidation, i)
		}
		if len(l.Timing) == 0 {
			return fmt.Errorf("%w: line %d has an empty timing set", ErrValidation, i)
		}
		for _, s := range l.Timing {
			if !s.Valid() {
				return fmt.Errorf("%w: line %d has unknown timing slot %q", ErrValidation, i, s)
			}
		}
	}
	return nil
}

// AllPriced reports whether every medication line carries an amount. A
// prescription with no lines is never considered priced.
func (p *Prescription) AllPriced() bool {
	if len(p.Lines) == 0 {
		return false
	}
	for i := range p.Lines {
		if !p.Lines[i].Priced() {
			return false
		}
	}
	return true
}

// HasUnpricedLine reports whether any line still lacks an amount.
func (p *Prescription) HasUnpricedLine() bool {
	for i := range p.Lines {
		if !p.Lines[i].Priced() {
			return true
		}
	}
	return false
}

// LinesFor returns the medication lines scheduled for slot.
func (p *Prescription) LinesFor(slot Slot) []Line {
	var out []Line
	for _, l := range p.Lines {
		if l.ScheduledFor(slot) {
			out = append(out, l)
		}
	}
	return out
}

// OlderThan reports whether the prescription was issued more than maxAge
// before now.
func (p *Prescription) OlderThan(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.IssuedAt) > maxAge
}

// ApplyLineAmounts records amounts for explicitly addressed lines. A key
// matches a line by line ID or by medication ID. Last write per line wins.
// Returns the number of lines updated.
func (p *Prescription) ApplyLineAmounts(amounts map[uuid.UUID]float64) int {
	applied := 0
	for i := range p.Lines {
		if amt, ok := amounts[p.Lines[i].ID]; ok {
			a := amt
			p.Lines[i].Amount = &a
			applied++
			continue
		}
		if amt, ok := amounts[p.Lines[i].MedicationID]; ok {
			a := amt
			p.Lines[i].Amount = &a
			applied++
		}
	}
	if applied > 0 {
		p.UpdatedAt = time.Now().UTC()
	}
	return applied
}

// ApplyTotalAmount splits total evenly across the lines that currently lack
// an amount. Lines already priced are left untouched, so repeated partial
// entries accumulate. Returns the number of lines updated.
func (p *Prescription) ApplyTotalAmount(total float64) int {
	var unpriced []int
	for i := range p.Lines {
		if !p.Lines[i].Priced() {
			unpriced = append(unpriced, i)
		}
	}
	if len(unpriced) == 0 {
		return 0
	}

	per := total / float64(len(unpriced))
	for _, i := range unpriced {
		a := per
		p.Lines[i].Amount = &a
	}
	p.UpdatedAt = time.Now().UTC()
	return len(unpriced)
}

// RedactedFor returns the prescription as the viewer may see it: patients
// get medication lines with the pricing stripped, every other role sees the
// prescription as stored. The receiver is never mutated.
func (p *Prescription) RedactedFor(viewer Role) *Prescription {
	if viewer != RolePatient {
		return p
	}
	out := *p
	out.Lines = make([]Line, len(p.Lines))
	copy(out.Lines, p.Lines)
	for i := range out.Lines {
		out.Lines[i].Amount = nil
	}
	return &out
}

// DueReminder is the read model the reminder pipeline works from: a
// prescription joined with the patient's contact details.
type DueReminder struct {
	Prescription Prescription
	PatientName  string
	PatientEmail string
}
