package prescription

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestResolveRedactsOnlyWhenFullyPriced(t *testing.T) {
	amt := 5.0

	partially := &Prescription{Lines: []Line{
		{ID: uuid.New(), Amount: &amt},
		{ID: uuid.New()},
	}}
	for _, role := range []Role{RoleAdmin, RoleDoctor, RolePatient, RolePharmacist} {
		if !Resolve(partially, role).RevealPayload {
			t.Errorf("partially priced prescription hidden from %s", role)
		}
	}

	fully := &Prescription{Lines: []Line{
		{ID: uuid.New(), Amount: &amt},
		{ID: uuid.New(), Amount: &amt},
	}}
	for _, role := range []Role{RoleDoctor, RolePatient, RolePharmacist} {
		if Resolve(fully, role).RevealPayload {
			t.Errorf("fully priced prescription revealed to %s", role)
		}
	}
	if !Resolve(fully, RoleAdmin).RevealPayload {
		t.Error("fully priced prescription hidden from admin")
	}
}

func TestResolveZeroLinePrescriptionAlwaysRevealed(t *testing.T) {
	empty := &Prescription{}
	for _, role := range []Role{RoleAdmin, RoleDoctor, RolePatient, RolePharmacist} {
		if !Resolve(empty, role).RevealPayload {
			t.Errorf("zero-line prescription hidden from %s", role)
		}
	}
}

func TestRedactedForStripsLineAmountsForPatients(t *testing.T) {
	amt := 12.5
	p := &Prescription{Lines: []Line{
		{ID: uuid.New(), MedicineName: "Amlodipine", Amount: &amt},
		{ID: uuid.New(), MedicineName: "Metformin"},
	}}

	view := p.RedactedFor(RolePatient)
	for i, l := range view.Lines {
		if l.Amount != nil {
			t.Errorf("line %d amount survived patient redaction", i)
		}
	}
	if p.Lines[0].Amount == nil || *p.Lines[0].Amount != 12.5 {
		t.Fatal("redaction mutated the original prescription")
	}

	raw, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "12.5") {
		t.Fatal("patient response body still carries pricing")
	}

	for _, role := range []Role{RoleAdmin, RoleDoctor, RolePharmacist} {
		if got := p.RedactedFor(role); got.Lines[0].Amount == nil {
			t.Errorf("pricing hidden from %s", role)
		}
	}
}

// A two-line prescription dosed morning and night: pricing one line keeps the
// payload visible, pricing the second hides it for non-admins on the next
// read, with no further pricing activity in between.
func TestResolveFlipsAfterFinalLinePriced(t *testing.T) {
	p := &Prescription{Lines: []Line{
		{ID: uuid.New(), Timing: []Slot{SlotMorning}},
		{ID: uuid.New(), Timing: []Slot{SlotNight}},
	}}

	p.ApplyLineAmounts(map[uuid.UUID]float64{p.Lines[0].ID: 4})
	if !Resolve(p, RolePatient).RevealPayload {
		t.Fatal("payload hidden while one line is still unpriced")
	}

	p.ApplyLineAmounts(map[uuid.UUID]float64{p.Lines[1].ID: 6})
	if Resolve(p, RolePatient).RevealPayload {
		t.Fatal("payload still revealed after the final line was priced")
	}
	if !Resolve(p, RoleAdmin).RevealPayload {
		t.Fatal("admin lost access after full pricing")
	}
}
