package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/medloop/go-dpms/internal/domain/payload"
	"github.com/medloop/go-dpms/internal/domain/prescription"
)

type fakeIssuer struct {
	out *payload.Payload
	err error
}

func (f *fakeIssuer) Issue(ctx context.Context, prescriptionID uuid.UUID) (*payload.Payload, error) {
	return f.out, f.err
}

type fakePayloadStore struct {
	byPrescription map[uuid.UUID]*payload.Payload
	listOut        []payload.Payload

	getErr  error
	listErr error
}

func (s *fakePayloadStore) GetByPrescription(ctx context.Context, prescriptionID uuid.UUID) (*payload.Payload, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.byPrescription[prescriptionID]
	if !ok {
		return nil, payload.ErrNotFound
	}
	return p, nil
}

func (s *fakePayloadStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]payload.Payload, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.listOut, nil
}

func (s *fakePayloadStore) ListActive(ctx context.Context) ([]payload.Payload, error) {
	return s.listOut, s.listErr
}

func issuedPayload(rx *prescription.Prescription) payload.Payload {
	return payload.Payload{
		ID:             uuid.New(),
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		DoctorID:       rx.DoctorID,
		Artifact:       "data:image/png;base64,aGVsbG8=",
		Active:         true,
	}
}

func TestMineBatchLoadsPrescriptions(t *testing.T) {
	patientID := uuid.New()
	amt := 4.0

	unpriced := pricedPrescription(patientID)
	unpriced.Lines[0].Amount = nil
	priced := pricedPrescription(patientID)
	priced.Lines[0].Amount = &amt

	payloads := &fakePayloadStore{listOut: []payload.Payload{
		issuedPayload(unpriced),
		issuedPayload(priced),
	}}
	rxStore := &fakePrescriptionStore{listOut: []prescription.Prescription{*unpriced, *priced}}
	h := NewPayloadHandler(&fakeIssuer{}, payloads, rxStore, nil, nil)

	rec := serve(t, h.Routes(), asPrincipal(prescription.RolePatient, patientID),
		http.MethodGet, "/mine", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	if rxStore.listCalls != 1 {
		t.Fatalf("prescription list calls = %d, want 1", rxStore.listCalls)
	}
	if rxStore.getCalls != 0 {
		t.Fatalf("per-payload prescription gets = %d, want 0", rxStore.getCalls)
	}
	if rxStore.lastList.PatientID == nil || *rxStore.lastList.PatientID != patientID {
		t.Fatalf("list filter = %+v, want the caller's patient id", rxStore.lastList)
	}

	var got []payload.Payload
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("payloads = %d, want 2", len(got))
	}
	byRx := map[uuid.UUID]payload.Payload{}
	for _, p := range got {
		byRx[p.PrescriptionID] = p
	}
	if byRx[unpriced.ID].Artifact == "" {
		t.Fatal("artifact withheld while a line is still unpriced")
	}
	if byRx[priced.ID].Artifact != "" {
		t.Fatal("artifact revealed after full pricing")
	}
}

func TestMineSkipsPayloadWithoutPrescription(t *testing.T) {
	patientID := uuid.New()
	orphan := pricedPrescription(patientID)

	payloads := &fakePayloadStore{listOut: []payload.Payload{issuedPayload(orphan)}}
	rxStore := &fakePrescriptionStore{}
	h := NewPayloadHandler(&fakeIssuer{}, payloads, rxStore, nil, nil)

	rec := serve(t, h.Routes(), asPrincipal(prescription.RolePatient, patientID),
		http.MethodGet, "/mine", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got []payload.Payload
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("payloads = %d, want 0", len(got))
	}
}

func TestGetByPrescriptionDistinguishesMissingFromFailing(t *testing.T) {
	h := NewPayloadHandler(&fakeIssuer{}, &fakePayloadStore{}, &fakePrescriptionStore{}, nil, nil)
	rec := serve(t, h.Routes(), asPrincipal(prescription.RoleDoctor, uuid.New()),
		http.MethodGet, "/prescription/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing payload: status = %d", rec.Code)
	}

	h = NewPayloadHandler(&fakeIssuer{}, &fakePayloadStore{getErr: errors.New("connection reset")}, &fakePrescriptionStore{}, nil, nil)
	rec = serve(t, h.Routes(), asPrincipal(prescription.RoleDoctor, uuid.New()),
		http.MethodGet, "/prescription/"+uuid.NewString(), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("store failure: status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "not found") {
		t.Fatal("store failure reported as a missing payload")
	}
}

func TestGetByPrescriptionPrescriptionLoadFailure(t *testing.T) {
	rx := pricedPrescription(uuid.New())
	p := issuedPayload(rx)
	payloads := &fakePayloadStore{byPrescription: map[uuid.UUID]*payload.Payload{rx.ID: &p}}

	h := NewPayloadHandler(&fakeIssuer{}, payloads, &fakePrescriptionStore{getErr: errors.New("connection reset")}, nil, nil)
	rec := serve(t, h.Routes(), asPrincipal(prescription.RoleDoctor, uuid.New()),
		http.MethodGet, "/prescription/"+rx.ID.String(), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "not found") {
		t.Fatal("store failure reported as a missing prescription")
	}
}

func TestGetByPrescriptionRedactsWhenFullyPriced(t *testing.T) {
	rx := pricedPrescription(uuid.New())
	p := issuedPayload(rx)
	payloads := &fakePayloadStore{byPrescription: map[uuid.UUID]*payload.Payload{rx.ID: &p}}
	rxStore := &fakePrescriptionStore{byID: map[uuid.UUID]*prescription.Prescription{rx.ID: rx}}
	h := NewPayloadHandler(&fakeIssuer{}, payloads, rxStore, nil, nil)

	rec := serve(t, h.Routes(), asPrincipal(prescription.RoleDoctor, uuid.New()),
		http.MethodGet, "/prescription/"+rx.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got payload.Payload
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Artifact != "" {
		t.Fatal("artifact revealed to a doctor after full pricing")
	}

	rec = serve(t, h.Routes(), asPrincipal(prescription.RoleAdmin, uuid.New()),
		http.MethodGet, "/prescription/"+rx.ID.String(), nil)
	got = payload.Payload{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Artifact == "" {
		t.Fatal("artifact withheld from an admin")
	}
}
