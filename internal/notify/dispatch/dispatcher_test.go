package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/notify/mailer"
)

type fakeStore struct {
	due    map[uuid.UUID]*prescription.DueReminder
	forErr error
}

func (s *fakeStore) DueForSlot(ctx context.Context, slot prescription.Slot) ([]prescription.DueReminder, error) {
	if s.forErr != nil {
		return nil, s.forErr
	}
	var out []prescription.DueReminder
	for _, d := range s.due {
		out = append(out, *d)
	}
	return out, nil
}

func (s *fakeStore) DueOne(ctx context.Context, id uuid.UUID) (*prescription.DueReminder, error) {
	d, ok := s.due[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return d, nil
}

type fakeChannel struct {
	sent []*mailer.Message
	err  error
}

func (c *fakeChannel) Send(ctx context.Context, msg *mailer.Message) (*mailer.Receipt, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.sent = append(c.sent, msg)
	return &mailer.Receipt{MessageID: "msg-1", To: msg.To}, nil
}

type fakePublisher struct {
	events []*Event
	err    error
}

func (p *fakePublisher) PublishDispatch(ctx context.Context, evt *Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func dueFixture(email string) *prescription.DueReminder {
	return &prescription.DueReminder{
		Prescription: prescription.Prescription{
			ID:        uuid.New(),
			PatientID: uuid.New(),
			IssuedAt:  time.Now(),
			Active:    true,
			Lines: []prescription.Line{
				{ID: uuid.New(), MedicineName: "Amlodipine", Dosage: "5mg", Timing: []prescription.Slot{prescription.SlotMorning, prescription.SlotNight}},
				{ID: uuid.New(), MedicineName: "Ibuprofen", Dosage: "200mg", Timing: []prescription.Slot{prescription.SlotAfternoon}},
			},
		},
		PatientName:  "Asha",
		PatientEmail: email,
	}
}

func TestSendNowHappyPath(t *testing.T) {
	due := dueFixture("pat@example.com")
	store := &fakeStore{due: map[uuid.UUID]*prescription.DueReminder{due.Prescription.ID: due}}
	channel := &fakeChannel{}
	d := New(store, channel, nil)

	receipt, err := d.SendNow(context.Background(), due.Prescription.ID, prescription.SlotMorning)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if receipt.To != "pat@example.com" {
		t.Fatalf("receipt to = %q", receipt.To)
	}
	if len(channel.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(channel.sent))
	}
}

func TestSendNowUnknownPrescription(t *testing.T) {
	d := New(&fakeStore{due: map[uuid.UUID]*prescription.DueReminder{}}, &fakeChannel{}, nil)

	_, err := d.SendNow(context.Background(), uuid.New(), prescription.SlotMorning)
	if !errors.Is(err, prescription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatchNoMatchingLines(t *testing.T) {
	due := dueFixture("pat@example.com")
	// Only morning and afternoon/night lines exist; strip night.
	due.Prescription.Lines = due.Prescription.Lines[1:2] // afternoon only
	channel := &fakeChannel{}
	d := New(&fakeStore{}, channel, nil)

	_, err := d.Dispatch(context.Background(), due, prescription.SlotNight, TriggerManual)
	if !errors.Is(err, ErrNoMatchingLines) {
		t.Fatalf("expected ErrNoMatchingLines, got %v", err)
	}
	if len(channel.sent) != 0 {
		t.Fatal("no message should be sent when no line matches the slot")
	}
}

func TestDispatchNoContactAddress(t *testing.T) {
	due := dueFixture("")
	channel := &fakeChannel{}
	d := New(&fakeStore{}, channel, nil)

	_, err := d.Dispatch(context.Background(), due, prescription.SlotMorning, TriggerManual)
	if !errors.Is(err, ErrNoContactAddress) {
		t.Fatalf("expected ErrNoContactAddress, got %v", err)
	}
	if len(channel.sent) != 0 {
		t.Fatal("no message should be sent without a contact address")
	}
}

func TestDispatchIncludesOnlyMatchingLines(t *testing.T) {
	due := dueFixture("pat@example.com")
	channel := &fakeChannel{}
	d := New(&fakeStore{}, channel, nil)

	if _, err := d.Dispatch(context.Background(), due, prescription.SlotAfternoon, TriggerScheduled); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	body := channel.sent[0].Text
	if !strings.Contains(body, "Ibuprofen") {
		t.Fatal("afternoon medication missing from body")
	}
	if strings.Contains(body, "Amlodipine") {
		t.Fatal("non-afternoon medication leaked into body")
	}
	if !strings.Contains(body, prescription.SlotAfternoon.Label()) {
		t.Fatal("slot label missing from body")
	}
}

func TestDispatchPublishesOutcome(t *testing.T) {
	due := dueFixture("pat@example.com")
	pub := &fakePublisher{}
	d := New(&fakeStore{}, &fakeChannel{}, nil)
	d.SetPublisher(pub)

	if _, err := d.Dispatch(context.Background(), due, prescription.SlotMorning, TriggerScheduled); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	evt := pub.events[0]
	if !evt.Success || evt.Trigger != TriggerScheduled || evt.Slot != prescription.SlotMorning {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.MessageID != "msg-1" {
		t.Fatalf("event message id = %q", evt.MessageID)
	}
}

func TestDispatchPublishesFailureOutcome(t *testing.T) {
	due := dueFixture("pat@example.com")
	pub := &fakePublisher{}
	sendErr := &mailer.ChannelError{Kind: mailer.KindAuth, Err: errors.New("535")}
	d := New(&fakeStore{}, &fakeChannel{err: sendErr}, nil)
	d.SetPublisher(pub)

	_, err := d.Dispatch(context.Background(), due, prescription.SlotMorning, TriggerManual)
	var cerr *mailer.ChannelError
	if !errors.As(err, &cerr) || cerr.Kind != mailer.KindAuth {
		t.Fatalf("expected auth channel error, got %v", err)
	}

	if len(pub.events) != 1 || pub.events[0].Success {
		t.Fatalf("expected one failure event, got %+v", pub.events)
	}
	if pub.events[0].FailureKind != "auth" {
		t.Fatalf("failure kind = %q", pub.events[0].FailureKind)
	}
}

func TestDispatchPublishFailureDoesNotFailDispatch(t *testing.T) {
	due := dueFixture("pat@example.com")
	d := New(&fakeStore{}, &fakeChannel{}, nil)
	d.SetPublisher(&fakePublisher{err: errors.New("broker down")})

	if _, err := d.Dispatch(context.Background(), due, prescription.SlotMorning, TriggerScheduled); err != nil {
		t.Fatalf("publish failure must not fail the dispatch: %v", err)
	}
}
