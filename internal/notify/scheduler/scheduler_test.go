package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/notify/mailer"
)

type fakeStore struct {
	due []prescription.DueReminder
	err error
}

func (s *fakeStore) DueForSlot(ctx context.Context, slot prescription.Slot) ([]prescription.DueReminder, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.due, nil
}

func (s *fakeStore) DueOne(ctx context.Context, id uuid.UUID) (*prescription.DueReminder, error) {
	return nil, prescription.ErrNotFound
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []uuid.UUID
	ctxSeen []context.Context
	failFor map[uuid.UUID]error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, due *prescription.DueReminder, slot prescription.Slot, trigger string) (*mailer.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctxSeen = append(d.ctxSeen, ctx)
	if err, ok := d.failFor[due.Prescription.ID]; ok {
		return nil, err
	}
	d.sent = append(d.sent, due.Prescription.ID)
	return &mailer.Receipt{MessageID: "m", To: due.PatientEmail}, nil
}

type fakeLedger struct {
	mu     sync.Mutex
	sent   map[string]bool
	marked []uuid.UUID
	err    error
}

func ledgerKey(id uuid.UUID, slot prescription.Slot) string {
	return id.String() + "/" + string(slot)
}

func (l *fakeLedger) AlreadySent(ctx context.Context, id uuid.UUID, slot prescription.Slot, day time.Time) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[ledgerKey(id, slot)], nil
}

func (l *fakeLedger) MarkSent(ctx context.Context, id uuid.UUID, slot prescription.Slot, day time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sent == nil {
		l.sent = map[string]bool{}
	}
	l.sent[ledgerKey(id, slot)] = true
	l.marked = append(l.marked, id)
	return nil
}

func due(age time.Duration, email string) prescription.DueReminder {
	return prescription.DueReminder{
		Prescription: prescription.Prescription{
			ID:       uuid.New(),
			IssuedAt: time.Now().Add(-age),
			Active:   true,
			Lines: []prescription.Line{
				{ID: uuid.New(), MedicineName: "Med", Timing: []prescription.Slot{prescription.SlotMorning}},
			},
		},
		PatientName:  "Pat",
		PatientEmail: email,
	}
}

func newTestScheduler(store *fakeStore, disp Dispatcher, l SentLedger) *Scheduler {
	return New(Config{Concurrency: 2}, store, disp, l, nil)
}

func TestProcessSlotSendsAndCounts(t *testing.T) {
	store := &fakeStore{due: []prescription.DueReminder{
		due(24*time.Hour, "a@example.com"),
		due(48*time.Hour, "b@example.com"),
	}}
	disp := &fakeDispatcher{}
	s := newTestScheduler(store, disp, &fakeLedger{})

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if stats.Matched != 2 || stats.Sent != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(disp.sent) != 2 {
		t.Fatalf("dispatched %d, want 2", len(disp.sent))
	}
}

func TestProcessSlotSkipsStale(t *testing.T) {
	stale := due(91*24*time.Hour, "old@example.com")
	fresh := due(time.Hour, "new@example.com")
	store := &fakeStore{due: []prescription.DueReminder{stale, fresh}}
	disp := &fakeDispatcher{}
	s := newTestScheduler(store, disp, nil)

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if stats.SkippedStale != 1 || stats.Sent != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(disp.sent) != 1 || disp.sent[0] != fresh.Prescription.ID {
		t.Fatal("stale prescription was dispatched")
	}
}

func TestProcessSlotSkipsMissingContact(t *testing.T) {
	store := &fakeStore{due: []prescription.DueReminder{
		due(time.Hour, ""),
		due(time.Hour, "ok@example.com"),
	}}
	disp := &fakeDispatcher{}
	s := newTestScheduler(store, disp, nil)

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if stats.SkippedNoContact != 1 || stats.Sent != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProcessSlotFailureIsolation(t *testing.T) {
	bad := due(time.Hour, "bad@example.com")
	good1 := due(time.Hour, "g1@example.com")
	good2 := due(time.Hour, "g2@example.com")
	store := &fakeStore{due: []prescription.DueReminder{bad, good1, good2}}
	disp := &fakeDispatcher{failFor: map[uuid.UUID]error{
		bad.Prescription.ID: &mailer.ChannelError{Kind: mailer.KindRejected, Err: errors.New("550")},
	}}
	s := newTestScheduler(store, disp, nil)

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if stats.Failed != 1 {
		t.Fatalf("failed = %d, want 1", stats.Failed)
	}
	if stats.Sent != 2 {
		t.Fatalf("sent = %d, want 2: one bad item must not abort the run", stats.Sent)
	}
}

func TestProcessSlotSkipsAlreadySent(t *testing.T) {
	item := due(time.Hour, "a@example.com")
	l := &fakeLedger{sent: map[string]bool{
		ledgerKey(item.Prescription.ID, prescription.SlotMorning): true,
	}}
	store := &fakeStore{due: []prescription.DueReminder{item}}
	disp := &fakeDispatcher{}
	s := newTestScheduler(store, disp, l)

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if stats.SkippedDuplicate != 1 || stats.Sent != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(disp.sent) != 0 {
		t.Fatal("already-sent reminder was dispatched again")
	}
}

func TestProcessSlotMarksLedgerOnSuccess(t *testing.T) {
	item := due(time.Hour, "a@example.com")
	l := &fakeLedger{}
	store := &fakeStore{due: []prescription.DueReminder{item}}
	s := newTestScheduler(store, &fakeDispatcher{}, l)

	s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if len(l.marked) != 1 || l.marked[0] != item.Prescription.ID {
		t.Fatalf("ledger marks = %v", l.marked)
	}
}

type runIDKey struct{}

func TestProcessSlotDispatchesUnderRunContext(t *testing.T) {
	store := &fakeStore{due: []prescription.DueReminder{due(time.Hour, "a@example.com")}}
	disp := &fakeDispatcher{}
	s := newTestScheduler(store, disp, nil)

	ctx := context.WithValue(context.Background(), runIDKey{}, "morning-run")
	s.ProcessSlot(ctx, prescription.SlotMorning)

	if len(disp.ctxSeen) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(disp.ctxSeen))
	}
	if v := disp.ctxSeen[0].Value(runIDKey{}); v != "morning-run" {
		t.Fatalf("dispatch ran outside the run context, value = %v", v)
	}
}

func TestProcessSlotLedgerReadFailsOpen(t *testing.T) {
	item := due(time.Hour, "a@example.com")
	store := &fakeStore{due: []prescription.DueReminder{item}}
	disp := &fakeDispatcher{}
	s := newTestScheduler(store, disp, &fakeLedger{err: errors.New("db down")})

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)

	if stats.Sent != 1 {
		t.Fatalf("a ledger read error must not suppress the reminder: %+v", stats)
	}
}

func TestProcessSlotSelectionFailure(t *testing.T) {
	s := newTestScheduler(&fakeStore{err: errors.New("db down")}, &fakeDispatcher{}, nil)

	stats := s.ProcessSlot(context.Background(), prescription.SlotMorning)
	if stats.Matched != 0 || stats.Sent != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestNextTrigger(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 7, 30, 0, 0, loc)

	next := nextTrigger(now, 8)
	if !next.Equal(time.Date(2026, 3, 10, 8, 0, 0, 0, loc)) {
		t.Fatalf("before the hour: next = %v", next)
	}

	next = nextTrigger(time.Date(2026, 3, 10, 8, 0, 0, 0, loc), 8)
	if !next.Equal(time.Date(2026, 3, 11, 8, 0, 0, 0, loc)) {
		t.Fatalf("exactly at the hour: next = %v", next)
	}

	next = nextTrigger(time.Date(2026, 3, 10, 21, 0, 0, 0, loc), 20)
	if !next.Equal(time.Date(2026, 3, 11, 20, 0, 0, 0, loc)) {
		t.Fatalf("after the hour: next = %v", next)
	}
}

func TestDefaultConfigTriggerHours(t *testing.T) {
	cfg := DefaultConfig()
	want := map[prescription.Slot]int{
		prescription.SlotMorning:   8,
		prescription.SlotAfternoon: 14,
		prescription.SlotNight:     20,
	}
	for slot, hour := range want {
		if cfg.Hours[slot] != hour {
			t.Errorf("hour for %s = %d, want %d", slot, cfg.Hours[slot], hour)
		}
	}
	if cfg.MaxAge != 90*24*time.Hour {
		t.Errorf("max age = %v", cfg.MaxAge)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakeDispatcher{}, nil)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
