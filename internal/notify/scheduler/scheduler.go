// Package scheduler drives the three daily reminder triggers. Each timing
// slot has one fixed local trigger time; a run fans dispatch work out over a
// bounded worker pool and one item failing never aborts the rest.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/notify/dispatch"
	"github.com/medloop/go-dpms/internal/notify/mailer"
	"github.com/medloop/go-dpms/internal/observability/metrics"
	"github.com/medloop/go-dpms/pkg/workerpool"
)

// Skip reasons reported in run stats and metrics.
const (
	SkipStale     = "stale"
	SkipNoContact = "no_contact"
	SkipDuplicate = "already_sent"
)

// Dispatcher sends one reminder.
type Dispatcher interface {
	Dispatch(ctx context.Context, due *prescription.DueReminder, slot prescription.Slot, trigger string) (*mailer.Receipt, error)
}

// SentLedger answers whether a reminder already went out today. A nil ledger
// disables duplicate suppression.
type SentLedger interface {
	AlreadySent(ctx context.Context, prescriptionID uuid.UUID, slot prescription.Slot, day time.Time) (bool, error)
	MarkSent(ctx context.Context, prescriptionID uuid.UUID, slot prescription.Slot, day time.Time) error
}

// Config holds scheduler configuration.
type Config struct {
	// Hours maps each timing slot to its local trigger hour.
	Hours map[prescription.Slot]int
	// Location is the timezone the trigger hours are evaluated in.
	Location *time.Location
	// MaxAge excludes prescriptions older than this from periodic runs.
	MaxAge time.Duration
	// Concurrency is the dispatch fan-out width within one run.
	Concurrency int
}

// DefaultConfig returns the standard three-trigger day: morning 08:00,
// afternoon 14:00, night 20:00 local time, with a 90 day staleness cutoff.
func DefaultConfig() Config {
	return Config{
		Hours: map[prescription.Slot]int{
			prescription.SlotMorning:   8,
			prescription.SlotAfternoon: 14,
			prescription.SlotNight:     20,
		},
		Location:    time.Local,
		MaxAge:      90 * 24 * time.Hour,
		Concurrency: 4,
	}
}

// RunStats summarizes one trigger run.
type RunStats struct {
	Slot             prescription.Slot
	Matched          int
	Sent             int
	SkippedStale     int
	SkippedNoContact int
	SkippedDuplicate int
	Failed           int
}

// Scheduler owns the trigger loops.
type Scheduler struct {
	cfg        Config
	store      dispatch.Store
	dispatcher Dispatcher
	ledger     SentLedger
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. ledger may be nil.
func New(cfg Config, store dispatch.Store, dispatcher Dispatcher, ledger SentLedger, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Hours == nil {
		cfg.Hours = def.Hours
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		ledger:     ledger,
		logger:     logger,
		tracer:     otel.Tracer("scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetMetrics enables run metrics.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Start launches one trigger loop per timing slot.
func (s *Scheduler) Start() {
	for _, slot := range prescription.Slots {
		hour, ok := s.cfg.Hours[slot]
		if !ok {
			s.logger.Warn("no trigger hour for slot, skipping", zap.String("slot", string(slot)))
			continue
		}
		s.wg.Add(1)
		go s.run(slot, hour)
	}
	s.logger.Info("reminder scheduler started",
		zap.String("timezone", s.cfg.Location.String()),
		zap.Duration("max_age", s.cfg.MaxAge),
	)
}

// Stop halts the trigger loops and waits for an in-progress run to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) run(slot prescription.Slot, hour int) {
	defer s.wg.Done()

	for {
		next := nextTrigger(time.Now().In(s.cfg.Location), hour)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.ProcessSlot(s.ctx, slot)
		}
	}
}

// nextTrigger returns the next occurrence of the trigger hour strictly after
// now.
func nextTrigger(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ProcessSlot executes one trigger run for a slot: select active, issued
// prescriptions with a line scheduled for the slot, filter out stale and
// uncontactable ones, and dispatch the rest concurrently.
func (s *Scheduler) ProcessSlot(ctx context.Context, slot prescription.Slot) RunStats {
	ctx, span := s.tracer.Start(ctx, "reminder_run",
		trace.WithAttributes(attribute.String("slot", string(slot))))
	defer span.End()

	started := time.Now()
	stats := RunStats{Slot: slot}

	due, err := s.store.DueForSlot(ctx, slot)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("reminder run aborted, selection failed",
			zap.String("slot", string(slot)),
			zap.Error(err),
		)
		return stats
	}
	stats.Matched = len(due)

	now := time.Now()
	day := now.In(s.cfg.Location)

	pool, err := workerpool.New(workerpool.Config{
		Workers:   s.cfg.Concurrency,
		QueueSize: len(due) + 1,
	}, s.workerFunc(slot, day), s.logger)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("reminder run aborted", zap.Error(err))
		return stats
	}
	pool.Start()

	inFlight := 0
	for i := range due {
		item := &due[i]
		switch {
		case item.Prescription.OlderThan(now, s.cfg.MaxAge):
			stats.SkippedStale++
		case item.PatientEmail == "":
			stats.SkippedNoContact++
		case s.sentToday(ctx, item.Prescription.ID, slot, day):
			stats.SkippedDuplicate++
		default:
			task := &workerpool.Task{ID: item.Prescription.ID.String(), Payload: item}
			if err := pool.Submit(ctx, task); err != nil {
				stats.Failed++
				s.logger.Warn("dispatch not queued",
					zap.String("prescription_id", task.ID),
					zap.Error(err),
				)
				continue
			}
			inFlight++
		}
	}

	for i := 0; i < inFlight; i++ {
		res := <-pool.Results()
		if res.Err != nil {
			stats.Failed++
		} else {
			stats.Sent++
		}
	}
	pool.Stop()

	s.record(slot, stats, time.Since(started))
	return stats
}

func (s *Scheduler) workerFunc(slot prescription.Slot, day time.Time) workerpool.WorkerFunc {
	return func(ctx context.Context, task *workerpool.Task) error {
		item := task.Payload.(*prescription.DueReminder)

		if _, err := s.dispatcher.Dispatch(ctx, item, slot, dispatch.TriggerScheduled); err != nil {
			s.logger.Warn("reminder dispatch failed",
				zap.String("prescription_id", item.Prescription.ID.String()),
				zap.String("slot", string(slot)),
				zap.Error(err),
			)
			return err
		}

		if s.ledger != nil {
			if err := s.ledger.MarkSent(ctx, item.Prescription.ID, slot, day); err != nil {
				// The reminder went out; a ledger write failure only risks a
				// duplicate on restart.
				s.logger.Warn("sent ledger write failed",
					zap.String("prescription_id", item.Prescription.ID.String()),
					zap.Error(err),
				)
			}
		}
		return nil
	}
}

// sentToday fails open: a ledger read error must not suppress a reminder.
func (s *Scheduler) sentToday(ctx context.Context, id uuid.UUID, slot prescription.Slot, day time.Time) bool {
	if s.ledger == nil {
		return false
	}
	sent, err := s.ledger.AlreadySent(ctx, id, slot, day)
	if err != nil {
		s.logger.Warn("sent ledger read failed",
			zap.String("prescription_id", id.String()),
			zap.Error(err),
		)
		return false
	}
	return sent
}

func (s *Scheduler) record(slot prescription.Slot, stats RunStats, took time.Duration) {
	if s.metrics != nil {
		label := string(slot)
		s.metrics.RemindersSent.WithLabelValues(label).Add(float64(stats.Sent))
		s.metrics.RemindersFailed.WithLabelValues(label).Add(float64(stats.Failed))
		s.metrics.RemindersSkipped.WithLabelValues(label, SkipStale).Add(float64(stats.SkippedStale))
		s.metrics.RemindersSkipped.WithLabelValues(label, SkipNoContact).Add(float64(stats.SkippedNoContact))
		s.metrics.RemindersSkipped.WithLabelValues(label, SkipDuplicate).Add(float64(stats.SkippedDuplicate))
		s.metrics.ReminderRunDuration.WithLabelValues(label).Observe(took.Seconds())
	}

	s.logger.Info("reminder run complete",
		zap.String("slot", string(slot)),
		zap.Int("matched", stats.Matched),
		zap.Int("sent", stats.Sent),
		zap.Int("skipped_stale", stats.SkippedStale),
		zap.Int("skipped_no_contact", stats.SkippedNoContact),
		zap.Int("skipped_already_sent", stats.SkippedDuplicate),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", took),
	)
}
