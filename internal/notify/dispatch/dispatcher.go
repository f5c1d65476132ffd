// Package dispatch builds medication reminders from prescription state and
// pushes them through the delivery channel. The scheduler and the manual
// send endpoint share this one construction path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/domain/prescription"
	"github.com/medloop/go-dpms/internal/notify/mailer"
	"github.com/medloop/go-dpms/internal/observability/metrics"
	"github.com/medloop/go-dpms/pkg/circuitbreaker"
)

var (
	// ErrNoMatchingLines indicates no medication line is scheduled for the
	// requested slot.
	ErrNoMatchingLines = errors.New("no medications scheduled for timing slot")
	// ErrNoContactAddress indicates the patient has no contact address.
	ErrNoContactAddress = errors.New("patient has no contact address")
)

// Trigger values recorded on dispatch outcomes.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Store is the prescription read boundary the dispatcher needs.
type Store interface {
	DueForSlot(ctx context.Context, slot prescription.Slot) ([]prescription.DueReminder, error)
	DueOne(ctx context.Context, id uuid.UUID) (*prescription.DueReminder, error)
}

// Channel is the outbound delivery boundary.
type Channel interface {
	Send(ctx context.Context, msg *mailer.Message) (*mailer.Receipt, error)
}

// Publisher receives dispatch outcome events. Publishing is best effort and
// never affects the dispatch result.
type Publisher interface {
	PublishDispatch(ctx context.Context, evt *Event) error
}

// Event is one dispatch outcome.
type Event struct {
	PrescriptionID uuid.UUID         `json:"prescription_id"`
	PatientID      uuid.UUID         `json:"patient_id"`
	Slot           prescription.Slot `json:"slot"`
	Trigger        string            `json:"trigger"`
	MessageID      string            `json:"message_id,omitempty"`
	Success        bool              `json:"success"`
	FailureKind    string            `json:"failure_kind,omitempty"`
	At             time.Time         `json:"at"`
}

// Dispatcher owns the shared notification construction path.
type Dispatcher struct {
	store     Store
	channel   Channel
	breaker   *circuitbreaker.Breaker
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a dispatcher.
func New(store Store, channel Channel, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		channel: channel,
		logger:  logger,
		tracer:  otel.Tracer("dispatch"),
	}
}

// SetBreaker guards channel sends with a circuit breaker.
func (d *Dispatcher) SetBreaker(b *circuitbreaker.Breaker) { d.breaker = b }

// SetPublisher enables dispatch outcome events.
func (d *Dispatcher) SetPublisher(p Publisher) { d.publisher = p }

// SetMetrics enables dispatch metrics.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// SendNow dispatches one reminder synchronously, outside the periodic
// cycle. Channel failures propagate to the caller classified.
func (d *Dispatcher) SendNow(ctx context.Context, prescriptionID uuid.UUID, slot prescription.Slot) (*mailer.Receipt, error) {
	due, err := d.store.DueOne(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, due, slot, TriggerManual)
}

// Dispatch builds the notification for one prescription and slot and sends
// it. Only the medication lines scheduled for the slot are included.
func (d *Dispatcher) Dispatch(ctx context.Context, due *prescription.DueReminder, slot prescription.Slot, trigger string) (*mailer.Receipt, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch_reminder",
		trace.WithAttributes(
			attribute.String("prescription_id", due.Prescription.ID.String()),
			attribute.String("slot", string(slot)),
			attribute.String("trigger", trigger),
		))
	defer span.End()

	lines := due.Prescription.LinesFor(slot)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingLines, slot)
	}
	if due.PatientEmail == "" {
		return nil, ErrNoContactAddress
	}

	items := make([]mailer.ReminderItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, mailer.ReminderItem{Name: l.MedicineName, Dosage: l.Dosage})
	}
	msg := mailer.ReminderMessage(due.PatientEmail, due.PatientName, items, slot.Label())

	receipt, err := d.send(ctx, msg)
	d.publishOutcome(ctx, due, slot, trigger, receipt, err)

	if err != nil {
		span.RecordError(err)
		if d.metrics != nil {
			d.metrics.MailSendFailures.WithLabelValues(failureKind(err)).Inc()
		}
		return nil, err
	}

	return receipt, nil
}

func (d *Dispatcher) send(ctx context.Context, msg *mailer.Message) (*mailer.Receipt, error) {
	if d.breaker == nil {
		return d.channel.Send(ctx, msg)
	}

	res, err := d.breaker.Execute(ctx, func() (any, error) {
		return d.channel.Send(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			// An open circuit means the relay is known-bad; report it as a
			// connection failure.
			return nil, &mailer.ChannelError{Kind: mailer.KindConnection, Err: err}
		}
		return nil, err
	}
	return res.(*mailer.Receipt), nil
}

func (d *Dispatcher) publishOutcome(ctx context.Context, due *prescription.DueReminder, slot prescription.Slot, trigger string, receipt *mailer.Receipt, sendErr error) {
	if d.publisher == nil {
		return
	}

	evt := &Event{
		PrescriptionID: due.Prescription.ID,
		PatientID:      due.Prescription.PatientID,
		Slot:           slot,
		Trigger:        trigger,
		Success:        sendErr == nil,
		At:             time.Now().UTC(),
	}
	if receipt != nil {
		evt.MessageID = receipt.MessageID
	}
	if sendErr != nil {
		evt.FailureKind = failureKind(sendErr)
	}

	if err := d.publisher.PublishDispatch(ctx, evt); err != nil {
		d.logger.Warn("dispatch event publish failed",
			zap.String("prescription_id", evt.PrescriptionID.String()),
			zap.Error(err),
		)
	} else if d.metrics != nil {
		d.metrics.DispatchEventsPublished.Inc()
	}
}

func failureKind(err error) string {
	var cerr *mailer.ChannelError
	if errors.As(err, &cerr) {
		return string(cerr.Kind)
	}
	return "other"
}
