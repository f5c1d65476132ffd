// Package ledger records which reminders went out, keyed by prescription,
// slot and calendar day. The scheduler consults it so a restart inside a
// trigger window does not re-send the same reminder.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/domain/prescription"
)

// Ledger is the PostgreSQL-backed sent record.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a ledger.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{pool: pool, logger: logger}
}

// AlreadySent reports whether a reminder for this prescription and slot was
// recorded on the given day.
func (l *Ledger) AlreadySent(ctx context.Context, prescriptionID uuid.UUID, slot prescription.Slot, day time.Time) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reminder_ledger
			WHERE prescription_id = $1 AND slot = $2 AND sent_on = $3
		)`,
		prescriptionID, string(slot), day.Format("2006-01-02"),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query reminder ledger: %w", err)
	}
	return exists, nil
}

// MarkSent records a delivered reminder. Recording the same day twice is a
// no-op.
func (l *Ledger) MarkSent(ctx context.Context, prescriptionID uuid.UUID, slot prescription.Slot, day time.Time) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO reminder_ledger (prescription_id, slot, sent_on, recorded_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (prescription_id, slot, sent_on) DO NOTHING`,
		prescriptionID, string(slot), day.Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("record reminder: %w", err)
	}
	return nil
}
