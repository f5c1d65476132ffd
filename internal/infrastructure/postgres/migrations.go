package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrations are applied in order on startup. Statements are idempotent so
// every process can run them unconditionally.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		mobile TEXT,
		age INT,
		gender TEXT,
		role TEXT NOT NULL DEFAULT 'patient',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS medications (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		dosage TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS prescriptions (
		id UUID PRIMARY KEY,
		patient_id UUID NOT NULL REFERENCES users(id),
		doctor_id UUID NOT NULL REFERENCES users(id),
		disease TEXT NOT NULL,
		disease_type TEXT NOT NULL DEFAULT 'General',
		issued_at TIMESTAMPTZ NOT NULL,
		payload_issued BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS prescription_lines (
		id UUID PRIMARY KEY,
		prescription_id UUID NOT NULL REFERENCES prescriptions(id) ON DELETE CASCADE,
		medication_id UUID NOT NULL REFERENCES medications(id),
		timing TEXT[] NOT NULL DEFAULT '{}',
		amount NUMERIC(12, 2),
		position INT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS payloads (
		id UUID PRIMARY KEY,
		prescription_id UUID NOT NULL UNIQUE REFERENCES prescriptions(id),
		patient_id UUID NOT NULL REFERENCES users(id),
		doctor_id UUID NOT NULL REFERENCES users(id),
		artifact TEXT NOT NULL,
		snapshot JSONB NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS reminder_ledger (
		prescription_id UUID NOT NULL REFERENCES prescriptions(id) ON DELETE CASCADE,
		slot TEXT NOT NULL,
		sent_on DATE NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (prescription_id, slot, sent_on)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_due ON prescriptions(is_active, payload_issued)`,
	`CREATE INDEX IF NOT EXISTS idx_lines_prescription ON prescription_lines(prescription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payloads_patient ON payloads(patient_id)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	logger.Info("schema migrations applied", zap.Int("statements", len(migrations)))
	return nil
}
