package payload

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medloop/go-dpms/internal/domain/prescription"
)

// Repository provides PostgreSQL persistence for payloads and implements the
// issuer's Store boundary.
type Repository struct {
	pool          *pgxpool.Pool
	prescriptions *prescription.Repository
	logger        *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, prescriptions *prescription.Repository, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, prescriptions: prescriptions, logger: logger}
}

// SnapshotData loads the prescription with its lines plus the patient and
// doctor records needed for the snapshot.
func (r *Repository) SnapshotData(ctx context.Context, prescriptionID uuid.UUID) (*SnapshotData, error) {
	p, err := r.prescriptions.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	data := &SnapshotData{Prescription: *p}

	err = r.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(age, 0), COALESCE(gender, ''), COALESCE(mobile, ''), COALESCE(email, '')
		FROM users WHERE id = $1
	`, p.PatientID).Scan(&data.Patient.ID, &data.Patient.Name, &data.Patient.Age,
		&data.Patient.Gender, &data.Patient.Mobile, &data.Patient.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: patient %s", prescription.ErrNotFound, p.PatientID)
		}
		return nil, fmt.Errorf("query patient: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT id, name, role FROM users WHERE id = $1
	`, p.DoctorID).Scan(&data.Doctor.ID, &data.Doctor.Name, &data.Doctor.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: doctor %s", prescription.ErrNotFound, p.DoctorID)
		}
		return nil, fmt.Errorf("query doctor: %w", err)
	}

	return data, nil
}

// Issue writes the payload record and flips the prescription flag in a
// single transaction. A reader must never observe one without the other.
func (r *Repository) Issue(ctx context.Context, p *Payload, snapshot []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO payloads (id, prescription_id, patient_id, doctor_id, artifact, snapshot, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.PrescriptionID, p.PatientID, p.DoctorID, p.Artifact, snapshot, p.Active, p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyIssued
		}
		return fmt.Errorf("insert payload: %w", err)
	}

	if err := prescription.MarkPayloadIssued(ctx, tx, p.PrescriptionID, p.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByPrescription retrieves the payload issued for a prescription.
func (r *Repository) GetByPrescription(ctx context.Context, prescriptionID uuid.UUID) (*Payload, error) {
	p := &Payload{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, prescription_id, patient_id, doctor_id, artifact, is_active, created_at
		FROM payloads
		WHERE prescription_id = $1
	`, prescriptionID).Scan(&p.ID, &p.PrescriptionID, &p.PatientID, &p.DoctorID,
		&p.Artifact, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query payload: %w", err)
	}
	return p, nil
}

// ListByPatient retrieves a patient's active payloads, newest first.
func (r *Repository) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Payload, error) {
	return r.list(ctx, `
		SELECT id, prescription_id, patient_id, doctor_id, artifact, is_active, created_at
		FROM payloads
		WHERE patient_id = $1 AND is_active
		ORDER BY created_at DESC
	`, patientID)
}

// ListActive retrieves all active payloads.
func (r *Repository) ListActive(ctx context.Context) ([]Payload, error) {
	return r.list(ctx, `
		SELECT id, prescription_id, patient_id, doctor_id, artifact, is_active, created_at
		FROM payloads
		WHERE is_active
		ORDER BY created_at DESC
	`)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Payload, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payloads: %w", err)
	}
	defer rows.Close()

	var out []Payload
	for rows.Next() {
		var p Payload
		err := rows.Scan(&p.ID, &p.PrescriptionID, &p.PatientID, &p.DoctorID,
			&p.Artifact, &p.Active, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
