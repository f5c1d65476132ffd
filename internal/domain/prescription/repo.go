package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository provides PostgreSQL persistence for prescriptions.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Filter narrows List results.
type Filter struct {
	PatientID      *uuid.UUID
	ActiveOnly     bool
	IssuedOnly     bool
	PendingAmounts bool
}

// Create persists a prescription and its medication lines.
func (r *Repository) Create(ctx context.Context, p *Prescription) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions
		(id, patient_id, doctor_id, disease, disease_type, issued_at, payload_issued, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.PatientID, p.DoctorID, p.Disease, p.DiseaseType, p.IssuedAt, p.PayloadIssued, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	for i := range p.Lines {
		l := &p.Lines[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO prescription_lines (id, prescription_id, medication_id, timing, amount, position)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, l.ID, p.ID, l.MedicationID, timingStrings(l.Timing), l.Amount, i)
		if err != nil {
			return fmt.Errorf("insert line %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get retrieves a prescription with its lines.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p := &Prescription{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, disease, disease_type, issued_at, payload_issued, is_active, created_at, updated_at
		FROM prescriptions
		WHERE id = $1
	`, id).Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.Disease, &p.DiseaseType,
		&p.IssuedAt, &p.PayloadIssued, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query prescription: %w", err)
	}

	lines, err := r.loadLines(ctx, []uuid.UUID{p.ID})
	if err != nil {
		return nil, err
	}
	p.Lines = lines[p.ID]
	return p, nil
}

// List retrieves prescriptions matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Prescription, error) {
	query := `
		SELECT id, patient_id, doctor_id, disease, disease_type, issued_at, payload_issued, is_active, created_at, updated_at
		FROM prescriptions
		WHERE 1=1
	`
	var args []any
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		query += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if f.ActiveOnly {
		query += " AND is_active"
	}
	if f.IssuedOnly {
		query += " AND payload_issued"
	}
	if f.PendingAmounts {
		query += " AND EXISTS (SELECT 1 FROM prescription_lines l WHERE l.prescription_id = prescriptions.id AND l.amount IS NULL)"
	}
	query += " ORDER BY issued_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var out []Prescription
	var ids []uuid.UUID
	for rows.Next() {
		var p Prescription
		err := rows.Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.Disease, &p.DiseaseType,
			&p.IssuedAt, &p.PayloadIssued, &p.Active, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	lines, err := r.loadLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, nil
}

// SoftDelete deactivates a prescription without removing the record.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE prescriptions SET is_active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyLineAmounts records explicitly addressed amounts and persists the
// result. Keys match either a line ID or a medication ID.
func (r *Repository) ApplyLineAmounts(ctx context.Context, id uuid.UUID, amounts map[uuid.UUID]float64) (*Prescription, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if applied := p.ApplyLineAmounts(amounts); applied == 0 {
		return p, nil
	}
	if err := r.saveAmounts(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyTotalAmount splits a single total across the unpriced lines and
// persists the result.
func (r *Repository) ApplyTotalAmount(ctx context.Context, id uuid.UUID, total float64) (*Prescription, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if applied := p.ApplyTotalAmount(total); applied == 0 {
		return p, nil
	}
	if err := r.saveAmounts(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) saveAmounts(ctx context.Context, p *Prescription) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range p.Lines {
		l := &p.Lines[i]
		_, err = tx.Exec(ctx,
			`UPDATE prescription_lines SET amount = $1 WHERE id = $2 AND prescription_id = $3`,
			l.Amount, l.ID, p.ID)
		if err != nil {
			return fmt.Errorf("update line amount: %w", err)
		}
	}
	_, err = tx.Exec(ctx,
		`UPDATE prescriptions SET updated_at = NOW() WHERE id = $1`, p.ID)
	if err != nil {
		return fmt.Errorf("touch prescription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DueForSlot returns active, payload-issued prescriptions with at least one
// line scheduled for slot, joined with the patient's contact details. The
// staleness and contact filters are applied by the caller so skips can be
// counted per run.
func (r *Repository) DueForSlot(ctx context.Context, slot Slot) ([]DueReminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.patient_id, p.doctor_id, p.disease, p.disease_type, p.issued_at,
		       p.payload_issued, p.is_active, p.created_at, p.updated_at,
		       COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM prescriptions p
		LEFT JOIN users u ON u.id = p.patient_id
		WHERE p.is_active
		  AND p.payload_issued
		  AND EXISTS (
			SELECT 1 FROM prescription_lines l
			WHERE l.prescription_id = p.id AND $1 = ANY(l.timing)
		  )
		ORDER BY p.issued_at DESC
	`, string(slot))
	if err != nil {
		return nil, fmt.Errorf("query due prescriptions: %w", err)
	}
	defer rows.Close()

	var out []DueReminder
	var ids []uuid.UUID
	for rows.Next() {
		var d DueReminder
		p := &d.Prescription
		err := rows.Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.Disease, &p.DiseaseType,
			&p.IssuedAt, &p.PayloadIssued, &p.Active, &p.CreatedAt, &p.UpdatedAt,
			&d.PatientName, &d.PatientEmail)
		if err != nil {
			return nil, fmt.Errorf("scan due prescription: %w", err)
		}
		out = append(out, d)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	lines, err := r.loadLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Prescription.Lines = lines[out[i].Prescription.ID]
	}
	return out, nil
}

// DueOne loads a single prescription in reminder read-model form.
func (r *Repository) DueOne(ctx context.Context, id uuid.UUID) (*DueReminder, error) {
	d := &DueReminder{}
	p := &d.Prescription
	err := r.pool.QueryRow(ctx, `
		SELECT p.id, p.patient_id, p.doctor_id, p.disease, p.disease_type, p.issued_at,
		       p.payload_issued, p.is_active, p.created_at, p.updated_at,
		       COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM prescriptions p
		LEFT JOIN users u ON u.id = p.patient_id
		WHERE p.id = $1
	`, id).Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.Disease, &p.DiseaseType,
		&p.IssuedAt, &p.PayloadIssued, &p.Active, &p.CreatedAt, &p.UpdatedAt,
		&d.PatientName, &d.PatientEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query due prescription: %w", err)
	}

	lines, err := r.loadLines(ctx, []uuid.UUID{p.ID})
	if err != nil {
		return nil, err
	}
	p.Lines = lines[p.ID]
	return d, nil
}

// MarkPayloadIssued flips the payload-issued flag inside an existing
// transaction. Used by the payload issuer so the flag flip and the payload
// insert commit together.
func MarkPayloadIssued(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE prescriptions SET payload_issued = true, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark payload issued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) loadLines(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Line, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.id, l.prescription_id, l.medication_id, l.timing, l.amount,
		       COALESCE(m.name, ''), COALESCE(m.dosage, '')
		FROM prescription_lines l
		LEFT JOIN medications m ON m.id = l.medication_id
		WHERE l.prescription_id = ANY($1)
		ORDER BY l.prescription_id, l.position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Line, len(ids))
	for rows.Next() {
		var l Line
		var pid uuid.UUID
		var timing []string
		err := rows.Scan(&l.ID, &pid, &l.MedicationID, &timing, &l.Amount, &l.MedicineName, &l.Dosage)
		if err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.Timing = slotsFromStrings(timing)
		out[pid] = append(out[pid], l)
	}
	return out, rows.Err()
}

func timingStrings(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = string(s)
	}
	return out
}

func slotsFromStrings(vals []string) []Slot {
	out := make([]Slot, len(vals))
	for i, v := range vals {
		out[i] = Slot(v)
	}
	return out
}
