package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// PostgresStorage persists sequences and enrollments in postgres. Steps,
// client id sets and fact snapshots are stored as jsonb columns. The
// enrollments table carries a partial unique index on (sequence_id, client_id)
// WHERE status = 'active' and a version column for compare-and-swap updates.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger internal.Logger
}

func NewPostgresStorage(dsn string, logger internal.Logger) (*PostgresStorage, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Errorf("failed to connect to postgres: %v", err)
		return nil, err
	}
	s := &PostgresStorage{pool: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		logger.Errorf("failed to ensure schema: %v", err)
		return nil, err
	}
	return s, nil
}

func (p *PostgresStorage) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sequences (
			id            text PRIMARY KEY,
			coach_id      text NOT NULL,
			name          text NOT NULL,
			trigger_event text NOT NULL,
			is_active     boolean NOT NULL DEFAULT false,
			client_ids    jsonb NOT NULL DEFAULT 'null',
			steps         jsonb NOT NULL DEFAULT '[]',
			created_at    timestamptz NOT NULL,
			updated_at    timestamptz NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sequences_trigger ON sequences (trigger_event) WHERE is_active;

		CREATE TABLE IF NOT EXISTS enrollments (
			id                 text PRIMARY KEY,
			sequence_id        text NOT NULL REFERENCES sequences (id) ON DELETE CASCADE,
			client_id          text NOT NULL,
			current_step_order integer NOT NULL,
			enrolled_at        timestamptz NOT NULL,
			step_entered_at    timestamptz NOT NULL,
			status             text NOT NULL,
			facts              jsonb NOT NULL DEFAULT 'null',
			attempts           integer NOT NULL DEFAULT 0,
			dispatch_ids       jsonb NOT NULL DEFAULT 'null',
			failure_reason     text NOT NULL DEFAULT '',
			version            bigint NOT NULL DEFAULT 0,
			updated_at         timestamptz NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active
			ON enrollments (sequence_id, client_id) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_enrollments_sequence ON enrollments (sequence_id) WHERE status = 'active';
	`)
	return err
}

func (p *PostgresStorage) Close() {
	p.pool.Close()
}

// --- SequenceRepository ---

func (p *PostgresStorage) SaveSequence(ctx context.Context, seq *internal.Sequence) error {
	steps, err := json.Marshal(seq.Steps)
	if err != nil {
		return err
	}
	clientIDs, err := json.Marshal(seq.ClientIDs)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sequences (id, coach_id, name, trigger_event, is_active, client_ids, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			trigger_event = EXCLUDED.trigger_event,
			is_active = EXCLUDED.is_active,
			client_ids = EXCLUDED.client_ids,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at`,
		seq.ID, seq.CoachID, seq.Name, seq.TriggerEvent, seq.IsActive, clientIDs, steps, seq.CreatedAt, seq.UpdatedAt)
	if err != nil {
		p.logger.Errorf("failed to upsert sequence: %v", err)
		return err
	}
	return nil
}

func (p *PostgresStorage) GetSequence(ctx context.Context, id string) (*internal.Sequence, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, coach_id, name, trigger_event, is_active, client_ids, steps, created_at, updated_at
		FROM sequences WHERE id = $1`, id)
	seq, err := scanSequence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, internal.ErrNotFound
		}
		p.logger.Errorf("failed to get sequence: %v", err)
		return nil, err
	}
	return sortedSteps(seq), nil
}

func (p *PostgresStorage) ListSequences(ctx context.Context, coachID string) ([]internal.Sequence, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, coach_id, name, trigger_event, is_active, client_ids, steps, created_at, updated_at
		FROM sequences WHERE ($1 = '' OR coach_id = $1) ORDER BY created_at`, coachID)
	if err != nil {
		p.logger.Errorf("failed to query sequences: %v", err)
		return nil, err
	}
	defer rows.Close()
	return collectSequences(rows)
}

func (p *PostgresStorage) ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]internal.Sequence, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, coach_id, name, trigger_event, is_active, client_ids, steps, created_at, updated_at
		FROM sequences WHERE is_active AND trigger_event = $1`, triggerEvent)
	if err != nil {
		p.logger.Errorf("failed to query sequences by trigger: %v", err)
		return nil, err
	}
	defer rows.Close()
	return collectSequences(rows)
}

func (p *PostgresStorage) DeleteSequence(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sequences WHERE id = $1`, id)
	if err != nil {
		p.logger.Errorf("failed to delete sequence: %v", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return internal.ErrNotFound
	}
	return nil
}

// --- EnrollmentRepository ---

func (p *PostgresStorage) CreateEnrollment(ctx context.Context, e *internal.Enrollment) error {
	facts, err := json.Marshal(e.Facts)
	if err != nil {
		return err
	}
	dispatchIDs, err := json.Marshal(e.DispatchIDs)
	if err != nil {
		return err
	}
	// The partial unique index makes the duplicate check race-free.
	var exists bool
	err = p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE sequence_id = $1 AND client_id = $2 AND status = 'active')`,
		e.SequenceID, e.ClientID).Scan(&exists)
	if err != nil {
		p.logger.Errorf("failed to check active enrollment: %v", err)
		return err
	}
	if exists {
		return internal.ErrAlreadyEnrolled
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO enrollments (id, sequence_id, client_id, current_step_order, enrolled_at, step_entered_at,
			status, facts, attempts, dispatch_ids, failure_reason, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.SequenceID, e.ClientID, e.CurrentStepOrder, e.EnrolledAt, e.StepEnteredAt,
		e.Status, facts, e.Attempts, dispatchIDs, e.FailureReason, e.Version, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return internal.ErrAlreadyEnrolled
		}
		p.logger.Errorf("failed to insert enrollment: %v", err)
		return err
	}
	return nil
}

func (p *PostgresStorage) GetEnrollment(ctx context.Context, id string) (*internal.Enrollment, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, sequence_id, client_id, current_step_order, enrolled_at, step_entered_at,
			status, facts, attempts, dispatch_ids, failure_reason, version, updated_at
		FROM enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, internal.ErrNotFound
		}
		p.logger.Errorf("failed to get enrollment: %v", err)
		return nil, err
	}
	return e, nil
}

func (p *PostgresStorage) GetActiveEnrollment(ctx context.Context, sequenceID, clientID string) (*internal.Enrollment, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, sequence_id, client_id, current_step_order, enrolled_at, step_entered_at,
			status, facts, attempts, dispatch_ids, failure_reason, version, updated_at
		FROM enrollments WHERE sequence_id = $1 AND client_id = $2 AND status = 'active'`, sequenceID, clientID)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, internal.ErrNotFound
		}
		p.logger.Errorf("failed to get active enrollment: %v", err)
		return nil, err
	}
	return e, nil
}

func (p *PostgresStorage) ListActiveBySequence(ctx context.Context, sequenceID string) ([]internal.Enrollment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sequence_id, client_id, current_step_order, enrolled_at, step_entered_at,
			status, facts, attempts, dispatch_ids, failure_reason, version, updated_at
		FROM enrollments WHERE sequence_id = $1 AND status = 'active' ORDER BY enrolled_at`, sequenceID)
	if err != nil {
		p.logger.Errorf("failed to query enrollments: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []internal.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			p.logger.Errorf("failed to scan enrollment: %v", err)
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *PostgresStorage) UpdateEnrollment(ctx context.Context, e *internal.Enrollment) error {
	facts, err := json.Marshal(e.Facts)
	if err != nil {
		return err
	}
	dispatchIDs, err := json.Marshal(e.DispatchIDs)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE enrollments SET
			current_step_order = $2,
			step_entered_at = $3,
			status = $4,
			facts = $5,
			attempts = $6,
			dispatch_ids = $7,
			failure_reason = $8,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $9`,
		e.ID, e.CurrentStepOrder, e.StepEnteredAt, e.Status, facts, dispatchIDs, e.FailureReason, e.Version)
	if err != nil {
		p.logger.Errorf("failed to update enrollment: %v", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return internal.ErrStaleEnrollment
	}
	e.Version++
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequence(row rowScanner) (*internal.Sequence, error) {
	var seq internal.Sequence
	var clientIDs, steps []byte
	if err := row.Scan(&seq.ID, &seq.CoachID, &seq.Name, &seq.TriggerEvent, &seq.IsActive,
		&clientIDs, &steps, &seq.CreatedAt, &seq.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(clientIDs, &seq.ClientIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &seq.Steps); err != nil {
		return nil, err
	}
	return &seq, nil
}

func collectSequences(rows pgx.Rows) ([]internal.Sequence, error) {
	var out []internal.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sortedSteps(seq))
	}
	return out, rows.Err()
}

func scanEnrollment(row rowScanner) (*internal.Enrollment, error) {
	var e internal.Enrollment
	var facts, dispatchIDs []byte
	if err := row.Scan(&e.ID, &e.SequenceID, &e.ClientID, &e.CurrentStepOrder, &e.EnrolledAt, &e.StepEnteredAt,
		&e.Status, &facts, &e.Attempts, &dispatchIDs, &e.FailureReason, &e.Version, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(facts, &e.Facts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dispatchIDs, &e.DispatchIDs); err != nil {
		return nil, err
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// --- Compile-time assertions ---
var _ SequenceRepository = (*PostgresStorage)(nil)
var _ EnrollmentRepository = (*PostgresStorage)(nil)
