package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/meddexhq/deidentify/internal/db/migrate"
	"github.com/meddexhq/deidentify/internal/encryption"
)

// PostgresStore persists state so longitudinal consistency survives
// process restarts. Creation races are settled by the database: the
// insert is ON CONFLICT DO NOTHING and every caller reads back the row
// that won.
type PostgresStore struct {
	pool    *pgxpool.Pool
	deriver Deriver
	cipher  *encryption.Cipher
}

func NewPostgresStore(pool *pgxpool.Pool, deriver Deriver) *PostgresStore {
	return &PostgresStore{pool: pool, deriver: deriver}
}

// EncryptSalts seals hash salts with c before they reach the database.
// Set it before first use: rows written under a different key cannot be
// read back.
func (s *PostgresStore) EncryptSalts(c *encryption.Cipher) *PostgresStore {
	s.cipher = c
	return s
}

// Initialize applies the schema migrations for the state table and the
// run ledger.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	mgr := migrate.NewManager(s.pool)
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration table: %w", err)
	}
	if err := mgr.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply consistency schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, patientKey string) (State, error) {
	candidate, err := s.deriver.Derive(patientKey)
	if err != nil {
		return State{}, fmt.Errorf("failed to derive patient state: %w", err)
	}

	stored := candidate.HashSalt
	if s.cipher != nil {
		if stored, err = s.cipher.Encrypt(candidate.HashSalt); err != nil {
			return State{}, fmt.Errorf("failed to seal hash salt: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO deid_patient_state (patient_key, date_shift_days, hash_salt, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_key) DO NOTHING`,
		patientKey, candidate.DateShiftDays, stored, time.Now().UTC(),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var st State
	err = s.pool.QueryRow(ctx, `
		SELECT patient_key, date_shift_days, hash_salt, created_at
		FROM deid_patient_state
		WHERE patient_key = $1`,
		patientKey,
	).Scan(&st.PatientKey, &st.DateShiftDays, &st.HashSalt, &st.CreatedAt)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if s.cipher != nil {
		// A salt that will not unseal poisons every record for this
		// patient, so the whole run aborts rather than limping on.
		if st.HashSalt, err = s.cipher.Decrypt(st.HashSalt); err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return st, nil
}

func (s *PostgresStore) Purge(ctx context.Context, patientKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deid_patient_state WHERE patient_key = $1`, patientKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateNotFound
	}
	return nil
}

// RecordRun appends one row to the run ledger.
func (s *PostgresStore) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deid_run (run_id, started_at, completed_at, config_hash, categories,
			records_accepted, records_rejected, records_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, run.StartedAt, run.CompletedAt, run.ConfigHash, pq.Array(run.Categories),
		run.Accepted, run.Rejected, run.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// CountPatients reports how many patient keys hold persistent state.
func (s *PostgresStore) CountPatients(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deid_patient_state`).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
