package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one versioned schema step. Migrations ship compiled in
// because the schema belongs to the binary that reads it.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// All returns every migration in apply order. There is no rollback:
// dropping the state table destroys longitudinal consistency, and the
// governed way to remove state is a per-patient purge.
func All() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "patient_state",
			UpSQL: `
				CREATE TABLE IF NOT EXISTS deid_patient_state (
					patient_key TEXT PRIMARY KEY,
					date_shift_days INTEGER NOT NULL,
					hash_salt BYTEA NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version: 2,
			Name:    "run_ledger",
			UpSQL: `
				CREATE TABLE IF NOT EXISTS deid_run (
					run_id TEXT PRIMARY KEY,
					started_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ NOT NULL,
					config_hash TEXT NOT NULL,
					categories TEXT[] NOT NULL,
					records_accepted INTEGER NOT NULL,
					records_rejected INTEGER NOT NULL,
					records_failed INTEGER NOT NULL
				);
			`,
		},
	}
}

// Manager applies migrations to the consistency database.
type Manager struct {
	db *pgxpool.Pool
}

func NewManager(db *pgxpool.Pool) *Manager {
	return &Manager{db: db}
}

// Initialize creates the migrations table if it doesn't exist.
func (m *Manager) Initialize(ctx context.Context) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := m.db.Exec(ctx, sql)
	return err
}

// Applied returns the versions already recorded in the migrations table.
func (m *Manager) Applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.Query(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}

	return applied, nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Manager) Up(ctx context.Context) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}

	for _, migration := range All() {
		if _, ok := applied[migration.Version]; ok {
			continue
		}

		tx, err := m.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, migration.UpSQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
			migration.Version, migration.Name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		fmt.Printf("Applied migration %d: %s\n", migration.Version, migration.Name)
	}

	return nil
}
