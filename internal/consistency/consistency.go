// Package consistency manages the per-patient parameters that make
// de-identification deterministic: the date-shift offset and the hash
// salt. State is created at most once per patient key and never changes
// afterwards; only an explicit administrative purge removes it.
package consistency

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreUnavailable = errors.New("consistency store unavailable")
	ErrStateNotFound    = errors.New("consistency state not found")
)

// State holds the transformation parameters for one patient key.
type State struct {
	PatientKey    string
	DateShiftDays int
	HashSalt      []byte
	CreatedAt     time.Time
}

// Store hands out consistency state keyed by the opaque patient key.
// GetOrCreate must be safe under concurrent calls for the same key:
// exactly one state is created and every caller observes it.
type Store interface {
	GetOrCreate(ctx context.Context, patientKey string) (State, error)
	Purge(ctx context.Context, patientKey string) error
}

// RunRecord summarizes one completed processing run for the durable run
// ledger kept next to persistent state. Counts only, never values.
type RunRecord struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt time.Time
	ConfigHash  string
	Categories  []string
	Accepted    int
	Rejected    int
	Failed      int
}

// RunRecorder is implemented by stores that keep the run ledger.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}
