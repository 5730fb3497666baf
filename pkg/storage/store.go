package storage

import (
	"errors"
	"time"
)

var (
	// ErrLocked is returned when another run holds the state file
	ErrLocked = errors.New("another deployment run holds the lock")

	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
)

// Lease identifies the run holding the lock
type Lease struct {
	RunID     string    `json:"run_id"`
	Service   string    `json:"service"`
	Tag       string    `json:"tag"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// OutcomeRecord is the persisted summary of the last finished run
type OutcomeRecord struct {
	RunID      string        `json:"run_id"`
	Tag        string        `json:"tag"`
	Result     string        `json:"result"`
	Stage      string        `json:"stage"`
	Target     string        `json:"target"`
	Previous   string        `json:"previous,omitempty"`
	Active     string        `json:"active,omitempty"`
	Residual   string        `json:"residual,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Store is the per-service state file. Holding an open read-write Store is
// holding the run lock.
type Store interface {
	// AcquireLease records the holder of the lock
	AcquireLease(lease Lease) error

	// Lease returns the recorded holder, or ErrNotFound
	Lease() (*Lease, error)

	// SaveOutcome replaces the last outcome
	SaveOutcome(rec *OutcomeRecord) error

	// LastOutcome returns the last outcome, or ErrNotFound
	LastOutcome() (*OutcomeRecord, error)

	// Close releases the lease and the lock
	Close() error
}
