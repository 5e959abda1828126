package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"inquest/internal/models"
	"inquest/internal/state"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotRunning    = errors.New("job is not running")
	ErrRunNotFound      = errors.New("run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// JobStore is the queue itself: the only resource requiring cross-worker
// coordination. Claim must guarantee that of any number of concurrent
// callers, at most one receives a given job for a given attempt.
type JobStore interface {
	// Enqueue inserts a NEW job, or returns the existing one when the
	// (interrogation_key, dedupe_key) pair already has a row.
	Enqueue(ctx context.Context, p models.EnqueueParams) (models.EnqueueResult, error)

	// Claim atomically takes the single highest-priority eligible job for
	// workerID, flipping it to RUNNING and incrementing attempt_count.
	// Returns (nil, nil) when nothing is eligible.
	Claim(ctx context.Context, workerID string) (*models.Job, error)

	// Complete applies the worker's report. A FAILED report resolves to NEW
	// with linear backoff or to DEADLETTER once attempts are exhausted; the
	// resolved status is returned. Only a RUNNING job accepts a report:
	// SUCCEEDED and DEADLETTER are terminal, and a duplicate or late report
	// against them returns ErrJobNotRunning.
	Complete(ctx context.Context, jobID uuid.UUID, reported state.JobStatus, errMsg *string, backoff time.Duration) (state.JobStatus, error)

	FindJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// RunStore records execution attempts and their immutable artifacts.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	CompleteRun(ctx context.Context, runID uuid.UUID, status state.RunStatus, metrics json.RawMessage, errMsg *string) error
	FindLatestRun(ctx context.Context, jobID uuid.UUID) (*models.Run, error)
	InsertArtifact(ctx context.Context, a *models.Artifact) error
	FindArtifact(ctx context.Context, runID uuid.UUID, t models.ArtifactType) (*models.Artifact, error)
}

// HealthStore serves the monitor: read-only aggregation plus the one bounded
// write that boosts aged jobs.
type HealthStore interface {
	// HealthSnapshot aggregates queue state. staleAfter bounds how long a
	// RUNNING lock may be held before the job is counted as stale.
	HealthSnapshot(ctx context.Context, staleAfter time.Duration) (*models.HealthSummary, error)

	// EscalateAgedJobs raises priority by boost (capped at maxPriority) for
	// NEW jobs older than olderThan, touching at most maxJobs rows. Returns
	// the number of rows updated.
	EscalateAgedJobs(ctx context.Context, olderThan time.Duration, boost, maxPriority, maxJobs int) (int, error)
}

type Store interface {
	JobStore
	RunStore
	HealthStore

	Close() error
}
