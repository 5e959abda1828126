package models

import (
	"time"

	"github.com/google/uuid"

	"inquest/internal/state"
)

// Job is a durable unit of requested extraction work. Rows are owned by the
// job store; workers only ever touch them through Claim and Complete.
type Job struct {
	ID               uuid.UUID
	CreatedAt        time.Time
	Status           state.JobStatus
	Priority         int
	InterrogationKey string
	Input            string
	EvidenceRef      string
	ModelHint        *string
	MaxAttempts      int
	AttemptCount     int
	AvailableAt      time.Time
	LockedBy         *string
	LockedAt         *time.Time
	LastError        *string
	DedupeKey        *string
}

// EnqueueParams carries everything needed to insert a new job. DedupeKey, when
// set, makes repeated enqueues idempotent within an interrogation key.
type EnqueueParams struct {
	Priority         int
	InterrogationKey string
	Input            string
	EvidenceRef      string
	ModelHint        *string
	MaxAttempts      int
	DedupeKey        *string
}

// EnqueueResult reports whether the call created a row or hit an existing one.
type EnqueueResult struct {
	JobID          uuid.UUID
	IsDuplicate    bool
	ExistingStatus state.JobStatus
}
