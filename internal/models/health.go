package models

import (
	"time"

	"inquest/internal/state"
)

// HealthSummary is the read-only aggregate served by the queue monitor.
// Ages are measured from created_at for pending jobs and from locked_at for
// stale RUNNING jobs.
type HealthSummary struct {
	GeneratedAt    time.Time
	CountsByStatus map[state.JobStatus]int

	PendingAvgAge time.Duration
	PendingMinAge time.Duration
	PendingMaxAge time.Duration

	AgedOverHour   int
	AgedOver4Hours int
	AgedOverDay    int

	// StaleRunning counts RUNNING jobs whose lock is older than the stale
	// threshold. They are surfaced here, never unlocked automatically.
	StaleRunning int
}
