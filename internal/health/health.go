// Package health reads queue aggregates and runs the bounded priority
// escalation for aged jobs. Both operations are safe for periodic
// cron-style invocation.
package health

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"inquest/internal/models"
	"inquest/internal/state"
	"inquest/internal/store"
)

// EscalationPolicy bounds the escalator's write: at most MaxJobsPerRun NEW
// jobs older than AgeThreshold get a PriorityBoost, never past MaxPriority.
// Repeated application is monotonic and capped, so overlapping schedules are
// harmless.
type EscalationPolicy struct {
	AgeThreshold  time.Duration
	PriorityBoost int
	MaxPriority   int
	MaxJobsPerRun int
}

func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		AgeThreshold:  time.Hour,
		PriorityBoost: 50,
		MaxPriority:   300,
		MaxJobsPerRun: 100,
	}
}

type Monitor struct {
	store      store.HealthStore
	staleAfter time.Duration
}

// NewMonitor builds a monitor that counts RUNNING jobs locked longer than
// staleAfter as stale. Stale jobs are reported, never unlocked.
func NewMonitor(healthStore store.HealthStore, staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Monitor{store: healthStore, staleAfter: staleAfter}
}

// Summary is read-only and cheap to call frequently.
func (m *Monitor) Summary(ctx context.Context) (*models.HealthSummary, error) {
	return m.store.HealthSnapshot(ctx, m.staleAfter)
}

// Escalate applies one bounded escalation pass and returns the number of
// jobs boosted.
func (m *Monitor) Escalate(ctx context.Context, p EscalationPolicy) (int, error) {
	return m.store.EscalateAgedJobs(ctx, p.AgeThreshold, p.PriorityBoost, p.MaxPriority, p.MaxJobsPerRun)
}

// Schedule registers the escalation pass and a summary log line on the given
// cron runner. cronSpec uses standard five-field syntax, e.g. "*/10 * * * *".
func (m *Monitor) Schedule(c *cron.Cron, cronSpec string, policy EscalationPolicy) (cron.EntryID, error) {
	return c.AddFunc(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		boosted, err := m.Escalate(ctx, policy)
		if err != nil {
			log.Printf("health: escalation pass failed: %v", err)
			return
		}
		summary, err := m.Summary(ctx)
		if err != nil {
			log.Printf("health: summary failed: %v", err)
			return
		}
		log.Printf("health: boosted=%d pending=%d running=%d deadletter=%d stale_running=%d",
			boosted,
			summary.CountsByStatus[state.StatusNew],
			summary.CountsByStatus[state.StatusRunning],
			summary.CountsByStatus[state.StatusDeadletter],
			summary.StaleRunning)
	})
}
