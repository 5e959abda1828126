package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inquest/internal/models"
	"inquest/internal/state"
)

func pgJobRows(id uuid.UUID, status state.JobStatus, attemptCount int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "created_at", "status", "priority", "interrogation_key", "input", "evidence_ref",
		"model_hint", "max_attempts", "attempt_count", "available_at", "locked_by", "locked_at",
		"last_error", "dedupe_key",
	}).AddRow(id, now, status, 10, "extract-claims", "{}", "evidence/doc-1",
		nil, 3, attemptCount, now, "worker-1", now, nil, nil)
}

func TestPostgresStore_ClaimUsesSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	jobID := uuid.New()

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(string(state.StatusRunning), "worker-1", string(state.StatusNew)).
		WillReturnRows(pgJobRows(jobID, state.StatusRunning, 1))

	job, err := s.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, state.StatusRunning, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(string(state.StatusRunning), "worker-1", string(state.StatusNew)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := s.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue is not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDedupeHitSkipsInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	existing := uuid.New()

	mock.ExpectQuery("SELECT id, status FROM inquest_schema.jobs").
		WithArgs("extract-claims", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(existing, "new"))

	dk := "doc-1"
	res, err := s.Enqueue(context.Background(), enqueueParams("extract-claims", &dk))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, existing, res.JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRejectsTerminalJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, attempt_count, max_attempts, last_error").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "attempt_count", "max_attempts", "last_error"}).
			AddRow(string(state.StatusSucceeded), 1, 3, nil))
	mock.ExpectRollback()

	late := "late report"
	_, err = s.Complete(context.Background(), jobID, state.StatusFailed, &late, time.Second)
	assert.ErrorIs(t, err, ErrJobNotRunning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCompletion(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	boom := "boom"

	tests := []struct {
		name         string
		reported     state.JobStatus
		errMsg       *string
		prior        *string
		attemptCount int
		maxAttempts  int
		backoff      time.Duration
		wantStatus   state.JobStatus
		wantNext     *time.Time
		wantErrKept  bool
		wantErr      bool
	}{
		{
			name:     "failure with attempts left reschedules linearly",
			reported: state.StatusFailed, errMsg: &boom, attemptCount: 2, maxAttempts: 3, backoff: 10 * time.Second,
			wantStatus: state.StatusNew, wantNext: timePtr(now.Add(20 * time.Second)), wantErrKept: true,
		},
		{
			name:     "failure at the bound deadletters",
			reported: state.StatusFailed, errMsg: &boom, attemptCount: 3, maxAttempts: 3, backoff: 10 * time.Second,
			wantStatus: state.StatusDeadletter, wantErrKept: true,
		},
		{
			name:     "success clears the error",
			reported: state.StatusSucceeded, errMsg: &boom, attemptCount: 1, maxAttempts: 3,
			wantStatus: state.StatusSucceeded,
		},
		{
			name:     "explicit deadletter keeps the error",
			reported: state.StatusDeadletter, errMsg: &boom, attemptCount: 1, maxAttempts: 3,
			wantStatus: state.StatusDeadletter, wantErrKept: true,
		},
		{
			name:     "deadletter without a message keeps the prior diagnostic",
			reported: state.StatusDeadletter, prior: &boom, attemptCount: 1, maxAttempts: 3,
			wantStatus: state.StatusDeadletter, wantErrKept: true,
		},
		{
			name:     "failure without a message keeps the prior diagnostic",
			reported: state.StatusFailed, prior: &boom, attemptCount: 3, maxAttempts: 3,
			wantStatus: state.StatusDeadletter, wantErrKept: true,
		},
		{
			name:     "running is not a completion status",
			reported: state.StatusRunning, errMsg: &boom, attemptCount: 1, maxAttempts: 3,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, next, lastErr, err := resolveCompletion(tt.reported, tt.errMsg, tt.prior, tt.backoff, tt.attemptCount, tt.maxAttempts, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantNext == nil {
				assert.Nil(t, next)
			} else {
				require.NotNil(t, next)
				assert.Equal(t, *tt.wantNext, *next)
			}
			if tt.wantErrKept {
				require.NotNil(t, lastErr)
				assert.Equal(t, "boom", *lastErr)
			} else {
				assert.Nil(t, lastErr)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func enqueueParams(interrogationKey string, dedupeKey *string) models.EnqueueParams {
	return models.EnqueueParams{
		InterrogationKey: interrogationKey,
		Input:            "{}",
		EvidenceRef:      "evidence/doc-1",
		MaxAttempts:      3,
		DedupeKey:        dedupeKey,
	}
}
