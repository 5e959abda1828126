package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"inquest/internal/models"
	"inquest/internal/state"
)

const (
	pgSchema = "inquest_schema"

	// Advisory lock id guarding schema setup so only one instance migrates.
	migrationLockID = 421701
)

const pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS inquest_schema.jobs (
    id                UUID PRIMARY KEY,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    status            TEXT NOT NULL,
    priority          INTEGER NOT NULL DEFAULT 0,
    interrogation_key TEXT NOT NULL,
    input             TEXT NOT NULL,
    evidence_ref      TEXT NOT NULL,
    model_hint        TEXT,
    max_attempts      INTEGER NOT NULL,
    attempt_count     INTEGER NOT NULL DEFAULT 0,
    available_at      TIMESTAMPTZ NOT NULL,
    locked_by         TEXT,
    locked_at         TIMESTAMPTZ,
    last_error        TEXT,
    dedupe_key        TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedupe_uq
    ON inquest_schema.jobs (interrogation_key, dedupe_key)
    WHERE dedupe_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS jobs_claim_idx
    ON inquest_schema.jobs (status, available_at, priority DESC);

CREATE TABLE IF NOT EXISTS inquest_schema.runs (
    id           UUID PRIMARY KEY,
    job_id       UUID NOT NULL REFERENCES inquest_schema.jobs(id),
    worker_id    TEXT NOT NULL,
    status       TEXT NOT NULL,
    provider     JSONB NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    metrics      JSONB,
    error        TEXT
);
CREATE INDEX IF NOT EXISTS runs_job_idx ON inquest_schema.runs (job_id);

CREATE TABLE IF NOT EXISTS inquest_schema.artifacts (
    id                UUID PRIMARY KEY,
    run_id            UUID NOT NULL REFERENCES inquest_schema.runs(id),
    artifact_type     TEXT NOT NULL,
    content_sha256    TEXT NOT NULL,
    byte_count        BIGINT NOT NULL,
    lake_uri          TEXT,
    content           BYTEA,
    content_mime_type TEXT NOT NULL DEFAULT '',
    stored_inline     BOOLEAN NOT NULL DEFAULT false,
    mirrored_to_lake  BOOLEAN NOT NULL DEFAULT false,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS artifacts_run_idx ON inquest_schema.artifacts (run_id, artifact_type);
`

const pgJobColumns = `id, created_at, status, priority, interrogation_key, input, evidence_ref,
       model_hint, max_attempts, attempt_count, available_at, locked_by, locked_at, last_error, dedupe_key`

// PostgresStore backs the queue with a Postgres table and uses
// FOR UPDATE SKIP LOCKED for the claim transaction, so concurrent claimants
// skip each other's candidates instead of blocking.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, then creates the schema under an advisory lock so
// that only one instance runs setup at a time.
func OpenPostgres(connectionURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection without running schema setup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer s.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgSchema)); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, pgSchemaSQL); err != nil {
		return fmt.Errorf("schema setup failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, p models.EnqueueParams) (models.EnqueueResult, error) {
	if p.DedupeKey != nil {
		if res, ok, err := s.findByDedupe(ctx, p.InterrogationKey, *p.DedupeKey); err != nil {
			return models.EnqueueResult{}, err
		} else if ok {
			return res, nil
		}
	}

	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO inquest_schema.jobs
		    (id, status, priority, interrogation_key, input, evidence_ref,
		     model_hint, max_attempts, attempt_count, available_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, now(), $9)
		ON CONFLICT (interrogation_key, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id`,
		id, state.StatusNew, p.Priority, p.InterrogationKey, p.Input, p.EvidenceRef,
		p.ModelHint, p.MaxAttempts, p.DedupeKey,
	)

	var inserted uuid.UUID
	err := row.Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost an insert race on the dedupe index; the winner's row is ours.
		res, ok, err := s.findByDedupe(ctx, p.InterrogationKey, *p.DedupeKey)
		if err != nil {
			return models.EnqueueResult{}, err
		}
		if !ok {
			return models.EnqueueResult{}, fmt.Errorf("dedupe conflict but no existing row for key %q", *p.DedupeKey)
		}
		return res, nil
	}
	if err != nil {
		return models.EnqueueResult{}, err
	}
	return models.EnqueueResult{JobID: inserted, IsDuplicate: false, ExistingStatus: state.StatusNew}, nil
}

func (s *PostgresStore) findByDedupe(ctx context.Context, interrogationKey, dedupeKey string) (models.EnqueueResult, bool, error) {
	var id uuid.UUID
	var status state.JobStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status FROM inquest_schema.jobs
		WHERE interrogation_key = $1 AND dedupe_key = $2`,
		interrogationKey, dedupeKey,
	).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EnqueueResult{}, false, nil
	}
	if err != nil {
		return models.EnqueueResult{}, false, err
	}
	return models.EnqueueResult{JobID: id, IsDuplicate: true, ExistingStatus: status}, true, nil
}

// Claim takes the next eligible job in a single short transaction. The inner
// SELECT orders by priority, then age, then insertion order, and SKIP LOCKED
// makes losing claimants move on to the next candidate instead of waiting.
func (s *PostgresStore) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE inquest_schema.jobs SET
		    status = $1,
		    locked_by = $2,
		    locked_at = now(),
		    attempt_count = attempt_count + 1
		WHERE id = (
		    SELECT id FROM inquest_schema.jobs
		    WHERE status = $3 AND available_at <= now() AND attempt_count < max_attempts
		    ORDER BY priority DESC, available_at ASC, created_at ASC, id ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		state.StatusRunning, workerID, state.StatusNew,
	)

	job, err := scanPgJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) Complete(ctx context.Context, jobID uuid.UUID, reported state.JobStatus, errMsg *string, backoff time.Duration) (state.JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status state.JobStatus
	var attemptCount, maxAttempts int
	var priorError *string
	err = tx.QueryRowContext(ctx, `
		SELECT status, attempt_count, max_attempts, last_error FROM inquest_schema.jobs
		WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status, &attemptCount, &maxAttempts, &priorError)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	if status != state.StatusRunning {
		return "", fmt.Errorf("job %s is %s: %w", jobID, status, ErrJobNotRunning)
	}

	final, availableAt, lastError, err := resolveCompletion(reported, errMsg, priorError, backoff, attemptCount, maxAttempts, time.Now().UTC())
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inquest_schema.jobs SET
		    status = $2,
		    available_at = COALESCE($3, available_at),
		    last_error = $4,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE id = $1`,
		jobID, final, availableAt, lastError,
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return final, nil
}

func (s *PostgresStore) FindJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgJobColumns+` FROM inquest_schema.jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	provider, err := json.Marshal(run.Provider)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inquest_schema.runs (id, job_id, worker_id, status, provider, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.JobID, run.WorkerID, run.Status, provider, run.StartedAt,
	)
	return err
}

// CompleteRun closes a run exactly once: the status guard refuses rows that
// have already left RUNNING.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID uuid.UUID, status state.RunStatus, metrics json.RawMessage, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inquest_schema.runs SET
		    status = $2, completed_at = now(), metrics = $3, error = $4
		WHERE id = $1 AND status = $5`,
		runID, status, nullableBytes(metrics), errMsg, state.RunRunning,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("run %s is not open: %w", runID, ErrRunNotFound)
	}
	return nil
}

// FindLatestRun returns the most recent execution attempt of a job, for
// inspection tooling.
func (s *PostgresStore) FindLatestRun(ctx context.Context, jobID uuid.UUID) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, worker_id, status, provider, started_at, completed_at, metrics, error
		FROM inquest_schema.runs
		WHERE job_id = $1
		ORDER BY started_at DESC LIMIT 1`,
		jobID,
	)
	var run models.Run
	var provider []byte
	var metrics []byte
	err := row.Scan(&run.ID, &run.JobID, &run.WorkerID, &run.Status, &provider,
		&run.StartedAt, &run.CompletedAt, &metrics, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(provider, &run.Provider); err != nil {
		return nil, err
	}
	run.Metrics = metrics
	return &run, nil
}

func (s *PostgresStore) InsertArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inquest_schema.artifacts
		    (id, run_id, artifact_type, content_sha256, byte_count, lake_uri,
		     content, content_mime_type, stored_inline, mirrored_to_lake)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.RunID, a.Type, a.ContentSHA256, a.ByteCount, a.LakeURI,
		a.Content, a.ContentMimeType, a.StoredInline, a.MirroredToLake,
	)
	return err
}

func (s *PostgresStore) FindArtifact(ctx context.Context, runID uuid.UUID, t models.ArtifactType) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, artifact_type, content_sha256, byte_count, lake_uri,
		       content, content_mime_type, stored_inline, mirrored_to_lake, created_at
		FROM inquest_schema.artifacts
		WHERE run_id = $1 AND artifact_type = $2
		ORDER BY created_at DESC LIMIT 1`,
		runID, t,
	)
	var a models.Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.Type, &a.ContentSHA256, &a.ByteCount, &a.LakeURI,
		&a.Content, &a.ContentMimeType, &a.StoredInline, &a.MirroredToLake, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) HealthSnapshot(ctx context.Context, staleAfter time.Duration) (*models.HealthSummary, error) {
	summary := &models.HealthSummary{
		GeneratedAt:    time.Now().UTC(),
		CountsByStatus: make(map[state.JobStatus]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM inquest_schema.jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avgSec, minSec, maxSec sql.NullFloat64
	var overHour, over4h, overDay int
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM now() - created_at)),
		       MIN(EXTRACT(EPOCH FROM now() - created_at)),
		       MAX(EXTRACT(EPOCH FROM now() - created_at)),
		       COUNT(*) FILTER (WHERE created_at < now() - interval '1 hour'),
		       COUNT(*) FILTER (WHERE created_at < now() - interval '4 hours'),
		       COUNT(*) FILTER (WHERE created_at < now() - interval '24 hours')
		FROM inquest_schema.jobs WHERE status = $1`,
		state.StatusNew,
	).Scan(&avgSec, &minSec, &maxSec, &overHour, &over4h, &overDay)
	if err != nil {
		return nil, err
	}
	summary.PendingAvgAge = secondsToDuration(avgSec)
	summary.PendingMinAge = secondsToDuration(minSec)
	summary.PendingMaxAge = secondsToDuration(maxSec)
	summary.AgedOverHour = overHour
	summary.AgedOver4Hours = over4h
	summary.AgedOverDay = overDay

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inquest_schema.jobs
		WHERE status = $1 AND locked_at < now() - $2 * interval '1 second'`,
		state.StatusRunning, staleAfter.Seconds(),
	).Scan(&summary.StaleRunning)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *PostgresStore) EscalateAgedJobs(ctx context.Context, olderThan time.Duration, boost, maxPriority, maxJobs int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inquest_schema.jobs SET
		    priority = LEAST(priority + $1, $2)
		WHERE id IN (
		    SELECT id FROM inquest_schema.jobs
		    WHERE status = $3
		      AND priority < $2
		      AND created_at < now() - $4 * interval '1 second'
		    ORDER BY created_at ASC
		    LIMIT $5
		)`,
		boost, maxPriority, state.StatusNew, olderThan.Seconds(), maxJobs,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	if err := row.Scan(
		&job.ID,
		&job.CreatedAt,
		&job.Status,
		&job.Priority,
		&job.InterrogationKey,
		&job.Input,
		&job.EvidenceRef,
		&job.ModelHint,
		&job.MaxAttempts,
		&job.AttemptCount,
		&job.AvailableAt,
		&job.LockedBy,
		&job.LockedAt,
		&job.LastError,
		&job.DedupeKey,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

// resolveCompletion applies the completion rules shared by both drivers.
// Returned availableAt is nil when the reschedule time must not change. Only
// success clears last_error; a report without a message keeps the job's prior
// diagnostic.
func resolveCompletion(reported state.JobStatus, errMsg, prior *string, backoff time.Duration, attemptCount, maxAttempts int, now time.Time) (state.JobStatus, *time.Time, *string, error) {
	msg := errMsg
	if msg == nil {
		msg = prior
	}
	switch reported {
	case state.StatusFailed:
		if attemptCount < maxAttempts {
			// Linear-in-attempt job-level reschedule, on top of the
			// invocation client's own per-call retry.
			next := now.Add(backoff * time.Duration(attemptCount))
			return state.StatusNew, &next, msg, nil
		}
		return state.StatusDeadletter, nil, msg, nil
	case state.StatusSucceeded:
		return state.StatusSucceeded, nil, nil, nil
	case state.StatusDeadletter:
		return state.StatusDeadletter, nil, msg, nil
	default:
		return "", nil, nil, fmt.Errorf("cannot complete with status %q", reported)
	}
}

func secondsToDuration(v sql.NullFloat64) time.Duration {
	if !v.Valid {
		return 0
	}
	return time.Duration(v.Float64 * float64(time.Second))
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
