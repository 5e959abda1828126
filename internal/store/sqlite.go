package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"inquest/internal/models"
	"inquest/internal/state"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    created_at        INTEGER NOT NULL,
    status            TEXT NOT NULL,
    priority          INTEGER NOT NULL DEFAULT 0,
    interrogation_key TEXT NOT NULL,
    input             TEXT NOT NULL,
    evidence_ref      TEXT NOT NULL,
    model_hint        TEXT,
    max_attempts      INTEGER NOT NULL,
    attempt_count     INTEGER NOT NULL DEFAULT 0,
    available_at      INTEGER NOT NULL,
    locked_by         TEXT,
    locked_at         INTEGER,
    last_error        TEXT,
    dedupe_key        TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedupe_uq
    ON jobs (interrogation_key, dedupe_key)
    WHERE dedupe_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, available_at, priority DESC);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL REFERENCES jobs(id),
    worker_id    TEXT NOT NULL,
    status       TEXT NOT NULL,
    provider     TEXT NOT NULL,
    started_at   INTEGER NOT NULL,
    completed_at INTEGER,
    metrics      TEXT,
    error        TEXT
);
CREATE INDEX IF NOT EXISTS runs_job_idx ON runs (job_id);

CREATE TABLE IF NOT EXISTS artifacts (
    id                TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL REFERENCES runs(id),
    artifact_type     TEXT NOT NULL,
    content_sha256    TEXT NOT NULL,
    byte_count        INTEGER NOT NULL,
    lake_uri          TEXT,
    content           BLOB,
    content_mime_type TEXT NOT NULL DEFAULT '',
    stored_inline     INTEGER NOT NULL DEFAULT 0,
    mirrored_to_lake  INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_run_idx ON artifacts (run_id, artifact_type);
`

const sqliteJobColumns = `id, created_at, status, priority, interrogation_key, input, evidence_ref,
       model_hint, max_attempts, attempt_count, available_at, locked_by, locked_at, last_error, dedupe_key`

// SQLiteStore is the embedded-database driver. SQLite has no SKIP LOCKED;
// instead the connection pool is capped at one so claim transactions
// serialize, and the claiming UPDATE re-checks status so a raced candidate is
// simply skipped. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps claim transactions strictly serialized and
	// avoids SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema setup failed: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Enqueue(ctx context.Context, p models.EnqueueParams) (models.EnqueueResult, error) {
	if p.DedupeKey != nil {
		if res, ok, err := s.findByDedupe(ctx, p.InterrogationKey, *p.DedupeKey); err != nil {
			return models.EnqueueResult{}, err
		} else if ok {
			return res, nil
		}
	}

	id := uuid.New()
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs
		    (id, created_at, status, priority, interrogation_key, input, evidence_ref,
		     model_hint, max_attempts, attempt_count, available_at, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id.String(), now, state.StatusNew, p.Priority, p.InterrogationKey, p.Input, p.EvidenceRef,
		p.ModelHint, p.MaxAttempts, now, p.DedupeKey,
	)
	if err != nil {
		return models.EnqueueResult{}, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		found, ok, err := s.findByDedupe(ctx, p.InterrogationKey, derefOr(p.DedupeKey, ""))
		if err != nil {
			return models.EnqueueResult{}, err
		}
		if !ok {
			return models.EnqueueResult{}, fmt.Errorf("insert ignored but no existing row for interrogation %q", p.InterrogationKey)
		}
		return found, nil
	}
	return models.EnqueueResult{JobID: id, IsDuplicate: false, ExistingStatus: state.StatusNew}, nil
}

func (s *SQLiteStore) findByDedupe(ctx context.Context, interrogationKey, dedupeKey string) (models.EnqueueResult, bool, error) {
	var idStr string
	var status state.JobStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status FROM jobs
		WHERE interrogation_key = ? AND dedupe_key = ?`,
		interrogationKey, dedupeKey,
	).Scan(&idStr, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EnqueueResult{}, false, nil
	}
	if err != nil {
		return models.EnqueueResult{}, false, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return models.EnqueueResult{}, false, err
	}
	return models.EnqueueResult{JobID: id, IsDuplicate: true, ExistingStatus: status}, true, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	var idStr string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND available_at <= ? AND attempt_count < max_attempts
		ORDER BY priority DESC, available_at ASC, created_at ASC, rowid ASC
		LIMIT 1`,
		state.StatusNew, now,
	).Scan(&idStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
		    status = ?, locked_by = ?, locked_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND status = ?`,
		state.StatusRunning, workerID, now, idStr, state.StatusNew,
	)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Candidate was taken between select and update; treat as empty poll.
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, idStr)
	job, err := scanSQLiteJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID uuid.UUID, reported state.JobStatus, errMsg *string, backoff time.Duration) (state.JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status state.JobStatus
	var attemptCount, maxAttempts int
	var priorError *string
	err = tx.QueryRowContext(ctx, `
		SELECT status, attempt_count, max_attempts, last_error FROM jobs WHERE id = ?`,
		jobID.String(),
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
		UPDATE jobs SET
		    status = ?,
		    available_at = COALESCE(?, available_at),
		    last_error = ?,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE id = ?`,
		final, msOrNil(availableAt), lastError, jobID.String(),
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return final, nil
}

func (s *SQLiteStore) FindJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id.String())
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	provider, err := json.Marshal(run.Provider)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, worker_id, status, provider, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.JobID.String(), run.WorkerID, run.Status, string(provider), run.StartedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID uuid.UUID, status state.RunStatus, metrics json.RawMessage, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, metrics = ?, error = ?
		WHERE id = ? AND status = ?`,
		status, time.Now().UTC().UnixMilli(), nullableBytes(metrics), errMsg,
		runID.String(), state.RunRunning,
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

func (s *SQLiteStore) FindLatestRun(ctx context.Context, jobID uuid.UUID) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, worker_id, status, provider, started_at, completed_at, metrics, error
		FROM runs
		WHERE job_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		jobID.String(),
	)
	var run models.Run
	var idStr, jidStr, provider string
	var startedMs int64
	var completedMs sql.NullInt64
	var metrics sql.NullString
	err := row.Scan(&idStr, &jidStr, &run.WorkerID, &run.Status, &provider,
		&startedMs, &completedMs, &metrics, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if run.JobID, err = uuid.Parse(jidStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(provider), &run.Provider); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(startedMs).UTC()
	if completedMs.Valid {
		at := time.UnixMilli(completedMs.Int64).UTC()
		run.CompletedAt = &at
	}
	if metrics.Valid {
		run.Metrics = json.RawMessage(metrics.String)
	}
	return &run, nil
}

func (s *SQLiteStore) InsertArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts
		    (id, run_id, artifact_type, content_sha256, byte_count, lake_uri,
		     content, content_mime_type, stored_inline, mirrored_to_lake, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.RunID.String(), a.Type, a.ContentSHA256, a.ByteCount, a.LakeURI,
		a.Content, a.ContentMimeType, a.StoredInline, a.MirroredToLake,
		time.Now().UTC().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) FindArtifact(ctx context.Context, runID uuid.UUID, t models.ArtifactType) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, artifact_type, content_sha256, byte_count, lake_uri,
		       content, content_mime_type, stored_inline, mirrored_to_lake, created_at
		FROM artifacts
		WHERE run_id = ? AND artifact_type = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		runID.String(), t,
	)
	var a models.Artifact
	var idStr, ridStr string
	var createdMs int64
	err := row.Scan(&idStr, &ridStr, &a.Type, &a.ContentSHA256, &a.ByteCount, &a.LakeURI,
		&a.Content, &a.ContentMimeType, &a.StoredInline, &a.MirroredToLake, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if a.RunID, err = uuid.Parse(ridStr); err != nil {
		return nil, err
	}
	a.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &a, nil
}

func (s *SQLiteStore) HealthSnapshot(ctx context.Context, staleAfter time.Duration) (*models.HealthSummary, error) {
	summary := &models.HealthSummary{
		GeneratedAt:    time.Now().UTC(),
		CountsByStatus: make(map[state.JobStatus]int),
	}
	now := summary.GeneratedAt.UnixMilli()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

	var avgMs, minMs, maxMs sql.NullFloat64
	var overHour, over4h, overDay int
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(? - created_at),
		       MIN(? - created_at),
		       MAX(? - created_at),
		       COALESCE(SUM(CASE WHEN created_at < ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN created_at < ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN created_at < ? THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE status = ?`,
		now, now, now,
		now-time.Hour.Milliseconds(),
		now-(4*time.Hour).Milliseconds(),
		now-(24*time.Hour).Milliseconds(),
		state.StatusNew,
	).Scan(&avgMs, &minMs, &maxMs, &overHour, &over4h, &overDay)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	summary.PendingAvgAge = msToDuration(avgMs)
	summary.PendingMinAge = msToDuration(minMs)
	summary.PendingMaxAge = msToDuration(maxMs)
	summary.AgedOverHour = overHour
	summary.AgedOver4Hours = over4h
	summary.AgedOverDay = overDay

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = ? AND locked_at < ?`,
		state.StatusRunning, now-staleAfter.Milliseconds(),
	).Scan(&summary.StaleRunning)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *SQLiteStore) EscalateAgedJobs(ctx context.Context, olderThan time.Duration, boost, maxPriority, maxJobs int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET priority = MIN(priority + ?, ?)
		WHERE id IN (
		    SELECT id FROM jobs
		    WHERE status = ? AND priority < ? AND created_at < ?
		    ORDER BY created_at ASC
		    LIMIT ?
		)`,
		boost, maxPriority, state.StatusNew, maxPriority, cutoff, maxJobs,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var idStr string
	var createdMs, availableMs int64
	var lockedMs sql.NullInt64
	if err := row.Scan(
		&idStr,
		&createdMs,
		&job.Status,
		&job.Priority,
		&job.InterrogationKey,
		&job.Input,
		&job.EvidenceRef,
		&job.ModelHint,
		&job.MaxAttempts,
		&job.AttemptCount,
		&availableMs,
		&job.LockedBy,
		&lockedMs,
		&job.LastError,
		&job.DedupeKey,
	); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	job.ID = id
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.AvailableAt = time.UnixMilli(availableMs).UTC()
	if lockedMs.Valid {
		at := time.UnixMilli(lockedMs.Int64).UTC()
		job.LockedAt = &at
	}
	return &job, nil
}

func msToDuration(v sql.NullFloat64) time.Duration {
	if !v.Valid {
		return 0
	}
	return time.Duration(v.Float64 * float64(time.Millisecond))
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
