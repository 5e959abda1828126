// Package recorder persists execution attempts and their artifacts: every
// run gets a request, response and evidence artifact in the lake, a manifest
// tying them together, and an error diagnostic when the run fails.
package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inquest/internal/lake"
	"inquest/internal/models"
	"inquest/internal/state"
	"inquest/internal/store"
)

// DefaultInlineLimit is the payload size up to which content is also stored
// inline in the database row, alongside the lake copy.
const DefaultInlineLimit = 16 * 1024

type Recorder struct {
	store       store.RunStore
	lake        lake.Lake
	inlineLimit int
}

func New(runStore store.RunStore, artifactLake lake.Lake, inlineLimit int) *Recorder {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	return &Recorder{store: runStore, lake: artifactLake, inlineLimit: inlineLimit}
}

// CreateRun opens a RUNNING run row for one execution attempt.
func (r *Recorder) CreateRun(ctx context.Context, jobID uuid.UUID, workerID string, provider models.ProviderIdentity) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.New(),
		JobID:     jobID,
		WorkerID:  workerID,
		Status:    state.RunRunning,
		Provider:  provider,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to open run: %w", err)
	}
	return run, nil
}

// WriteArtifact hashes and persists one byte-object. Every artifact goes to
// the lake under the run's date partition; payloads at or under the inline
// limit are additionally stored in the row itself.
func (r *Recorder) WriteArtifact(ctx context.Context, run *models.Run, t models.ArtifactType, data []byte, mimeType string) (*models.Artifact, error) {
	digest := sha256.Sum256(data)

	a := &models.Artifact{
		ID:              uuid.New(),
		RunID:           run.ID,
		Type:            t,
		ContentSHA256:   hex.EncodeToString(digest[:]),
		ByteCount:       int64(len(data)),
		ContentMimeType: mimeType,
	}

	key := lake.KeyFor(run.StartedAt, run.ID, fileNameFor(t, mimeType))
	uri, err := r.lake.Put(ctx, key, data)
	if err != nil {
		return nil, fmt.Errorf("lake write for %s artifact failed: %w", t, err)
	}
	a.LakeURI = &uri
	a.MirroredToLake = true

	if len(data) <= r.inlineLimit {
		a.Content = data
		a.StoredInline = true
	}

	if err := r.store.InsertArtifact(ctx, a); err != nil {
		return nil, fmt.Errorf("artifact insert failed: %w", err)
	}
	return a, nil
}

// ErrorDiagnostic is the payload of the error artifact written when a run
// fails: the full raw response plus the per-attempt history.
type ErrorDiagnostic struct {
	Error         string   `json:"error"`
	AttemptErrors []string `json:"attempt_errors,omitempty"`
	RawResponse   string   `json:"raw_response,omitempty"`
}

func (r *Recorder) WriteErrorDiagnostic(ctx context.Context, run *models.Run, diag ErrorDiagnostic) (*models.Artifact, error) {
	data, err := json.Marshal(diag)
	if err != nil {
		return nil, err
	}
	return r.WriteArtifact(ctx, run, models.ArtifactError, data, "application/json")
}

// WriteManifest records provider identity and the content hash of every
// sibling artifact, so any run is reproducible from its lake directory.
func (r *Recorder) WriteManifest(ctx context.Context, run *models.Run, siblings []*models.Artifact) (*models.Artifact, error) {
	manifest := models.Manifest{
		RunID:     run.ID,
		JobID:     run.JobID,
		WorkerID:  run.WorkerID,
		Provider:  run.Provider,
		CreatedAt: time.Now().UTC(),
		Hashes:    make(map[string]string, len(siblings)),
	}
	for _, a := range siblings {
		manifest.Hashes[string(a.Type)] = a.ContentSHA256
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	return r.WriteArtifact(ctx, run, models.ArtifactManifest, data, "application/json")
}

// CompleteRun closes the run exactly once. Callers follow up with the job
// store's Complete to report the attempt's outcome.
func (r *Recorder) CompleteRun(ctx context.Context, runID uuid.UUID, status state.RunStatus, metrics *models.RunMetrics, errMsg *string) error {
	var payload json.RawMessage
	if metrics != nil {
		data, err := json.Marshal(metrics)
		if err != nil {
			return err
		}
		payload = data
	}
	return r.store.CompleteRun(ctx, runID, status, payload, errMsg)
}

// Artifact fetches the newest artifact of the given type for inspection
// tooling.
func (r *Recorder) Artifact(ctx context.Context, runID uuid.UUID, t models.ArtifactType) (*models.Artifact, error) {
	return r.store.FindArtifact(ctx, runID, t)
}

func fileNameFor(t models.ArtifactType, mimeType string) string {
	ext := ".bin"
	switch mimeType {
	case "application/json":
		ext = ".json"
	case "text/plain":
		ext = ".txt"
	}
	return string(t) + ext
}
