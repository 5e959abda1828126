package models

import (
	"time"

	"github.com/google/uuid"
)

type ArtifactType string

const (
	ArtifactRequest  ArtifactType = "request"
	ArtifactResponse ArtifactType = "response"
	ArtifactEvidence ArtifactType = "evidence"
	ArtifactManifest ArtifactType = "manifest"
	ArtifactError    ArtifactType = "error"
)

// Artifact is an immutable, hash-addressed byte-object produced by a run.
// Small payloads are stored inline; large ones live in the lake behind
// LakeURI. Write-once: rows are never updated, only superseded by the
// artifacts of a later run.
type Artifact struct {
	ID              uuid.UUID
	RunID           uuid.UUID
	Type            ArtifactType
	ContentSHA256   string
	ByteCount       int64
	LakeURI         *string
	Content         []byte
	ContentMimeType string
	StoredInline    bool
	MirroredToLake  bool
	CreatedAt       time.Time
}

// Manifest accompanies every run's artifacts in the lake and records enough
// to reproduce the call: provider identity plus the hash of each sibling.
type Manifest struct {
	RunID     uuid.UUID         `json:"run_id"`
	JobID     uuid.UUID         `json:"job_id"`
	WorkerID  string            `json:"worker_id"`
	Provider  ProviderIdentity  `json:"provider"`
	CreatedAt time.Time         `json:"created_at"`
	Hashes    map[string]string `json:"hashes"`
}
