package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"inquest/internal/state"
)

// ProviderIdentity pins down exactly which model served a run, verbatim, so
// any artifact can be reproduced later.
type ProviderIdentity struct {
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	Tag         string  `json:"tag,omitempty"`
	Digest      string  `json:"digest,omitempty"`
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	Seed        *int    `json:"seed,omitempty"`
}

// Run is one execution attempt of a job. A job accumulates one run per
// attempt; each run is closed exactly once and never reopened.
type Run struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	WorkerID    string
	Status      state.RunStatus
	Provider    ProviderIdentity
	StartedAt   time.Time
	CompletedAt *time.Time
	Metrics     json.RawMessage
	Error       *string
}

// RunMetrics is the free-form payload stored on run completion.
type RunMetrics struct {
	LatencyMS     int64 `json:"latency_ms"`
	PromptTokens  int   `json:"prompt_tokens,omitempty"`
	OutputTokens  int   `json:"output_tokens,omitempty"`
	CallAttempts  int   `json:"call_attempts"`
	ParseAttempts int   `json:"parse_attempts"`
}
