// Package worker hosts the poll loop: claim the next eligible job, drive the
// invocation pipeline, record the run and its artifacts, and report the
// outcome back to the job store. A job failure never takes the loop down.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"inquest/custom_errors"
	"inquest/internal/invoke"
	"inquest/internal/models"
	"inquest/internal/recorder"
	"inquest/internal/state"
	"inquest/internal/store"
)

// EvidenceAssembler gathers the source material a job points at. The crawling
// and discovery machinery behind it is an external collaborator.
type EvidenceAssembler interface {
	Assemble(ctx context.Context, job *models.Job) ([]byte, error)
}

// PromptRenderer turns a job and its evidence bundle into the prompt text.
// Rubric and taxonomy content live outside this core.
type PromptRenderer interface {
	Render(job *models.Job, evidence []byte) (string, error)
}

// Invoker is satisfied by *invoke.Client.
type Invoker interface {
	Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error)
}

type Worker struct {
	ID           string
	Store        store.Store
	Recorder     *recorder.Recorder
	Invoker      Invoker
	Evidence     EvidenceAssembler
	Prompts      PromptRenderer
	Provider     models.ProviderIdentity
	PollInterval time.Duration
	JobBackoff   time.Duration
}

// Run polls until ctx is done. An empty claim sleeps for PollInterval; a
// claimed job is processed immediately and the loop repeats without sleeping.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[%s] started", w.ID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] shutting down", w.ID)
			return
		default:
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			log.Printf("[%s] poll error: %v", w.ID, err)
		}
		if !claimed {
			if err := sleepCtx(ctx, w.PollInterval); err != nil {
				return
			}
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed; processing errors are swallowed into the job's failure report.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.Store.Claim(ctx, w.ID)
	if err != nil {
		return false, fmt.Errorf("claim failed: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] panic in job %s: %v", w.ID, job.ID, r)
			msg := fmt.Sprintf("panic: %v", r)
			if _, err := w.Store.Complete(ctx, job.ID, state.StatusFailed, &msg, w.JobBackoff); err != nil {
				log.Printf("[%s] failed to report panic for job %s: %v", w.ID, job.ID, err)
			}
		}
	}()

	provider := w.Provider
	if job.ModelHint != nil && *job.ModelHint != "" {
		provider.Model = *job.ModelHint
	}

	run, err := w.Recorder.CreateRun(ctx, job.ID, w.ID, provider)
	if err != nil {
		w.reportFailure(ctx, job, nil, nil, fmt.Errorf("run open failed: %w", err))
		return
	}

	evidence, err := w.Evidence.Assemble(ctx, job)
	if err != nil {
		w.reportFailure(ctx, job, run, nil, fmt.Errorf("evidence assembly failed: %w", err))
		return
	}

	prompt, err := w.Prompts.Render(job, evidence)
	if err != nil {
		w.reportFailure(ctx, job, run, nil, fmt.Errorf("prompt rendering failed: %w", err))
		return
	}

	req := invoke.Request{
		Model:       provider.Model,
		Prompt:      prompt,
		Temperature: provider.Temperature,
		Seed:        provider.Seed,
	}

	var siblings []*models.Artifact
	requestPayload, _ := json.Marshal(map[string]any{
		"model":       req.Model,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
	})
	if a, err := w.Recorder.WriteArtifact(ctx, run, models.ArtifactRequest, requestPayload, "application/json"); err != nil {
		w.reportFailure(ctx, job, run, nil, fmt.Errorf("request artifact failed: %w", err))
		return
	} else {
		siblings = append(siblings, a)
	}
	if a, err := w.Recorder.WriteArtifact(ctx, run, models.ArtifactEvidence, evidence, "text/plain"); err != nil {
		w.reportFailure(ctx, job, run, nil, fmt.Errorf("evidence artifact failed: %w", err))
		return
	} else {
		siblings = append(siblings, a)
	}

	res, err := w.Invoker.Invoke(ctx, req)
	if err != nil {
		w.reportFailure(ctx, job, run, siblings, err)
		return
	}

	respArtifact, err := w.Recorder.WriteArtifact(ctx, run, models.ArtifactResponse, []byte(res.Raw), "application/json")
	if err != nil {
		w.reportFailure(ctx, job, run, siblings, fmt.Errorf("response artifact failed: %w", err))
		return
	}
	siblings = append(siblings, respArtifact)

	if _, err := w.Recorder.WriteManifest(ctx, run, siblings); err != nil {
		log.Printf("[%s] manifest write failed for run %s: %v", w.ID, run.ID, err)
	}

	metrics := &models.RunMetrics{
		LatencyMS:     res.Latency.Milliseconds(),
		CallAttempts:  res.CallAttempts,
		ParseAttempts: res.ParseAttempts,
	}
	if err := w.Recorder.CompleteRun(ctx, run.ID, state.RunSucceeded, metrics, nil); err != nil {
		log.Printf("[%s] run close failed for %s: %v", w.ID, run.ID, err)
	}
	if _, err := w.Store.Complete(ctx, job.ID, state.StatusSucceeded, nil, 0); err != nil {
		log.Printf("[%s] completion report failed for job %s: %v", w.ID, job.ID, err)
		return
	}
	log.Printf("[%s] job %s succeeded via %s (%d call attempts)", w.ID, job.ID, res.ParseStrategy, res.CallAttempts)
}

// reportFailure captures bounded diagnostics on the run and its error
// artifact, closes the run, and reports FAILED so the store applies backoff
// or deadletters the job.
func (w *Worker) reportFailure(ctx context.Context, job *models.Job, run *models.Run, siblings []*models.Artifact, cause error) {
	msg := cause.Error()

	if run != nil {
		diag := recorder.ErrorDiagnostic{Error: custom_errors.Truncate(msg, custom_errors.RawPreviewLimit)}
		var invalid *custom_errors.InvalidOutputError
		if errors.As(cause, &invalid) {
			diag.AttemptErrors = invalid.AttemptErrors
			diag.RawResponse = invalid.RawPreview
		}
		if a, err := w.Recorder.WriteErrorDiagnostic(ctx, run, diag); err != nil {
			log.Printf("[%s] error artifact failed for run %s: %v", w.ID, run.ID, err)
		} else {
			siblings = append(siblings, a)
		}
		if len(siblings) > 0 {
			if _, err := w.Recorder.WriteManifest(ctx, run, siblings); err != nil {
				log.Printf("[%s] manifest write failed for run %s: %v", w.ID, run.ID, err)
			}
		}
		if err := w.Recorder.CompleteRun(ctx, run.ID, state.RunFailed, nil, &msg); err != nil {
			log.Printf("[%s] run close failed for %s: %v", w.ID, run.ID, err)
		}
	}

	final, err := w.Store.Complete(ctx, job.ID, state.StatusFailed, &msg, w.JobBackoff)
	if err != nil {
		log.Printf("[%s] failure report failed for job %s: %v", w.ID, job.ID, err)
		return
	}
	log.Printf("[%s] job %s failed (attempt %d/%d) -> %s: %s",
		w.ID, job.ID, job.AttemptCount, job.MaxAttempts, final, custom_errors.Truncate(msg, 200))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
