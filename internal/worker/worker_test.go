package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inquest/internal/invoke"
	"inquest/internal/lake"
	"inquest/internal/models"
	"inquest/internal/recorder"
	"inquest/internal/state"
	"inquest/internal/store"
)

type scriptedInvoker struct {
	results []*invoke.Result
	errs    []error
	calls   int
	gotReqs []invoke.Request
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
	i := s.calls
	s.calls++
	s.gotReqs = append(s.gotReqs, req)
	var res *invoke.Result
	var err error
	if i < len(s.results) {
		res = s.results[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return res, err
}

type staticEvidence struct{ payload []byte }

func (e staticEvidence) Assemble(ctx context.Context, job *models.Job) ([]byte, error) {
	return e.payload, nil
}

type staticPrompts struct{}

func (staticPrompts) Render(job *models.Job, evidence []byte) (string, error) {
	return "interrogate: " + job.Input, nil
}

func newTestWorker(t *testing.T, inv Invoker) (*Worker, *store.SQLiteStore) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fs, err := lake.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	w := &Worker{
		ID:           "worker-1",
		Store:        s,
		Recorder:     recorder.New(s, fs, recorder.DefaultInlineLimit),
		Invoker:      inv,
		Evidence:     staticEvidence{payload: []byte("source text")},
		Prompts:      staticPrompts{},
		Provider:     models.ProviderIdentity{BaseURL: "http://localhost:11434", Model: "llama3", Temperature: 0.1},
		PollInterval: time.Millisecond,
		JobBackoff:   0, // rescheduled jobs become eligible immediately
	}
	return w, s
}

func enqueueOne(t *testing.T, s *store.SQLiteStore, p models.EnqueueParams) *models.Job {
	t.Helper()
	if p.InterrogationKey == "" {
		p.InterrogationKey = "extract-claims"
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	res, err := s.Enqueue(context.Background(), p)
	require.NoError(t, err)
	job, err := s.FindJob(context.Background(), res.JobID)
	require.NoError(t, err)
	return job
}

func TestWorker_SuccessfulJobRecordsArtifacts(t *testing.T) {
	inv := &scriptedInvoker{results: []*invoke.Result{{
		Parsed:        []byte(`{"claims":[]}`),
		Raw:           `{"claims":[]}`,
		ParseStrategy: "direct",
		CallAttempts:  1,
		ParseAttempts: 1,
		Latency:       50 * time.Millisecond,
	}}}
	w, s := newTestWorker(t, inv)
	ctx := context.Background()

	job := enqueueOne(t, s, models.EnqueueParams{Input: `{"target":"doc-1"}`})

	claimed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, got.Status)
	assert.Nil(t, got.LastError)

	// Exactly one run, closed as succeeded.
	run := findRun(t, s, job)
	assert.Equal(t, state.RunSucceeded, run.Status)

	for _, at := range []models.ArtifactType{
		models.ArtifactRequest, models.ArtifactResponse, models.ArtifactEvidence, models.ArtifactManifest,
	} {
		a, err := s.FindArtifact(ctx, run.ID, at)
		require.NoError(t, err, "artifact %s must exist", at)
		assert.NotEmpty(t, a.ContentSHA256)
	}

	_, err = s.FindArtifact(ctx, run.ID, models.ArtifactError)
	assert.ErrorIs(t, err, store.ErrArtifactNotFound, "no error artifact on success")
}

func TestWorker_ModelHintOverridesDefault(t *testing.T) {
	inv := &scriptedInvoker{results: []*invoke.Result{{
		Parsed: []byte(`{}`), Raw: `{}`, ParseStrategy: "direct", CallAttempts: 1, ParseAttempts: 1,
	}}}
	w, s := newTestWorker(t, inv)

	hint := "mistral"
	enqueueOne(t, s, models.EnqueueParams{ModelHint: &hint})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, inv.gotReqs, 1)
	assert.Equal(t, "mistral", inv.gotReqs[0].Model)
}

func TestWorker_FailureWritesDiagnosticAndReschedules(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{errors.New("model provider unreachable")}}
	w, s := newTestWorker(t, inv)
	ctx := context.Background()

	job := enqueueOne(t, s, models.EnqueueParams{MaxAttempts: 3})

	claimed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusNew, got.Status, "first failure reschedules")
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "unreachable")

	run := findRun(t, s, job)
	assert.Equal(t, state.RunFailed, run.Status)

	a, err := s.FindArtifact(ctx, run.ID, models.ArtifactError)
	require.NoError(t, err)
	assert.Equal(t, models.ArtifactError, a.Type)
}

func TestWorker_ExhaustionDeadlettersJob(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{
		errors.New("bad output"), errors.New("bad output"), errors.New("bad output"),
	}}
	w, s := newTestWorker(t, inv)
	ctx := context.Background()

	job := enqueueOne(t, s, models.EnqueueParams{MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		claimed, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, claimed, "attempt %d", i+1)
	}

	got, err := s.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusDeadletter, got.Status)

	claimed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed, "deadlettered jobs are never claimed again")
	assert.Equal(t, 3, inv.calls)
}

func TestWorker_EmptyQueueIsQuiet(t *testing.T) {
	inv := &scriptedInvoker{}
	w, _ := newTestWorker(t, inv)

	claimed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Zero(t, inv.calls)
}

func findRun(t *testing.T, s *store.SQLiteStore, job *models.Job) *models.Run {
	t.Helper()
	run, err := s.FindLatestRun(context.Background(), job.ID)
	require.NoError(t, err)
	return run
}
