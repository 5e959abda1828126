package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"inquest/internal/config"
	"inquest/internal/health"
	"inquest/internal/invoke"
	"inquest/internal/lake"
	"inquest/internal/models"
	"inquest/internal/recorder"
	"inquest/internal/store"
	"inquest/internal/worker"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "inquest.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	artifactLake, err := openLake(ctx, cfg)
	if err != nil {
		log.Fatalf("lake: %v", err)
	}

	rec := recorder.New(st, artifactLake, cfg.InlineLimitBytes)

	transport := invoke.NewHTTPTransport(cfg.Provider.BaseURL, cfg.ProviderTimeout())
	client := invoke.NewClient(transport, invoke.RetryConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialDelay:      time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: cfg.Retry.Multiplier,
		JitterFraction:    cfg.Retry.JitterFraction,
	})

	pool := &worker.Pool{
		Size:        cfg.WorkerCount,
		MaxInFlight: int64(cfg.MaxInFlight),
		Store:       st,
		Recorder:    rec,
		Invoker:     client,
		Evidence:    &lakeEvidence{lake: artifactLake},
		Prompts:     plainPrompts{},
		Provider: models.ProviderIdentity{
			BaseURL:     cfg.Provider.BaseURL,
			Model:       cfg.Provider.Model,
			Temperature: cfg.Provider.Temperature,
		},
		PollInterval: cfg.PollInterval(),
		JobBackoff:   cfg.JobBackoff(),
		Instance:     cfg.Instance,
	}
	pool.Start(ctx)

	monitor := health.NewMonitor(st, cfg.StaleRunning())
	scheduler := cron.New()
	policy := health.EscalationPolicy{
		AgeThreshold:  time.Duration(cfg.Escalation.AgeThresholdMinutes) * time.Minute,
		PriorityBoost: cfg.Escalation.PriorityBoost,
		MaxPriority:   cfg.Escalation.MaxPriority,
		MaxJobsPerRun: cfg.Escalation.MaxJobsPerRun,
	}
	if _, err := monitor.Schedule(scheduler, cfg.Escalation.CronSpec, policy); err != nil {
		log.Fatalf("escalation schedule: %v", err)
	}
	scheduler.Start()

	<-ctx.Done()
	log.Println("shutdown signal received, draining workers")
	<-scheduler.Stop().Done()
	pool.Wait()
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Store.PostgresURL)
	case "sqlite":
		return store.OpenSQLite(cfg.Store.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openLake(ctx context.Context, cfg config.Config) (lake.Lake, error) {
	switch cfg.Lake.Backend {
	case "local":
		return lake.NewLocalFS(cfg.Lake.Root)
	case "minio":
		return lake.NewMinIO(ctx, lake.MinIOConfig{
			Endpoint:  cfg.Lake.Endpoint,
			AccessKey: cfg.Lake.AccessKey,
			SecretKey: cfg.Lake.SecretKey,
			Bucket:    cfg.Lake.Bucket,
			UseSSL:    cfg.Lake.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown lake backend %q", cfg.Lake.Backend)
	}
}

// lakeEvidence resolves a job's evidence reference against the artifact lake.
// Jobs without a reference carry their evidence inline in the input payload.
type lakeEvidence struct {
	lake lake.Lake
}

func (e *lakeEvidence) Assemble(ctx context.Context, job *models.Job) ([]byte, error) {
	if job.EvidenceRef == "" {
		return []byte(job.Input), nil
	}
	data, err := e.lake.Get(ctx, job.EvidenceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve evidence %s: %w", job.EvidenceRef, err)
	}
	return data, nil
}

// plainPrompts is the built-in renderer: task payload followed by evidence,
// with an instruction to answer in JSON only. Richer rubric templates plug in
// through the PromptRenderer interface.
type plainPrompts struct{}

func (plainPrompts) Render(job *models.Job, evidence []byte) (string, error) {
	if len(job.Input) == 0 {
		return "", fmt.Errorf("job %s has no input payload", job.ID)
	}
	return fmt.Sprintf(
		"Task (%s):\n%s\n\nEvidence:\n%s\n\nRespond with a single JSON object and nothing else.",
		job.InterrogationKey, job.Input, evidence,
	), nil
}
