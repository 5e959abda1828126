package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"inquest/internal/models"
	"inquest/internal/recorder"
	"inquest/internal/store"
)

// Pool runs several independent poll loops against the same store. The claim
// protocol's correctness does not depend on the loop count; MaxInFlight only
// bounds how many model calls this process holds open at once.
type Pool struct {
	Size         int
	MaxInFlight  int64
	Store        store.Store
	Recorder     *recorder.Recorder
	Invoker      Invoker
	Evidence     EvidenceAssembler
	Prompts      PromptRenderer
	Provider     models.ProviderIdentity
	PollInterval time.Duration
	JobBackoff   time.Duration
	Instance     string

	wg sync.WaitGroup
}

// Start launches the loops and returns immediately. Wait blocks until all
// loops have drained after ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	size := p.Size
	if size <= 0 {
		size = 1
	}
	inFlight := p.MaxInFlight
	if inFlight <= 0 {
		inFlight = int64(size)
	}
	sem := semaphore.NewWeighted(inFlight)

	for i := 0; i < size; i++ {
		id := fmt.Sprintf("%s-worker-%d", p.Instance, i+1)
		w := &Worker{
			ID:           id,
			Store:        p.Store,
			Recorder:     p.Recorder,
			Invoker:      p.Invoker,
			Evidence:     p.Evidence,
			Prompts:      p.Prompts,
			Provider:     p.Provider,
			PollInterval: p.PollInterval,
			JobBackoff:   p.JobBackoff,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runGated(ctx, w, sem)
		}()
	}
	log.Printf("pool: started %d workers (instance %s)", size, p.Instance)
}

func (p *Pool) Wait() {
	p.wg.Wait()
	log.Println("pool: all workers stopped")
}

// runGated is the worker loop with the in-flight semaphore held across each
// job's execution, so claim rate is bounded by model throughput.
func (p *Pool) runGated(ctx context.Context, w *Worker, sem *semaphore.Weighted) {
	log.Printf("[%s] started", w.ID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] shutting down", w.ID)
			return
		default:
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		claimed, err := w.RunOnce(ctx)
		sem.Release(1)

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
