package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"inquest/custom_errors"
	"inquest/internal/parser"
)

// Request is one generation request against the model provider.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	Seed        *int
}

// Transport performs a single raw call against the provider. Implementations
// must not retry; the client owns the retry loop.
type Transport interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Result is a successful invocation: a parsed document plus enough metadata
// for the run recorder.
type Result struct {
	Parsed        json.RawMessage
	Raw           string
	ParseStrategy string
	CallAttempts  int
	ParseAttempts int
	Latency       time.Duration
}

// Client wraps one model call with retry/backoff and the fallback parse
// chain. It is stateless per call and knows nothing about the job store.
type Client struct {
	transport Transport
	retry     RetryConfig
}

func NewClient(transport Transport, retry RetryConfig) *Client {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Client{transport: transport, retry: retry}
}

// Invoke calls the provider until a parseable response arrives or attempts
// run out. Transport failures and unparseable responses both consume an
// attempt: re-asking the model is the only remedy for either. On exhaustion
// the typed InvalidOutputError carries the per-attempt history and a bounded
// preview of the final raw response.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	var attemptErrors []string
	var lastRaw string
	parseAttempts := 0

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		raw, err := c.transport.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attemptErrors = append(attemptErrors, fmt.Sprintf("attempt %d: provider: %v", attempt, err))
		} else {
			lastRaw = raw
			doc, strategy, tried, perr := parser.Extract(raw)
			parseAttempts += len(tried)
			if perr == nil {
				parseAttempts++ // the winning strategy
				return &Result{
					Parsed:        doc,
					Raw:           raw,
					ParseStrategy: strategy,
					CallAttempts:  attempt,
					ParseAttempts: parseAttempts,
					Latency:       time.Since(started),
				}, nil
			}
			attemptErrors = append(attemptErrors, fmt.Sprintf("attempt %d: %v", attempt, perr))
		}

		if attempt < c.retry.MaxAttempts {
			delay := c.retry.Delay(attempt)
			log.Printf("invoke: attempt %d/%d failed, retrying in %s", attempt, c.retry.MaxAttempts, delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, custom_errors.NewInvalidOutputError(c.retry.MaxAttempts, attemptErrors, lastRaw)
}
