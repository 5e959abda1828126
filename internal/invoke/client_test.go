package invoke

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inquest/custom_errors"
)

type mockTransport struct {
	responses []string
	errs      []error
	calls     int
}

func (m *mockTransport) Generate(ctx context.Context, req Request) (string, error) {
	i := m.calls
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	var resp string
	if i < len(m.responses) {
		resp = m.responses[i]
	}
	return resp, err
}

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.25,
	}
}

func TestClient_Invoke_FirstAttemptSucceeds(t *testing.T) {
	tr := &mockTransport{responses: []string{`{"a":1}`}}
	c := NewClient(tr, fastRetry(3))

	res, err := c.Invoke(context.Background(), Request{Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(res.Parsed))
	assert.Equal(t, "direct", res.ParseStrategy)
	assert.Equal(t, 1, res.CallAttempts)
	assert.Equal(t, 1, tr.calls)
}

func TestClient_Invoke_RetriesTransientThenSucceeds(t *testing.T) {
	tr := &mockTransport{
		errs:      []error{errors.New("connection refused"), errors.New("timeout"), nil},
		responses: []string{"", "", `noise {"a":1} noise`},
	}
	c := NewClient(tr, fastRetry(3))

	res, err := c.Invoke(context.Background(), Request{Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(res.Parsed))
	assert.Equal(t, "balanced_braces", res.ParseStrategy)
	assert.Equal(t, 3, res.CallAttempts)
}

func TestClient_Invoke_ExhaustionRaisesTypedError(t *testing.T) {
	tr := &mockTransport{responses: []string{"not json at all", "not json at all", "not json at all"}}
	c := NewClient(tr, fastRetry(3))

	_, err := c.Invoke(context.Background(), Request{Model: "test"})
	require.Error(t, err)

	var invalid *custom_errors.InvalidOutputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 3, invalid.Attempts)
	assert.Len(t, invalid.AttemptErrors, 3)
	assert.NotEmpty(t, invalid.RawPreview)
	assert.Contains(t, invalid.RawPreview, "not json at all")
	assert.Equal(t, 3, tr.calls)
}

func TestClient_Invoke_PreviewIsBounded(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	tr := &mockTransport{responses: []string{string(big)}}
	c := NewClient(tr, fastRetry(1))

	_, err := c.Invoke(context.Background(), Request{Model: "test"})
	require.Error(t, err)

	var invalid *custom_errors.InvalidOutputError
	require.ErrorAs(t, err, &invalid)
	assert.LessOrEqual(t, len(invalid.RawPreview), custom_errors.RawPreviewLimit+len("...(truncated)"))
}

func TestClient_Invoke_ContextCancelStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &mockTransport{errs: []error{errors.New("refused")}}
	c := NewClient(tr, fastRetry(3))

	_, err := c.Invoke(ctx, Request{Model: "test"})
	require.ErrorIs(t, err, context.Canceled)
}
