package custom_errors

import (
	"fmt"
	"strings"
)

// RawPreviewLimit bounds how much of a model response is carried in
// diagnostics. Never ship the full payload inside an error.
const RawPreviewLimit = 500

// InvalidOutputError is raised when every invocation attempt was exhausted
// without a parseable result. It carries the per-attempt error history and a
// bounded preview of the final raw response.
type InvalidOutputError struct {
	Attempts      int
	AttemptErrors []string
	RawPreview    string
}

func NewInvalidOutputError(attempts int, attemptErrors []string, raw string) *InvalidOutputError {
	return &InvalidOutputError{
		Attempts:      attempts,
		AttemptErrors: attemptErrors,
		RawPreview:    Truncate(raw, RawPreviewLimit),
	}
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("invalid model output after %d attempts: [%s]; raw preview: %q",
		e.Attempts, strings.Join(e.AttemptErrors, "; "), e.RawPreview)
}

// Truncate clips s to at most limit bytes, marking the cut.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
