package state

import (
	"testing"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{
			name:     "New status",
			status:   StatusNew,
			expected: "new",
		},
		{
			name:     "Running status",
			status:   StatusRunning,
			expected: "running",
		},
		{
			name:     "Succeeded status",
			status:   StatusSucceeded,
			expected: "succeeded",
		},
		{
			name:     "Failed status",
			status:   StatusFailed,
			expected: "failed",
		},
		{
			name:     "Deadletter status",
			status:   StatusDeadletter,
			expected: "deadletter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{"new to running", StatusNew, StatusRunning, true},
		{"running to succeeded", StatusRunning, StatusSucceeded, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to deadletter", StatusRunning, StatusDeadletter, true},
		{"failed back to new", StatusFailed, StatusNew, true},
		{"failed to deadletter", StatusFailed, StatusDeadletter, true},
		{"new straight to succeeded", StatusNew, StatusSucceeded, false},
		{"succeeded is terminal", StatusSucceeded, StatusNew, false},
		{"deadletter is terminal", StatusDeadletter, StatusNew, false},
		{"running cannot go back to new", StatusRunning, StatusNew, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%v, %v) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	for _, s := range AllStatuses {
		got := s.Terminal()
		want := s == StatusSucceeded || s == StatusDeadletter
		if got != want {
			t.Errorf("Terminal() for %v = %v, want %v", s, got, want)
		}
	}
}
