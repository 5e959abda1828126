package parser

import (
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		valid        bool
		wantStrategy string
		wantDoc      string
		wantAttempts int
	}{
		{"clean object", `{"a":1}`, true, "direct", `{"a":1}`, 0},
		{"clean array", `[1,2]`, true, "direct", `[1,2]`, 0},
		{"padded whitespace", "  {\"a\":1}  ", true, "trimmed", `{"a":1}`, 1},
		{"leading newline", "\n{\"a\":1}\n", true, "trimmed", `{"a":1}`, 1},
		{"noise around object", `noise {"a":1} noise`, true, "balanced_braces", `{"a":1}`, 2},
		{"markdown fenced", "```json\n{\"a\": {\"b\": 2}}\n```", true, "balanced_braces", `{"a": {"b": 2}}`, 2},
		{"braces inside strings", `says {"msg":"a } b"} done`, true, "balanced_braces", `{"msg":"a } b"}`, 2},
		{"not json at all", "not json at all", false, "", "", 3},
		{"bare scalar", "42", false, "", "", 3},
		{"unbalanced", `prefix {"a": 1`, false, "", "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, strategy, attempts, err := Extract(tt.input)
			if tt.valid {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if strategy != tt.wantStrategy {
					t.Errorf("strategy = %q, want %q", strategy, tt.wantStrategy)
				}
				if string(doc) != tt.wantDoc {
					t.Errorf("doc = %q, want %q", doc, tt.wantDoc)
				}
			} else {
				if err == nil {
					t.Fatalf("expected error but got none (doc=%q via %q)", doc, strategy)
				}
			}
			if len(attempts) != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", len(attempts), tt.wantAttempts)
			}
		})
	}
}

func TestExtract_AttemptHistoryNamesStrategies(t *testing.T) {
	_, _, attempts, err := Extract("not json at all")
	if err == nil {
		t.Fatal("expected failure")
	}
	want := []string{"direct", "trimmed", "balanced_braces"}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %d, want %d", len(attempts), len(want))
	}
	for i, a := range attempts {
		if a.Strategy != want[i] {
			t.Errorf("attempt %d strategy = %q, want %q", i, a.Strategy, want[i])
		}
		if a.Err == "" {
			t.Errorf("attempt %d has empty error", i)
		}
	}
}
