package parser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Strategy is one way of coaxing a JSON document out of raw model text.
// Strategies are tried in order; the first success wins.
type Strategy struct {
	Name string
	Fn   func(raw string) (json.RawMessage, error)
}

// Attempt records one strategy's outcome for diagnostics.
type Attempt struct {
	Strategy string
	Err      string
}

// Strategies is the default chain: direct parse, parse after trimming
// whitespace, then extraction of the first balanced brace block. Adding a
// fourth strategy means appending here; callers never change.
var Strategies = []Strategy{
	{Name: "direct", Fn: parseDirect},
	{Name: "trimmed", Fn: parseTrimmed},
	{Name: "balanced_braces", Fn: parseBalancedBraces},
}

// Extract runs the strategy chain over raw. On success it returns the parsed
// document, the name of the winning strategy, and the attempts made so far.
// On failure every attempt is returned along with a non-nil error.
func Extract(raw string) (json.RawMessage, string, []Attempt, error) {
	attempts := make([]Attempt, 0, len(Strategies))
	for _, s := range Strategies {
		doc, err := s.Fn(raw)
		if err == nil {
			return doc, s.Name, attempts, nil
		}
		attempts = append(attempts, Attempt{Strategy: s.Name, Err: err.Error()})
	}
	return nil, "", attempts, fmt.Errorf("no parse strategy succeeded (%d tried)", len(Strategies))
}

// parseDirect only accepts input that is already exactly a JSON document.
// json.Unmarshal would tolerate surrounding whitespace, which belongs to the
// trimmed strategy; rejecting it here keeps the attribution honest.
func parseDirect(raw string) (json.RawMessage, error) {
	if raw != strings.TrimSpace(raw) {
		return nil, fmt.Errorf("response has surrounding whitespace")
	}
	return validate(raw)
}

func parseTrimmed(raw string) (json.RawMessage, error) {
	return validate(strings.TrimSpace(raw))
}

// parseBalancedBraces extracts the first balanced {...} block, respecting
// string literals and escapes, and parses that substring. Conservative: it
// never rewrites content, only narrows the window.
func parseBalancedBraces(raw string) (json.RawMessage, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, fmt.Errorf("no opening brace in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return validate(raw[start : i+1])
			}
		}
	}
	return nil, fmt.Errorf("unbalanced braces in response")
}

func validate(candidate string) (json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return nil, err
	}
	switch probe.(type) {
	case map[string]any, []any:
		return json.RawMessage(candidate), nil
	default:
		return nil, fmt.Errorf("parsed value is not an object or array")
	}
}
