package domain

import (
	"encoding/json"
	"fmt"
)

// State is a JSON-compatible snapshot of an entity before or after an action.
type State map[string]any

// NormalizeState round-trips s through JSON so that every value has the shape it will have
// after being read back from storage (numbers become float64, structs become maps).
// An empty state normalizes to nil.
func NormalizeState(s State) (State, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("audit state: %w", err)
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("audit state: %w", err)
	}
	return out, nil
}

// EncodeState returns the canonical JSON text of s (keys sorted) and false when s is empty.
// The same encoding feeds the checksum, so stored and hashed forms never drift.
func EncodeState(s State) (string, bool, error) {
	if len(s) == 0 {
		return "", false, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", false, fmt.Errorf("audit state: %w", err)
	}
	return string(b), true, nil
}

// DecodeState parses canonical JSON text written by EncodeState.
func DecodeState(text string) (State, error) {
	if text == "" {
		return nil, nil
	}
	var out State
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("audit state: %w", err)
	}
	return out, nil
}
