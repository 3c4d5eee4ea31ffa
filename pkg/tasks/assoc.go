package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidEntry is returned for task entries that break registry invariants.
var ErrInvalidEntry = errors.New("invalid task entry")

// DecodeError reports persisted state that does not match the expected schema.
type DecodeError struct {
	Key    string
	Index  int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decode %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("decode %s[%d]: %s", e.Key, e.Index, e.Reason)
}

// Persisted state is stored as association lists: a JSON array of
// two-element arrays, [["name", value], ...], sorted by name.

// EncodePeriods serializes name -> period seconds.
func EncodePeriods(m map[string]int) (string, error) {
	pairs := make([][2]any, 0, len(m))
	for _, k := range sortedKeys(m) {
		pairs = append(pairs, [2]any{k, m[k]})
	}
	data, err := json.Marshal(pairs)
	return string(data), err
}

// EncodeStrings serializes name -> string value.
func EncodeStrings(m map[string]string) (string, error) {
	pairs := make([][2]any, 0, len(m))
	for _, k := range sortedKeys(m) {
		pairs = append(pairs, [2]any{k, m[k]})
	}
	data, err := json.Marshal(pairs)
	return string(data), err
}

// EncodeFlags serializes name -> bool.
func EncodeFlags(m map[string]bool) (string, error) {
	pairs := make([][2]any, 0, len(m))
	for _, k := range sortedKeys(m) {
		pairs = append(pairs, [2]any{k, m[k]})
	}
	data, err := json.Marshal(pairs)
	return string(data), err
}

// DecodePeriods parses an association list of positive integer periods.
// An empty string decodes to an empty map.
func DecodePeriods(key, raw string) (map[string]int, error) {
	pairs, err := decodePairs(key, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(pairs))
	for i, p := range pairs {
		name, err := pairName(key, i, p)
		if err != nil {
			return nil, err
		}
		var f float64
		if err := json.Unmarshal(p[1], &f); err != nil {
			return nil, &DecodeError{Key: key, Index: i, Reason: "period is not a number"}
		}
		if f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
			return nil, &DecodeError{Key: key, Index: i, Reason: fmt.Sprintf("period %v out of range", f)}
		}
		out[name] = int(f)
	}
	return out, nil
}

// DecodeStrings parses an association list of string values.
func DecodeStrings(key, raw string) (map[string]string, error) {
	pairs, err := decodePairs(key, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(pairs))
	for i, p := range pairs {
		name, err := pairName(key, i, p)
		if err != nil {
			return nil, err
		}
		var v string
		if err := json.Unmarshal(p[1], &v); err != nil {
			return nil, &DecodeError{Key: key, Index: i, Reason: "value is not a string"}
		}
		out[name] = v
	}
	return out, nil
}

// DecodeFlags parses an association list of booleans.
func DecodeFlags(key, raw string) (map[string]bool, error) {
	pairs, err := decodePairs(key, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(pairs))
	for i, p := range pairs {
		name, err := pairName(key, i, p)
		if err != nil {
			return nil, err
		}
		var v bool
		if err := json.Unmarshal(p[1], &v); err != nil {
			return nil, &DecodeError{Key: key, Index: i, Reason: "value is not a boolean"}
		}
		out[name] = v
	}
	return out, nil
}

func decodePairs(key, raw string) ([][]json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	var pairs [][]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, &DecodeError{Key: key, Index: -1, Reason: err.Error()}
	}
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, &DecodeError{Key: key, Index: i, Reason: fmt.Sprintf("expected pair, got %d elements", len(p))}
		}
	}
	return pairs, nil
}

func pairName(key string, i int, p []json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(p[0], &name); err != nil || name == "" {
		return "", &DecodeError{Key: key, Index: i, Reason: "name is not a non-empty string"}
	}
	return name, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
