// Package config holds the agent's dynamic configuration: a JSON object
// mutated through RFC 7396 merge patches, with a monotonic version counter
// that only advances on effective change.
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// DefaultInterval is the metrics-pipeline period when none is configured.
const DefaultInterval = 3000 * time.Millisecond

// optionKind describes the JSON type an option must carry.
type optionKind int

const (
	kindNumber optionKind = iota
	kindBool
	kindString
	kindStringArray
	kindObjectOrString
)

// schema lists the recognized top-level options. Unknown keys pass through
// untouched; known keys with mismatched types are rejected with code 422.
var schema = map[string]optionKind{
	"interval":                kindNumber,
	"pauseMetrics":            kindBool,
	"tracingEnabled":          kindBool,
	"tracingModulesBlacklist": kindNumber,
	"blockedLoopThreshold":    kindNumber,
	"promiseTracking":         kindBool,
	"redactSnapshots":         kindBool,
	"disableSnapshots":        kindBool,
	"tags":                    kindStringArray,
	"statsd":                  kindObjectOrString,
	"statsdBucket":            kindString,
	"statsdTags":              kindStringArray,
	"otlp":                    kindObjectOrString,
}

// ValidationError reports a rejected option. Code is always 422.
type ValidationError struct {
	Key  string
	Code int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid type for option %q", e.Key)
}

// Store is the authoritative configuration object. Readers take a snapshot
// under the mutex; the version is readable without one.
type Store struct {
	mu      sync.Mutex
	current map[string]any
	raw     []byte
	version atomic.Uint32
}

// NewStore creates an empty store at version 0.
func NewStore() *Store {
	return &Store{current: map[string]any{}, raw: []byte("{}")}
}

// Version returns the current configuration version.
func (s *Store) Version() uint32 {
	return s.version.Load()
}

// Snapshot returns the configuration serialized as JSON.
func (s *Store) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.raw)
}

// Get returns the raw JSON value of a top-level key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.current[key]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Update applies a merge patch. The patch may be a JSON string, raw JSON
// bytes or any JSON-marshalable value. It returns the top-level keys whose
// values changed; an empty slice means the patch was a no-op and the version
// did not advance. A malformed or invalid patch leaves the configuration
// untouched.
func (s *Store) Update(patch any) ([]string, error) {
	patchJSON, err := normalizePatch(patch)
	if err != nil {
		return nil, err
	}

	var patchMap map[string]any
	if err := json.Unmarshal(patchJSON, &patchMap); err != nil {
		return nil, fmt.Errorf("configuration patch must be an object: %w", err)
	}
	for key, val := range patchMap {
		if err := validateOption(key, val); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := jsonpatch.MergePatch(s.raw, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}

	var next map[string]any
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, fmt.Errorf("merge patch produced invalid object: %w", err)
	}

	changed := diffKeys(s.current, next)
	if len(changed) == 0 {
		return nil, nil
	}

	s.current = next
	s.raw = merged
	s.version.Add(1)
	return changed, nil
}

func normalizePatch(patch any) ([]byte, error) {
	switch p := patch.(type) {
	case string:
		if !json.Valid([]byte(p)) {
			return nil, fmt.Errorf("malformed configuration string")
		}
		return []byte(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("malformed configuration bytes")
		}
		return p, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("malformed configuration bytes")
		}
		return p, nil
	default:
		return json.Marshal(patch)
	}
}

func validateOption(key string, val any) error {
	kind, known := schema[key]
	if !known || val == nil {
		// nil deletes the key under merge-patch semantics.
		return nil
	}
	ok := false
	switch kind {
	case kindNumber:
		_, ok = val.(float64)
	case kindBool:
		_, ok = val.(bool)
	case kindString:
		_, ok = val.(string)
	case kindStringArray:
		arr, isArr := val.([]any)
		ok = isArr
		for _, item := range arr {
			if _, isStr := item.(string); !isStr {
				ok = false
				break
			}
		}
	case kindObjectOrString:
		switch val.(type) {
		case map[string]any, string:
			ok = true
		}
	}
	if !ok {
		return &ValidationError{Key: key, Code: 422}
	}
	return nil
}

func diffKeys(old, next map[string]any) []string {
	var changed []string
	for k, v := range next {
		if ov, ok := old[k]; !ok || !reflect.DeepEqual(ov, v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// ---- typed accessors ----

func (s *Store) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.current[key]
	return v, ok
}

func (s *Store) getBool(key string) bool {
	v, ok := s.get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (s *Store) getNumber(key string) (float64, bool) {
	v, ok := s.get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Interval returns the metrics-pipeline period.
func (s *Store) Interval() time.Duration {
	if f, ok := s.getNumber("interval"); ok && f > 0 {
		return time.Duration(f) * time.Millisecond
	}
	return DefaultInterval
}

// PauseMetrics reports whether metric sampling is suspended.
func (s *Store) PauseMetrics() bool { return s.getBool("pauseMetrics") }

// TracingEnabled reports the master span-emission switch.
func (s *Store) TracingEnabled() bool { return s.getBool("tracingEnabled") }

// TracingBlacklist returns the span-type suppression bitmask.
func (s *Store) TracingBlacklist() uint32 {
	f, _ := s.getNumber("tracingModulesBlacklist")
	return uint32(f)
}

// BlockedLoopThreshold returns the configured minimum block duration to
// report, or 0 when unset.
func (s *Store) BlockedLoopThreshold() time.Duration {
	if f, ok := s.getNumber("blockedLoopThreshold"); ok && f > 0 {
		return time.Duration(f) * time.Millisecond
	}
	return 0
}

// PromiseTracking reports whether promise lifecycle counters are enabled.
func (s *Store) PromiseTracking() bool { return s.getBool("promiseTracking") }

// RedactSnapshots reports whether heap snapshots redact string values.
func (s *Store) RedactSnapshots() bool { return s.getBool("redactSnapshots") }

// DisableSnapshots reports whether snapshot requests are rejected.
func (s *Store) DisableSnapshots() bool { return s.getBool("disableSnapshots") }

// Tags returns the configured free-form tags.
func (s *Store) Tags() []string {
	v, ok := s.get("tags")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
