// Package extras sanitizes the free-form "extras" open map field: key
// pattern and length constraints, recursive value sanitization up to a
// bounded nesting depth, and truncation/dropping rules. A structurally
// unsound extras value is rejected as a whole (extras_invalid) rather than
// partially applied field-by-field — callers get all-or-nothing semantics
// for this one field, the same way the Schema Gate rejects a whole
// candidate rather than guessing at a partial fix.
package extras

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/lumenic/factsheet/internal/model"
)

// InvalidError describes why an extras value was rejected outright.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("extras: %s", e.Reason)
}

// Sanitizer applies an ExtrasPolicy to candidate extras values.
type Sanitizer struct {
	policy  model.ExtrasPolicy
	keyExpr *regexp.Regexp
}

// New compiles policy's key pattern once and returns a reusable Sanitizer.
// Returns an error if the pattern itself does not compile — a
// registration-time failure, not a per-candidate one.
func New(policy model.ExtrasPolicy) (*Sanitizer, error) {
	pattern := policy.KeyPattern
	if pattern == "" {
		pattern = model.DefaultExtrasPolicy().KeyPattern
	}
	expr, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("extras: invalid key pattern: %w", err)
	}
	if policy.MaxKeyLength <= 0 {
		policy.MaxKeyLength = model.DefaultExtrasPolicy().MaxKeyLength
	}
	if policy.MaxStringLength <= 0 {
		policy.MaxStringLength = model.DefaultExtrasPolicy().MaxStringLength
	}
	if policy.MaxArrayLength <= 0 {
		policy.MaxArrayLength = model.DefaultExtrasPolicy().MaxArrayLength
	}
	if policy.MaxNestingDepth <= 0 {
		policy.MaxNestingDepth = model.DefaultExtrasPolicy().MaxNestingDepth
	}
	if policy.ExtrasMaxKeys <= 0 {
		policy.ExtrasMaxKeys = model.DefaultExtrasPolicy().ExtrasMaxKeys
	}
	return &Sanitizer{policy: policy, keyExpr: expr}, nil
}

// Sanitize validates and normalizes a candidate extras value. value must be
// a map[string]any (or nil, meaning "clear extras") — any other shape is
// rejected whole. Keys that fail the pattern/length check are dropped, not
// individually rejected — but if dropping invalid keys and values leaves
// nothing behind from a non-empty candidate, the whole candidate is
// rejected as extras_invalid rather than silently accepted as an empty
// object.
func (s *Sanitizer) Sanitize(value any) (any, *InvalidError) {
	if value == nil {
		return nil, nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, &InvalidError{Reason: fmt.Sprintf("extras must be an object, got %T", value)}
	}
	out := s.sanitizeObject(obj, 0)
	if len(out) > s.policy.ExtrasMaxKeys {
		out = truncateKeys(out, s.policy.ExtrasMaxKeys)
	}
	if len(obj) > 0 && len(out) == 0 {
		return nil, &InvalidError{Reason: "extras sanitized to an empty object"}
	}
	return out, nil
}

// sanitizeObject drops invalid keys and sanitizes surviving values. depth
// counts nested object levels already consumed; at MaxNestingDepth, nested
// objects are dropped rather than descended into further.
func (s *Sanitizer) sanitizeObject(obj map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if !s.validKey(k) {
			continue
		}
		sanitized, keep := s.sanitizeValue(v, depth)
		if keep {
			out[k] = sanitized
		}
	}
	return out
}

func (s *Sanitizer) validKey(k string) bool {
	if len(k) == 0 || len(k) > s.policy.MaxKeyLength {
		return false
	}
	return s.keyExpr.MatchString(k)
}

// sanitizeValue normalizes a single extras leaf/branch value. The bool
// result reports whether the key should be retained at all — values that
// can't be made to fit the policy (disallowed arrays/objects, for example)
// are dropped rather than rejecting the whole candidate.
func (s *Sanitizer) sanitizeValue(v any, depth int) (any, bool) {
	switch val := v.(type) {
	case string:
		if len(val) > s.policy.MaxStringLength {
			return val[:s.policy.MaxStringLength], true
		}
		return val, true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, false
		}
		return val, true
	case int, int32, int64, bool, nil:
		return val, true
	case []any:
		if !s.policy.AllowArrays {
			return nil, false
		}
		n := len(val)
		if n > s.policy.MaxArrayLength {
			n = s.policy.MaxArrayLength
		}
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			sanitized, keep := s.sanitizeValue(val[i], depth)
			if keep {
				out = append(out, sanitized)
			}
		}
		return out, true
	case map[string]any:
		if !s.policy.AllowNestedObjects {
			return nil, false
		}
		if depth+1 >= s.policy.MaxNestingDepth {
			return nil, false
		}
		return s.sanitizeObject(val, depth+1), true
	default:
		return nil, false
	}
}

// truncateKeys deterministically keeps the first max keys in sorted order,
// so repeated sanitization of the same oversized candidate is stable.
func truncateKeys(m map[string]any, max int) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > max {
		keys = keys[:max]
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}
