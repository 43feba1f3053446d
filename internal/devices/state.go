package devices

import (
	"encoding/json"
	"sort"
	"strconv"
)

// State is a device's free-form property bag. Values are kept in canonical
// JSON form (bool, string, float64, nil, []any, map[string]any) so that
// structural comparison is meaningful regardless of where a value came from.
type State map[string]any

// Reserved state keys.
const (
	keyAvailable = "available"
	keyEndpoints = "endpoints"
)

// Available reports the watchdog-managed availability property.
func (s State) Available() bool {
	v, ok := s[keyAvailable].(bool)
	return ok && v
}

// Endpoint returns the endpoint-scoped bag, if any.
func (s State) Endpoint(id int) (map[string]any, bool) {
	eps, ok := s[keyEndpoints].(map[string]any)
	if !ok {
		return nil, false
	}
	bag, ok := eps[strconv.Itoa(id)].(map[string]any)
	return bag, ok
}

// Clone returns a deep copy.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return State(cloneValue(map[string]any(s)).(map[string]any))
}

// merged returns s deep-merged with partial, optionally scoped under
// endpoints.<id>. The receiver is not modified.
func (s State) merged(partial map[string]any, endpointID int, scoped bool) State {
	next := s.Clone()
	if next == nil {
		next = State{}
	}

	incoming := normalizeValue(partial).(map[string]any)
	if scoped {
		key := strconv.Itoa(endpointID)
		eps, ok := next[keyEndpoints].(map[string]any)
		if !ok {
			eps = map[string]any{}
			next[keyEndpoints] = eps
		}
		bag, ok := eps[key].(map[string]any)
		if !ok {
			bag = map[string]any{}
			eps[key] = bag
		}
		deepMerge(bag, incoming)
		return next
	}

	deepMerge(map[string]any(next), incoming)
	return next
}

// deepMerge folds src into dst: nested maps merge recursively, everything
// else overwrites.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				deepMerge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// normalizeValue converts a value tree to canonical JSON form: integers and
// json.Number become float64, typed slices/maps become []any/map[string]any.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		if t == nil {
			return (map[string]any)(nil)
		}
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = normalizeValue(sub)
		}
		return out
	case State:
		return normalizeValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = normalizeValue(sub)
		}
		return out
	default:
		// Fall back to a JSON round-trip for exotic types.
		raw, err := json.Marshal(t)
		if err != nil {
			return t
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return t
		}
		return decoded
	}
}

// cloneValue deep-copies a canonical value tree.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return (map[string]any)(nil)
		}
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = cloneValue(sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = cloneValue(sub)
		}
		return out
	default:
		return normalizeValue(v)
	}
}

// deepEqual compares two canonical value trees structurally. Inputs must be
// normalized first; unknown types never compare equal.
func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, sub := range av {
			other, present := bv[k]
			if !present || !deepEqual(sub, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// statesEqual compares two state bags after normalization.
func statesEqual(a, b State) bool {
	return deepEqual(normalizeValue(a), normalizeValue(b))
}

// sortedKeys returns map keys in stable order; snapshots use it so
// enumerations do not flap between calls.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
