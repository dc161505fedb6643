// Package snapshot holds the synchronized state model and the per-key codecs
// that translate it to and from URL query parameters.
//
// A Snapshot maps state keys to values. Keys with a registered Codec are
// "known" and get typed values (a *Viewport, a Search, a string); any other
// key is passed through verbatim as a string query parameter.
package snapshot

import (
	"sort"
)

// Snapshot is the complete keyed state at a point in time. Values handed out
// by the controller are clones; treat a Snapshot as immutable.
type Snapshot map[string]any

type absent struct{}

func (absent) String() string { return "<absent>" }

// Absent is the diff value for a key present in the old snapshot but missing
// from the new one.
var Absent any = absent{}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Diff is the subset of a snapshot whose values changed, keyed by state key.
type Diff map[string]any

// Keys returns the changed keys in sorted order.
func (d Diff) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the diff.
func (d Diff) Clone() Diff {
	if d == nil {
		return nil
	}
	out := make(Diff, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = CloneValue(v)
	}
	return out
}

// With returns a copy of s where key holds value. A nil value removes key.
func (s Snapshot) With(key string, value any) Snapshot {
	out := make(Snapshot, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	if value == nil {
		delete(out, key)
		return out
	}
	out[key] = value
	return out
}

// CloneValue copies the value types a snapshot can hold. Decoded JSON trees
// and snapshots are walked; scalars are returned as-is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = CloneValue(x)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = CloneValue(x)
		}
		return out
	case *Viewport:
		if t == nil {
			return t
		}
		cp := *t
		return &cp
	case Search:
		return t.Clone()
	case Snapshot:
		if t == nil {
			return t
		}
		return t.Clone()
	default:
		return v
	}
}
