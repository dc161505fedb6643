package snapshot

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
)

const (
	// SearchKey is the state key of the search descriptor.
	SearchKey = "search"

	FilterParam  = "q"
	DisplayParam = "show"
	AddressParam = "a"
)

// Search is the search descriptor: a filter object, a display object and a
// free-text address. Filter is never nil in snapshots produced by the
// registry.
type Search struct {
	Filter  map[string]any `json:"filter"`
	Display any            `json:"display,omitempty"`
	Address string         `json:"address,omitempty"`
}

// EmptySearch is the value a URL without search parameters decodes to.
func EmptySearch() Search {
	return Search{Filter: map[string]any{}}
}

// Clone returns a deep copy of s.
func (s Search) Clone() Search {
	out := Search{Address: s.Address, Display: CloneValue(s.Display)}
	if s.Filter != nil {
		out.Filter = CloneValue(s.Filter).(map[string]any)
	}
	return out
}

// compactJSON encodes v as compact JSON. encoding/json sorts map keys, so the
// encoding of equal values is identical.
func compactJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// normalizeJSON round-trips v through JSON so numbers become float64 and
// structs become maps, matching what Deserialize produces.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type searchCodec struct{}

// NewSearchCodec returns the codec for the "search" key.
func NewSearchCodec() Codec { return searchCodec{} }

func (searchCodec) Key() string      { return SearchKey }
func (searchCodec) Params() []string { return []string{FilterParam, DisplayParam, AddressParam} }
func (searchCodec) Default() any     { return EmptySearch() }

func (searchCodec) Serialize(value any, params url.Values) {
	s, ok := value.(Search)
	if !ok {
		return
	}
	if len(s.Filter) > 0 {
		if q, err := compactJSON(s.Filter); err == nil {
			params.Set(FilterParam, q)
		}
	}
	if s.Display != nil {
		if show, err := compactJSON(s.Display); err == nil {
			params.Set(DisplayParam, show)
		}
	}
	if s.Address != "" {
		params.Set(AddressParam, s.Address)
	}
}

// Deserialize never fails: a missing or malformed filter yields an empty
// object and a missing or malformed display yields nil.
func (searchCodec) Deserialize(params url.Values) any {
	s := EmptySearch()
	if q := params.Get(FilterParam); q != "" {
		var filter map[string]any
		if err := json.Unmarshal([]byte(q), &filter); err == nil && filter != nil {
			s.Filter = filter
		}
	}
	if show := params.Get(DisplayParam); show != "" {
		var display any
		if err := json.Unmarshal([]byte(show), &display); err == nil {
			s.Display = display
		}
	}
	s.Address = params.Get(AddressParam)
	return s
}

// Coerce accepts Search, *Search, nil or a decoded object with
// filter/display/address fields. Filter and display are normalized through
// JSON so they compare equal to their deserialized form.
func (searchCodec) Coerce(raw any) (any, error) {
	var s Search
	switch t := raw.(type) {
	case nil:
		return EmptySearch(), nil
	case Search:
		s = t
	case *Search:
		if t == nil {
			return EmptySearch(), nil
		}
		s = *t
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode search: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported search value of type %T", raw)
	}

	out := Search{Address: s.Address, Filter: map[string]any{}}
	if len(s.Filter) > 0 {
		filter, err := normalizeJSON(s.Filter)
		if err != nil {
			return nil, fmt.Errorf("filter is not JSON-encodable: %w", err)
		}
		out.Filter = filter.(map[string]any)
	}
	display, err := normalizeJSON(s.Display)
	if err != nil {
		return nil, fmt.Errorf("display is not JSON-encodable: %w", err)
	}
	out.Display = display
	return out, nil
}

// Equal treats a nil filter and an empty filter as the same value.
func (searchCodec) Equal(a, b any) bool {
	sa, okA := a.(Search)
	sb, okB := b.(Search)
	if !okA || !okB {
		return false
	}
	if sa.Address != sb.Address {
		return false
	}
	if len(sa.Filter) != 0 || len(sb.Filter) != 0 {
		if !reflect.DeepEqual(sa.Filter, sb.Filter) {
			return false
		}
	}
	return reflect.DeepEqual(sa.Display, sb.Display)
}
