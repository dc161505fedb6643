package snapshot

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"

	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
)

const (
	ModeNameKey   = "modeName"
	ModeNameParam = "m"
	ModeTypeKey   = "modeType"
	ModeTypeParam = "t"
)

// Codec translates one known state key to and from query parameters.
//
// Serializers must only touch the parameters listed by Params, so the
// registry can run them in any order. Deserialize must return Default when
// its parameters are absent and must never panic on malformed input.
type Codec interface {
	Key() string
	Params() []string
	Default() any
	Serialize(value any, params url.Values)
	Deserialize(params url.Values) any
	// Coerce converts caller input, including decoded YAML or JSON, into the
	// codec's value type.
	Coerce(raw any) (any, error)
	Equal(a, b any) bool
}

// stringCodec maps a string key to a single raw parameter.
type stringCodec struct {
	key   string
	param string
}

// NewStringCodec returns a codec storing a string key in param. The empty
// string is the default and is omitted from the URL.
func NewStringCodec(key, param string) Codec {
	return stringCodec{key: key, param: param}
}

func (c stringCodec) Key() string      { return c.key }
func (c stringCodec) Params() []string { return []string{c.param} }
func (c stringCodec) Default() any     { return "" }

func (c stringCodec) Serialize(value any, params url.Values) {
	if s, ok := value.(string); ok && s != "" {
		params.Set(c.param, s)
	}
}

func (c stringCodec) Deserialize(params url.Values) any {
	return params.Get(c.param)
}

func (c stringCodec) Coerce(raw any) (any, error) {
	return coerceString(raw)
}

func (c stringCodec) Equal(a, b any) bool {
	sa, okA := a.(string)
	sb, okB := b.(string)
	return okA && okB && sa == sb
}

func coerceString(raw any) (any, error) {
	switch t := raw.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(t), nil
	default:
		return nil, fmt.Errorf("unsupported string value of type %T", raw)
	}
}

// Registry is the strategy map from known keys to codecs, with identity
// pass-through for every other key.
type Registry struct {
	codecs map[string]Codec
	keys   []string          // sorted known keys
	owners map[string]string // query parameter -> owning key
}

// NewRegistry builds a registry. It rejects empty or duplicate keys and
// parameters claimed by two codecs, and checks that every codec's default
// survives a serialize/deserialize round trip.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{
		codecs: make(map[string]Codec, len(codecs)),
		owners: make(map[string]string),
	}
	for _, c := range codecs {
		if c == nil {
			return nil, sserrors.NewConfigError("codec cannot be nil", nil)
		}
		key := c.Key()
		if key == "" {
			return nil, sserrors.NewConfigError("codec key cannot be empty", nil)
		}
		if _, exists := r.codecs[key]; exists {
			return nil, sserrors.NewConfigError(fmt.Sprintf("duplicate codec for key '%s'", key), nil)
		}
		if len(c.Params()) == 0 {
			return nil, sserrors.NewConfigError(fmt.Sprintf("codec '%s' owns no query parameters", key), nil)
		}
		for _, p := range c.Params() {
			if owner, taken := r.owners[p]; taken {
				return nil, sserrors.NewConfigError(fmt.Sprintf("query parameter '%s' claimed by both '%s' and '%s'", p, owner, key), nil)
			}
			r.owners[p] = key
		}
		r.codecs[key] = c
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)

	for _, key := range r.keys {
		c := r.codecs[key]
		if got := c.Deserialize(url.Values{}); !c.Equal(got, c.Default()) {
			return nil, sserrors.NewRoundTripError(key, c.Default(), got)
		}
		if err := r.CheckRoundTrip(key, c.Default()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the registry for the map, search and mode keys.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		NewViewportCodec(),
		NewSearchCodec(),
		NewStringCodec(ModeNameKey, ModeNameParam),
		NewStringCodec(ModeTypeKey, ModeTypeParam),
	)
	if err != nil {
		panic(fmt.Errorf("default snapshot registry is invalid: %w", err))
	}
	return r
}

// Keys returns the known keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Known reports whether key has a codec.
func (r *Registry) Known(key string) bool {
	_, ok := r.codecs[key]
	return ok
}

// ParamOwner returns the known key owning query parameter param, or "".
func (r *Registry) ParamOwner(param string) string {
	return r.owners[param]
}

// Coerce converts raw into the value type for key. Unknown keys become
// strings; a nil value for an unknown key stays nil, meaning "remove".
func (r *Registry) Coerce(key string, raw any) (any, error) {
	if c, ok := r.codecs[key]; ok {
		return c.Coerce(raw)
	}
	if raw == nil {
		return nil, nil
	}
	return coerceString(raw)
}

// Equal compares two values of key using the key's codec, or deep equality
// for unknown keys.
func (r *Registry) Equal(key string, a, b any) bool {
	if c, ok := r.codecs[key]; ok {
		return c.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}

// SerializeAll encodes every key of s. Known keys go through their codec;
// other keys are written raw under their own name unless that name is a
// parameter owned by a codec.
func (r *Registry) SerializeAll(s Snapshot) url.Values {
	params := url.Values{}
	for _, key := range r.keys {
		if v, ok := s[key]; ok {
			r.codecs[key].Serialize(v, params)
		}
	}
	for key, v := range s {
		if r.Known(key) || r.owners[key] != "" || v == nil || IsAbsent(v) {
			continue
		}
		str, err := coerceString(v)
		if err != nil {
			str = fmt.Sprint(v)
		}
		params.Set(key, str.(string))
	}
	return params
}

// DeserializeAll decodes params into a snapshot holding every known key
// (defaults for missing ones) plus every unowned parameter as a raw string.
// Parameters named after a known key and unnamed parameters are dropped.
func (r *Registry) DeserializeAll(params url.Values) Snapshot {
	s := make(Snapshot, len(r.keys)+len(params))
	for _, key := range r.keys {
		s[key] = r.safeDeserialize(r.codecs[key], params)
	}
	for param, values := range params {
		if param == "" || r.Known(param) || r.owners[param] != "" || len(values) == 0 {
			continue
		}
		s[param] = values[0]
	}
	return s
}

// safeDeserialize falls back to the default if a codec panics.
func (r *Registry) safeDeserialize(c Codec, params url.Values) (v any) {
	defer func() {
		if recover() != nil {
			v = c.Default()
		}
	}()
	return c.Deserialize(params)
}

// Canonicalize serializes s and decodes the result again, returning the
// canonical snapshot and the encoded query it came from.
func (r *Registry) Canonicalize(s Snapshot) (Snapshot, string) {
	query := EncodeQuery(r.SerializeAll(s))
	return r.DeserializeAll(DecodeQuery(query)), query
}

// Diff returns the keys whose values differ between prev and next. Keys only
// in next carry their new value; keys only in prev map to Absent.
func (r *Registry) Diff(prev, next Snapshot) Diff {
	diff := Diff{}
	for key, nv := range next {
		pv, ok := prev[key]
		if !ok || !r.Equal(key, pv, nv) {
			diff[key] = CloneValue(nv)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			diff[key] = Absent
		}
	}
	return diff
}

// CheckRoundTrip verifies that value, once serialized and deserialized, is a
// fixed point of further round trips. Precision reduction on the first pass
// is allowed; drift on later passes is a RoundTripError.
func (r *Registry) CheckRoundTrip(key string, value any) error {
	c, ok := r.codecs[key]
	if !ok {
		str, err := coerceString(value)
		if err != nil {
			return sserrors.NewValidationError(fmt.Sprintf("value for key '%s'", key), err)
		}
		back := r.DeserializeAll(DecodeQuery(EncodeQuery(r.SerializeAll(Snapshot{key: str}))))
		if back[key] != str {
			return sserrors.NewRoundTripError(key, str, back[key])
		}
		return nil
	}

	coerced, err := c.Coerce(value)
	if err != nil {
		return sserrors.NewValidationError(fmt.Sprintf("value for key '%s'", key), err)
	}
	first := r.roundTrip(c, coerced)
	second := r.roundTrip(c, first)
	if !c.Equal(first, second) {
		return sserrors.NewRoundTripError(key, first, second)
	}
	return nil
}

func (r *Registry) roundTrip(c Codec, v any) any {
	params := url.Values{}
	c.Serialize(v, params)
	return c.Deserialize(DecodeQuery(EncodeQuery(params)))
}
