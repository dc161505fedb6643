package snapshot_test

import (
	"errors"
	"math"
	"net/url"
	"strings"
	"testing"

	"github.com/gxo-labs/statesync/internal/snapshot"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCodec is a configurable string codec for exercising registry checks.
type testCodec struct {
	key     string
	params  []string
	def     string
	suffix  string // appended on every Serialize, to force drift
	onEmpty string // returned by Deserialize when the param is missing
}

func (c testCodec) Key() string      { return c.key }
func (c testCodec) Params() []string { return c.params }
func (c testCodec) Default() any     { return c.def }
func (c testCodec) Serialize(value any, params url.Values) {
	if s, _ := value.(string); s != "" {
		params.Set(c.params[0], s+c.suffix)
	}
}
func (c testCodec) Deserialize(params url.Values) any {
	if v := params.Get(c.params[0]); v != "" {
		return v
	}
	return c.onEmpty
}
func (c testCodec) Coerce(raw any) (any, error) { return raw, nil }
func (c testCodec) Equal(a, b any) bool         { return a == b }

func TestPrecision(t *testing.T) {
	tests := []struct {
		zoom int
		want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {12, 4}, {16, 4}, {17, 5}, {20, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snapshot.Precision(tt.zoom), "zoom %d", tt.zoom)
	}
}

func TestSerializeAll_KnownKeys(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	s := snapshot.Snapshot{
		snapshot.ViewportKey: &snapshot.Viewport{Zoom: 12, Lat: 40.123456, Lng: -75.123456},
		snapshot.SearchKey: snapshot.Search{
			Filter:  map[string]any{"species": "oak"},
			Display: map[string]any{"cols": []any{"name"}},
			Address: "Main St",
		},
		snapshot.ModeNameKey: "edit",
		snapshot.ModeTypeKey: "",
	}

	params := reg.SerializeAll(s)
	assert.Equal(t, "12/40.1235/-75.1235", params.Get("z"))
	assert.Equal(t, `{"species":"oak"}`, params.Get("q"))
	assert.Equal(t, `{"cols":["name"]}`, params.Get("show"))
	assert.Equal(t, "Main St", params.Get("a"))
	assert.Equal(t, "edit", params.Get("m"))
	_, hasType := params["t"]
	assert.False(t, hasType, "empty mode type must be omitted")

	query := snapshot.EncodeQuery(params)
	assert.Contains(t, query, "z=12/40.1235/-75.1235")
	assert.NotContains(t, query, "%2F")
}

func TestRoundTripLaw(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	snapshots := []snapshot.Snapshot{
		{},
		{snapshot.ViewportKey: &snapshot.Viewport{Zoom: 1, Lat: 12.7, Lng: -3.2}},
		{snapshot.ViewportKey: &snapshot.Viewport{Zoom: 18, Lat: 51.5007292, Lng: -0.1246254}},
		{snapshot.SearchKey: snapshot.Search{Filter: map[string]any{"species": "oak", "dbh": map[string]any{"min": 10.0}}}},
		{snapshot.SearchKey: snapshot.Search{Filter: map[string]any{}, Address: "10 Downing St / London"}},
		{snapshot.ModeNameKey: "detail", snapshot.ModeTypeKey: "tree", "layer": "satellite"},
	}

	for _, s := range snapshots {
		once := reg.DeserializeAll(snapshot.DecodeQuery(snapshot.EncodeQuery(reg.SerializeAll(s))))
		twice := reg.DeserializeAll(snapshot.DecodeQuery(snapshot.EncodeQuery(reg.SerializeAll(once))))
		assert.Empty(t, reg.Diff(once, twice), "canonical snapshot must be a fixed point: %v", s)

		for key, v := range s {
			want, err := reg.Coerce(key, v)
			require.NoError(t, err)
			if vp, ok := want.(*snapshot.Viewport); ok && vp != nil {
				rounded := vp.Rounded()
				want = &rounded
			}
			assert.True(t, reg.Equal(key, want, once[key]), "key %s: want %#v got %#v", key, want, once[key])
		}
	}
}

func TestRoundTripLaw_Sweep(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	coords := []float64{0, 90, -90, 180, -180, 1e-9, -1e-9, 0.5, -0.05, 12.3456789012345, 89.99999999, -179.999999999999}

	for zoom := 0; zoom <= 22; zoom++ {
		for _, lat := range coords {
			for _, lng := range coords {
				vp := &snapshot.Viewport{Zoom: zoom, Lat: lat, Lng: lng}
				require.NoError(t, reg.CheckRoundTrip(snapshot.ViewportKey, vp), "%+v", *vp)

				once := assertFixedPoint(t, reg, snapshot.Snapshot{snapshot.ViewportKey: vp})
				want := vp.Rounded()
				assert.True(t, reg.Equal(snapshot.ViewportKey, &want, once[snapshot.ViewportKey]), "%+v", *vp)
			}
		}
	}

	searches := []any{
		map[string]any{"filter": map[string]any{"tags": []any{"oak", "elm", []any{1, 2.5}}}},
		map[string]any{"filter": map[string]any{"dbh": map[string]any{"min": 10, "max": nil, "unit": "cm"}, "alive": true}},
		map[string]any{"filter": map[string]any{"a&b": "c=d", "path": "x/y%2Fz", "emoji": "🌳"}},
		map[string]any{"display": []any{"species", map[string]any{"col": "dbh", "sort": -1}}},
		map[string]any{"display": []any{}},
		map[string]any{"display": map[string]any{"cols": []any{[]any{}, map[string]any{}}}},
		map[string]any{"display": "plain"},
		map[string]any{"display": false},
		map[string]any{"display": 0},
		map[string]any{
			"filter":  map[string]any{"nested": map[string]any{"deeper": []any{map[string]any{"k": 1e21}}}},
			"display": []any{1, "two", nil},
			"address": "1 Rue de l'Église + more",
		},
	}
	for _, raw := range searches {
		require.NoError(t, reg.CheckRoundTrip(snapshot.SearchKey, raw), "%#v", raw)

		want, err := reg.Coerce(snapshot.SearchKey, raw)
		require.NoError(t, err)
		once := assertFixedPoint(t, reg, snapshot.Snapshot{snapshot.SearchKey: want})
		assert.True(t, reg.Equal(snapshot.SearchKey, want, once[snapshot.SearchKey]), "want %#v got %#v", want, once[snapshot.SearchKey])
	}
}

// assertFixedPoint checks that s survives two URL round trips unchanged after
// the first and returns the result of the first.
func assertFixedPoint(t *testing.T, reg *snapshot.Registry, s snapshot.Snapshot) snapshot.Snapshot {
	t.Helper()
	once := reg.DeserializeAll(snapshot.DecodeQuery(snapshot.EncodeQuery(reg.SerializeAll(s))))
	twice := reg.DeserializeAll(snapshot.DecodeQuery(snapshot.EncodeQuery(reg.SerializeAll(once))))
	assert.Empty(t, reg.Diff(once, twice), "canonical snapshot must be a fixed point: %v", s)
	return once
}

func TestDeserializeAll_DefaultsForKnownKeys(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	s := reg.DeserializeAll(url.Values{})

	require.Len(t, s, len(reg.Keys()))
	for _, key := range reg.Keys() {
		_, ok := s[key]
		assert.True(t, ok, "known key %s must be present", key)
	}
	assert.Nil(t, s[snapshot.ViewportKey].(*snapshot.Viewport))
	assert.Equal(t, snapshot.EmptySearch(), s[snapshot.SearchKey])
	assert.Equal(t, "", s[snapshot.ModeNameKey])
}

func TestDeserializeAll_MalformedDegradesToDefaults(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	tests := []string{
		"z=abc&q={bad&show=[1,",
		"z=12/north/east",
		"z=1/2&q=null",
		"z=-3/1/2",
		"z=4/NaN/1",
		"q=%7B%22a%22",
		"q=[1,2]",
		"map=garbage&search=x&modeName=7&modeType=8",
		"=x&=",
	}
	for _, raw := range tests {
		s := reg.DeserializeAll(snapshot.DecodeQuery(raw))
		require.Len(t, s, len(reg.Keys()), raw)
		vp, ok := s[snapshot.ViewportKey].(*snapshot.Viewport)
		require.True(t, ok, raw)
		assert.Nil(t, vp, raw)
		search, ok := s[snapshot.SearchKey].(snapshot.Search)
		require.True(t, ok, raw)
		assert.NotNil(t, search.Filter, raw)
		assert.Empty(t, search.Filter, raw)
		assert.Nil(t, search.Display, raw)
		assert.Equal(t, "", s[snapshot.ModeNameKey], raw)
		assert.Equal(t, "", s[snapshot.ModeTypeKey], raw)
	}
}

func TestDeserializeAll_KeyNamedParamsDoNotShadowKnownKeys(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	s := reg.DeserializeAll(snapshot.DecodeQuery("z=3/1/2&map=garbage&layer=sat"))

	assert.Equal(t, &snapshot.Viewport{Zoom: 3, Lat: 1, Lng: 2}, s[snapshot.ViewportKey])
	assert.Equal(t, "sat", s["layer"])
	_, ok := s[""]
	assert.False(t, ok)

	query := snapshot.EncodeQuery(reg.SerializeAll(s))
	assert.NotContains(t, query, "map=")
}

func TestDecodeQuery_DropsBadPairs(t *testing.T) {
	params := snapshot.DecodeQuery("?z=3/1.5/2.5&bad=%zz&layer=sat")
	assert.Equal(t, "3/1.5/2.5", params.Get("z"))
	assert.Equal(t, "sat", params.Get("layer"))
	_, hasBad := params["bad"]
	assert.False(t, hasBad)
}

func TestUnknownKeysPassThrough(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	s := snapshot.Snapshot{"layer": "satellite", "basemap": "dark"}

	query := snapshot.EncodeQuery(reg.SerializeAll(s))
	assert.Equal(t, "basemap=dark&layer=satellite", query)

	back := reg.DeserializeAll(snapshot.DecodeQuery(query))
	assert.Equal(t, "satellite", back["layer"])
	assert.Equal(t, "dark", back["basemap"])
}

func TestSerializeAll_UnknownKeyCannotShadowOwnedParam(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	params := reg.SerializeAll(snapshot.Snapshot{"z": "not-a-viewport"})
	assert.Empty(t, params.Get("z"))
	assert.Equal(t, snapshot.ViewportKey, reg.ParamOwner("z"))
	assert.Equal(t, "", reg.ParamOwner("layer"))
}

func TestEncodeQuery_KeepsSlashes(t *testing.T) {
	params := url.Values{"z": {"3/1.25/-2.5"}, "a": {"a/b c"}}
	assert.Equal(t, "a=a/b+c&z=3/1.25/-2.5", snapshot.EncodeQuery(params))
}

func TestSplitAndJoinURL(t *testing.T) {
	base, query, fragment := snapshot.SplitURL("/map?z=1/2/3&m=edit#panel")
	assert.Equal(t, "/map", base)
	assert.Equal(t, "z=1/2/3&m=edit", query)
	assert.Equal(t, "#panel", fragment)
	assert.Equal(t, "/map?z=1/2/3&m=edit#panel", snapshot.JoinURL(base, query, fragment))

	base, query, fragment = snapshot.SplitURL("/map")
	assert.Equal(t, "/map", base)
	assert.Empty(t, query)
	assert.Empty(t, fragment)
	assert.Equal(t, "/map#x", snapshot.JoinURL("/map", "", "#x"))
}

func TestDiff(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	prev := snapshot.Snapshot{
		snapshot.ViewportKey: (*snapshot.Viewport)(nil),
		snapshot.ModeNameKey: "list",
		"layer":              "a",
	}
	next := snapshot.Snapshot{
		snapshot.ViewportKey: &snapshot.Viewport{Zoom: 3, Lat: 1, Lng: 2},
		snapshot.ModeNameKey: "list",
		"extra":              "1",
	}

	diff := reg.Diff(prev, next)
	assert.Equal(t, []string{"extra", "layer", snapshot.ViewportKey}, diff.Keys())
	assert.True(t, snapshot.IsAbsent(diff["layer"]))
	assert.Equal(t, "1", diff["extra"])
	assert.Equal(t, &snapshot.Viewport{Zoom: 3, Lat: 1, Lng: 2}, diff[snapshot.ViewportKey])

	assert.Empty(t, reg.Diff(next, next.Clone()))
}

func TestSearchEqual_NilAndEmptyFilter(t *testing.T) {
	reg := snapshot.DefaultRegistry()
	assert.True(t, reg.Equal(snapshot.SearchKey, snapshot.Search{}, snapshot.EmptySearch()))
	assert.False(t, reg.Equal(snapshot.SearchKey,
		snapshot.Search{Filter: map[string]any{"a": 1.0}}, snapshot.EmptySearch()))
}

func TestCoerce(t *testing.T) {
	reg := snapshot.DefaultRegistry()

	v, err := reg.Coerce(snapshot.ViewportKey, "12/40.7/-74")
	require.NoError(t, err)
	assert.Equal(t, &snapshot.Viewport{Zoom: 12, Lat: 40.7, Lng: -74}, v)

	v, err = reg.Coerce(snapshot.ViewportKey, map[string]any{"zoom": 3, "lat": 1.5, "lng": 2})
	require.NoError(t, err)
	assert.Equal(t, &snapshot.Viewport{Zoom: 3, Lat: 1.5, Lng: 2}, v)

	_, err = reg.Coerce(snapshot.ViewportKey, "not/a")
	assert.Error(t, err)

	for _, bad := range []any{
		snapshot.Viewport{Zoom: -1, Lat: 1, Lng: 2},
		&snapshot.Viewport{Zoom: -5},
		snapshot.Viewport{Zoom: 3, Lat: math.NaN(), Lng: 2},
		&snapshot.Viewport{Zoom: 3, Lat: 1, Lng: math.Inf(-1)},
		map[string]any{"zoom": -2, "lat": 1.5, "lng": 2},
		"-1/1/2",
		"3/Inf/2",
	} {
		_, err = reg.Coerce(snapshot.ViewportKey, bad)
		assert.Error(t, err, "%#v", bad)
	}

	v, err = reg.Coerce(snapshot.SearchKey, map[string]any{"filter": map[string]any{"species": "oak", "n": 1}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.Search{Filter: map[string]any{"species": "oak", "n": 1.0}}, v)

	_, err = reg.Coerce(snapshot.SearchKey, 42)
	assert.Error(t, err)

	v, err = reg.Coerce("layer", 3)
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	v, err = reg.Coerce("layer", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	orig := snapshot.Snapshot{
		snapshot.ViewportKey: &snapshot.Viewport{Zoom: 2, Lat: 1, Lng: 1},
		snapshot.SearchKey:   snapshot.Search{Filter: map[string]any{"a": "b"}},
	}
	cp := orig.Clone()
	cp[snapshot.ViewportKey].(*snapshot.Viewport).Zoom = 9
	cp[snapshot.SearchKey].(snapshot.Search).Filter["a"] = "changed"

	assert.Equal(t, 2, orig[snapshot.ViewportKey].(*snapshot.Viewport).Zoom)
	assert.Equal(t, "b", orig[snapshot.SearchKey].(snapshot.Search).Filter["a"])

	without := orig.With(snapshot.SearchKey, nil)
	_, ok := without[snapshot.SearchKey]
	assert.False(t, ok)
	_, ok = orig[snapshot.SearchKey]
	assert.True(t, ok)
}

func TestNewRegistry_Errors(t *testing.T) {
	tests := []struct {
		name   string
		codecs []snapshot.Codec
		check  func(error) bool
	}{
		{
			name:   "empty key",
			codecs: []snapshot.Codec{testCodec{key: "", params: []string{"x"}}},
			check:  isConfigError,
		},
		{
			name: "duplicate key",
			codecs: []snapshot.Codec{
				testCodec{key: "a", params: []string{"x"}},
				testCodec{key: "a", params: []string{"y"}},
			},
			check: isConfigError,
		},
		{
			name: "overlapping param",
			codecs: []snapshot.Codec{
				snapshot.NewViewportCodec(),
				testCodec{key: "other", params: []string{"z"}},
			},
			check: isConfigError,
		},
		{
			name:   "no params",
			codecs: []snapshot.Codec{testCodec{key: "a"}},
			check:  isConfigError,
		},
		{
			name:   "default not produced by empty query",
			codecs: []snapshot.Codec{testCodec{key: "a", params: []string{"x"}, def: "", onEmpty: "surprise"}},
			check:  isRoundTripError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := snapshot.NewRegistry(tt.codecs...)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
		})
	}
}

func TestCheckRoundTrip(t *testing.T) {
	drift := testCodec{key: "drift", params: []string{"d"}, suffix: "!"}
	reg, err := snapshot.NewRegistry(snapshot.NewViewportCodec(), drift)
	require.NoError(t, err)

	assert.NoError(t, reg.CheckRoundTrip(snapshot.ViewportKey, &snapshot.Viewport{Zoom: 7, Lat: 1.23456, Lng: 2.34567}))
	assert.NoError(t, reg.CheckRoundTrip("layer", "sat/ellite"))

	err = reg.CheckRoundTrip("drift", "a")
	require.Error(t, err)
	assert.True(t, isRoundTripError(err))
	assert.True(t, strings.Contains(err.Error(), "drift"))
}

func isConfigError(err error) bool {
	var target *sserrors.ConfigError
	return errors.As(err, &target)
}

func isRoundTripError(err error) bool {
	var target *sserrors.RoundTripError
	return errors.As(err, &target)
}
