package snapshot

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	// ViewportKey is the state key of the map viewport.
	ViewportKey = "map"
	// ViewportParam carries "zoom/lat/lng".
	ViewportParam = "z"
)

// Viewport is the map position. A nil *Viewport means "no viewport in the URL".
type Viewport struct {
	Zoom int     `json:"zoom"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Precision is the number of decimals kept for lat/lng at zoom:
// max(0, ceil(log2(zoom))). Deeper zoom levels need more digits to look
// right; shallow ones keep the URL short.
func Precision(zoom int) int {
	if zoom <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(zoom))))
}

// Rounded returns v with lat/lng reduced to the precision of its zoom.
func (v Viewport) Rounded() Viewport {
	p := Precision(v.Zoom)
	v.Lat = roundCoord(v.Lat, p)
	v.Lng = roundCoord(v.Lng, p)
	return v
}

func formatCoord(f float64, precision int) string {
	return strconv.FormatFloat(f, 'f', precision, 64)
}

func roundCoord(f float64, precision int) float64 {
	out, err := strconv.ParseFloat(formatCoord(f, precision), 64)
	if err != nil {
		return f
	}
	return out
}

func (v Viewport) encode() string {
	p := Precision(v.Zoom)
	return fmt.Sprintf("%d/%s/%s", v.Zoom, formatCoord(v.Lat, p), formatCoord(v.Lng, p))
}

// parseViewport decodes "zoom/lat/lng". ok is false for anything malformed.
func parseViewport(raw string) (Viewport, bool) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return Viewport{}, false
	}
	zoom, err := strconv.Atoi(parts[0])
	if err != nil {
		return Viewport{}, false
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Viewport{}, false
	}
	lng, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Viewport{}, false
	}
	v := Viewport{Zoom: zoom, Lat: lat, Lng: lng}
	if validateViewport(v) != nil {
		return Viewport{}, false
	}
	return v.Rounded(), true
}

// validateViewport rejects what cannot be written to the URL and read back:
// a negative zoom or a non-finite coordinate.
func validateViewport(v Viewport) error {
	if v.Zoom < 0 {
		return fmt.Errorf("viewport zoom %d is negative", v.Zoom)
	}
	if math.IsNaN(v.Lat) || math.IsInf(v.Lat, 0) || math.IsNaN(v.Lng) || math.IsInf(v.Lng, 0) {
		return fmt.Errorf("viewport coordinates %v/%v are not finite", v.Lat, v.Lng)
	}
	return nil
}

type viewportCodec struct{}

// NewViewportCodec returns the codec for the "map" key.
func NewViewportCodec() Codec { return viewportCodec{} }

func (viewportCodec) Key() string      { return ViewportKey }
func (viewportCodec) Params() []string { return []string{ViewportParam} }
func (viewportCodec) Default() any     { return (*Viewport)(nil) }

func (viewportCodec) Serialize(value any, params url.Values) {
	v, ok := value.(*Viewport)
	if !ok || v == nil {
		return
	}
	params.Set(ViewportParam, v.encode())
}

func (viewportCodec) Deserialize(params url.Values) any {
	raw := params.Get(ViewportParam)
	if raw == "" {
		return (*Viewport)(nil)
	}
	v, ok := parseViewport(raw)
	if !ok {
		return (*Viewport)(nil)
	}
	return &v
}

// Coerce accepts nil, Viewport, *Viewport, a "zoom/lat/lng" string or a
// decoded object with zoom/lat/lng fields.
func (viewportCodec) Coerce(raw any) (any, error) {
	switch t := raw.(type) {
	case nil:
		return (*Viewport)(nil), nil
	case *Viewport:
		if t == nil {
			return t, nil
		}
		if err := validateViewport(*t); err != nil {
			return nil, err
		}
		cp := *t
		return &cp, nil
	case Viewport:
		if err := validateViewport(t); err != nil {
			return nil, err
		}
		return &t, nil
	case string:
		if t == "" {
			return (*Viewport)(nil), nil
		}
		v, ok := parseViewport(t)
		if !ok {
			return nil, fmt.Errorf("malformed viewport %q", t)
		}
		return &v, nil
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var v Viewport
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode viewport: %w", err)
		}
		if err := validateViewport(v); err != nil {
			return nil, err
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("unsupported viewport value of type %T", raw)
	}
}

func (viewportCodec) Equal(a, b any) bool {
	va, _ := a.(*Viewport)
	vb, _ := b.(*Viewport)
	if va == nil || vb == nil {
		return va == nil && vb == nil
	}
	return *va == *vb
}
