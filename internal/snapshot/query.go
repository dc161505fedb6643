package snapshot

import (
	"net/url"
	"strings"
)

// EncodeQuery renders params sorted by key. Slashes stay literal so viewport
// values read as "12/40.1234/-75.1234" in the address bar.
func EncodeQuery(params url.Values) string {
	return strings.ReplaceAll(params.Encode(), "%2F", "/")
}

// DecodeQuery parses a raw query string, with or without its leading '?'.
// Malformed pairs are dropped; it never fails.
func DecodeQuery(raw string) url.Values {
	raw = strings.TrimPrefix(raw, "?")
	params, _ := url.ParseQuery(raw)
	if params == nil {
		params = url.Values{}
	}
	return params
}

// SplitURL separates a navigation URL into the part before the query, the raw
// query and the fragment (including '#'), without validating anything.
func SplitURL(u string) (base, query, fragment string) {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u, fragment = u[:i], u[i:]
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i], u[i+1:], fragment
	}
	return u, "", fragment
}

// JoinURL is the inverse of SplitURL. An empty query drops the '?'.
func JoinURL(base, query, fragment string) string {
	if query == "" {
		return base + fragment
	}
	return base + "?" + query + fragment
}
