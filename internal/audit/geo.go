package audit

import "net/http"

// Geo headers in preference order. CDN-resolved country wins over anything the
// application tier added; the first non-empty value is canonical.
var geoHeaders = []string{
	"CF-IPCountry",
	"X-Geo-Country",
	"X-Country-Code",
}

// ResolveGeo extracts the coarse geography from provider-specific headers.
// Returns "" when no header is present; callers record the entry without geo
// rather than guessing.
func ResolveGeo(h http.Header) string {
	for _, name := range geoHeaders {
		if v := h.Get(name); v != "" && v != "XX" {
			return v
		}
	}
	return ""
}
