package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const redacted = "REDACTED"

// RedactQuery masks the named query parameters in the request URI seen by
// later middleware such as the request logger. r.URL is left alone, so
// handlers still read the real values.
func RedactQuery(params ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uri, ok := redactURI(r.RequestURI, params); ok {
				r = r.WithContext(r.Context())
				r.RequestURI = uri
			}
			next.ServeHTTP(w, r)
		})
	}
}

func redactURI(uri string, params []string) (string, bool) {
	path, rawQuery, found := strings.Cut(uri, "?")
	if !found || rawQuery == "" {
		return uri, false
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		// unparseable, drop the whole query rather than guess
		return path + "?" + redacted, true
	}

	changed := false
	for _, param := range params {
		if _, ok := query[param]; ok {
			query.Set(param, redacted)
			changed = true
		}
	}
	if !changed {
		return uri, false
	}
	return path + "?" + query.Encode(), true
}
