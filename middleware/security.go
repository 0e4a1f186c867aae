package middleware

import (
	"net/http"
	"strings"
)

// ValidateQuery rejects query parameters carrying path traversal sequences or
// control characters.
func ValidateQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, values := range r.URL.Query() {
			for _, value := range values {
				if strings.Contains(value, "../") || strings.Contains(value, "..\\") {
					Error(w, http.StatusBadRequest, "invalid input: path traversal detected")
					return
				}
				if strings.ContainsAny(value, "\x00\r\n") {
					Error(w, http.StatusBadRequest, "invalid input: control characters in query")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// BodyLimit caps request bodies at max bytes.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && max > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
