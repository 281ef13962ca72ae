package shield

import "net/http"

// SecurityHeaders returns middleware that sets response headers suited
// to a JSON API that also serves captured artifacts. Captured HTML is
// attacker-controlled, so artifact responses must never render in a
// frame or run scripts against this origin.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
			next.ServeHTTP(w, r)
		})
	}
}
