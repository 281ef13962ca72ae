// Package shield provides HTTP hardening middleware for the captrace
// API: security headers, request body caps, and SQLite-configured rate
// limiting. The submission endpoint is the one worth throttling — each
// accepted submit costs a full browser navigation downstream.
//
// Usage:
//
//	rl := shield.NewRateLimiter(db, logger)
//	rl.StartReloader(done)
//	handler := shield.Wrap(apiRouter,
//		shield.SecurityHeaders(),
//		shield.MaxJSONBody(1<<20),
//		rl.Middleware,
//	)
package shield

import "net/http"

// Wrap applies middlewares to handler, outermost first.
func Wrap(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
