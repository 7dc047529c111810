package server

import (
	"net/http"

	"github.com/rategate/rategate/internal/clock"
	"github.com/rategate/rategate/internal/limiter"
)

// Admit wraps next with an admission check keyed by ClientKey. Denied
// requests get 429 with the usual rate-limit headers; on evaluation errors
// the failOpen flag decides between letting the request through and 503.
//
// This is the embedding surface for applications that want the check in
// front of their own handlers instead of calling the API endpoints.
func Admit(next http.Handler, lim limiter.Limiter, clk clock.Clock, failOpen bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict, err := lim.Evaluate(r.Context(), ClientKey(r))
		if err != nil {
			if failOpen {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "admission check unavailable", http.StatusServiceUnavailable)
			return
		}

		writeVerdictHeaders(w.Header(), verdict, clk)
		if !verdict.Allowed {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
