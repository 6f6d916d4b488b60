package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/ssuji15/jobrunner/internal/metrics"
)

// Limiter caps how many callback requests run at once. Up to queueSize
// more wait for a slot; anything beyond that is refused.
//
// Synchronous submits hold their slot until the subjob finishes, so
// maxInflight must be well above the run's task limit.
type Limiter struct {
	admitted chan struct{}
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	return &Limiter{
		admitted: make(chan struct{}, queueSize+maxInflight),
		inflight: make(chan struct{}, maxInflight),
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case l.admitted <- struct{}{}:
		default:
			metrics.RPCRequests.WithLabelValues("limited", "busy").Inc()
			writeError(w, http.StatusServiceUnavailable, "server busy")
			return
		}
		defer func() { <-l.admitted }()

		select {
		case l.inflight <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusGatewayTimeout, "request canceled or timed out")
			return
		}
		defer func() { <-l.inflight }()

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"error": msg, "message": msg, "code": -32000},
	})
}
