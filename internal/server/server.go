package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/rategate/rategate/internal/clock"
	"github.com/rategate/rategate/internal/limiter"
)

// Server exposes admission checks over HTTP: a health/info surface, a check
// endpoint per identifier, and a websocket feed of live verdicts.
type Server struct {
	httpServer *http.Server
	limiter    limiter.Limiter
	clock      clock.Clock
	mux        *http.ServeMux
	hub        *Hub
	metrics    Recorder
	failOpen   bool
}

// Options configure optional server behavior.
type Options struct {
	// Hub, when set, streams every verdict to connected websocket clients.
	Hub *Hub
	// Metrics receives verdict counters and latency observations.
	// Defaults to a no-op recorder.
	Metrics Recorder
	// FailOpen admits requests when the limiter returns an error (for
	// example an unreachable shared store). The default denies.
	FailOpen bool
}

// New creates a rategate server.
func New(addr string, lim limiter.Limiter, clk clock.Clock, opts Options) *Server {
	s := &Server{
		limiter:  lim,
		clock:    clk,
		mux:      http.NewServeMux(),
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		failOpen: opts.FailOpen,
	}
	if s.metrics == nil {
		s.metrics = NoopRecorder{}
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/check", s.handleCheck)
	s.mux.HandleFunc("/api/check/", s.handleCheckIdentifier)
	if s.hub != nil {
		s.mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service": "rategate",
		"status":  "running",
		"time":    s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleCheck evaluates admission using the client IP as the identifier.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.respondWithVerdict(w, r, ClientKey(r))
}

// handleCheckIdentifier evaluates admission for an explicit identifier.
// Path: /api/check/{identifier}
func (s *Server) handleCheckIdentifier(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Path[len("/api/check/"):]
	if identifier == "" {
		http.Error(w, `{"error":"identifier is required"}`, http.StatusBadRequest)
		return
	}
	s.respondWithVerdict(w, r, identifier)
}

func (s *Server) respondWithVerdict(w http.ResponseWriter, r *http.Request, identifier string) {
	started := s.clock.Now()
	verdict, err := s.limiter.Evaluate(r.Context(), identifier)
	s.metrics.Observe("admission.latency", s.clock.Since(started).Seconds(), nil)
	s.metrics.Add("admission.call", 1, nil)

	if err != nil {
		// Verdict unavailable; the FailOpen policy decides, not the core.
		log.Printf("evaluate failed for %q: %v", identifier, err)
		s.metrics.Add("admission.error", 1, nil)
		if s.failOpen {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "allowed (fail-open)"})
			return
		}
		http.Error(w, `{"error":"admission check unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(VerdictEvent{
			Identifier: identifier,
			Verdict:    verdict,
			Time:       s.clock.Now(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeVerdictHeaders(w.Header(), verdict, s.clock)
	if !verdict.Allowed {
		s.metrics.Add("admission.denied", 1, nil)
		w.WriteHeader(http.StatusTooManyRequests)
	}
	json.NewEncoder(w).Encode(verdict)
}

// writeVerdictHeaders sets the conventional rate-limit response headers.
func writeVerdictHeaders(h http.Header, v limiter.Verdict, clk clock.Clock) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", v.Limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", v.Remaining))
	h.Set("X-RateLimit-Reset", v.ResetAt.Format(time.RFC3339))
	if !v.Allowed {
		retryAfter := int(v.RetryAt.Sub(clk.Now()).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		h.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	}
}

// ClientKey resolves the rate-limit identifier for a request: the forwarded
// client when behind a proxy, the peer address otherwise.
func ClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Printf("rategate listening on %s", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// StartOnListener begins serving on the provided listener. Useful for tests
// that need an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
