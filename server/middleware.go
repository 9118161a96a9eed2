package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/monkey-troop/coordinator/ratelimit"
)

// Per-endpoint deadlines. Longest prefix wins; anything unmatched gets the
// default. Reads and heartbeats are cheap; everything that touches the
// ledger gets the long deadline.
var endpointDeadlines = []struct {
	prefix  string
	timeout time.Duration
}{
	{"/health", 5 * time.Second},
	{"/public-key", 5 * time.Second},
	{"/v1/models", 5 * time.Second},
	{"/peers", 5 * time.Second},
	{"/heartbeat", 5 * time.Second},
	{"/users/", 5 * time.Second},
	{"/authorize", 30 * time.Second},
	{"/hardware/", 30 * time.Second},
	{"/transactions/", 30 * time.Second},
}

const defaultDeadline = 30 * time.Second

func deadlineFor(path string) time.Duration {
	for _, entry := range endpointDeadlines {
		if strings.HasPrefix(path, entry.prefix) {
			return entry.timeout
		}
	}
	return defaultDeadline
}

// bufferedResponse holds a handler's full response so the timeout middleware
// can discard it if the deadline fires first. Responses here are small JSON
// bodies, so buffering is cheap.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// timeoutMiddleware enforces the per-endpoint deadline. The request context
// is cancelled when the deadline fires, so in-flight store and ledger I/O is
// aborted rather than abandoned, and the client gets a 504 carrying the
// elapsed time.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline := deadlineFor(r.URL.Path)
		ctx, cancel := context.WithTimeout(r.Context(), deadline)
		defer cancel()

		start := time.Now()
		buffered := newBufferedResponse()
		done := make(chan struct{})

		go func() {
			defer close(done)
			next.ServeHTTP(buffered, r.WithContext(ctx))
		}()

		select {
		case <-done:
			elapsed := time.Since(start).Milliseconds()
			buffered.header.Set("X-Timeout-Ms", strconv.FormatInt(elapsed, 10))
			buffered.flush(w)
		case <-ctx.Done():
			elapsed := time.Since(start).Milliseconds()
			w.Header().Set("X-Timeout-Ms", strconv.FormatInt(elapsed, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGatewayTimeout)
			fmt.Fprintf(w, `{"error":"Gateway Timeout","timeout_seconds":%d,"elapsed_ms":%d}`,
				int(deadline.Seconds()), elapsed)
		}
	})
}

// tracingMiddleware assigns or propagates the request id and records the
// request in logs and metrics.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		elapsed := time.Since(start)
		// The timeout middleware buffers the response, so trailing header
		// writes still make it to the client.
		w.Header().Set("X-Response-Time", fmt.Sprintf("%dms", elapsed.Milliseconds()))

		s.metrics.Observe(r.URL.Path, r.Method, recorder.status, elapsed)
		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	})
}

// rateLimitMiddleware applies the fixed-window limits: discovery endpoints
// share one per-IP budget, authorization has a tighter one. Dropped requests
// are audited.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			allowed bool
			limit   int64
			err     error
		)
		ip := clientIP(r)

		switch r.URL.Path {
		case "/heartbeat", "/peers", "/v1/models":
			limit = ratelimit.DiscoveryLimit
			allowed, _, err = s.limiter.AllowDiscovery(r.Context(), ip)
		case "/authorize":
			limit = ratelimit.InferenceLimit
			allowed, _, err = s.limiter.AllowInference(r.Context(), ip)
		default:
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			// A broken counter store should not take the API down.
			s.log.Error("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			s.audit.RateLimit(r.Context(), ip, r.URL.Path, limit, ratelimit.Window)
			w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.Window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":  "Rate limit exceeded",
				"limit":  limit,
				"window": "1 hour",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies the configured origin policy. A wildcard origin
// list never allows credentials.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowCredentials := "false"
	if s.allowCredentials {
		allowCredentials = "true"
	}
	allowed := make(map[string]struct{}, len(s.allowedOrigins))
	wildcard := false
	for _, origin := range s.allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if wildcard {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Credentials", allowCredentials)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth enforces HTTP Basic auth with a constant-time password check.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || s.adminPassword == "" ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="coordinator admin"`)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid admin credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
