package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/toshokan-dev/toshokan/internal/telemetry"
)

// maxBodyBytes is the maximum allowed size for POST/PUT/PATCH request bodies (1 MiB).
const maxBodyBytes int64 = 1 << 20

// maxBodySizeMiddleware limits write-request body size to maxBodyBytes.
//
// Requests whose Content-Length already exceeds the limit are rejected with
// HTTP 413. Every write request additionally gets its body wrapped with
// http.MaxBytesReader to catch chunked or unannounced oversized payloads.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > maxBodyBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large (limit 1MB)")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and tracing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger logs each request and wraps it in a server span. The
// scrape endpoints log at debug so steady-state output stays readable.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.StartRequestSpan(r.Context(), r.Method, r.URL.Path)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r.WithContext(ctx))

		telemetry.EndRequestSpan(span, sr.status)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sr.status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			s.logger.Debug("http request", fields...)
			return
		}
		s.logger.Info("http request", fields...)
	})
}

// maxTrackedClients bounds the limiter map. When the map is full, entries
// idle longer than clientIdleAfter are pruned on the next lookup.
const (
	maxTrackedClients = 1024
	clientIdleAfter   = 3 * time.Minute
)

// clientLimiters hands out one token bucket per client IP.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiters sizes buckets from a requests-per-minute budget. The
// burst allows ten seconds of traffic up front, five requests minimum.
func newClientLimiters(perMinute int) *clientLimiters {
	burst := perMinute / 6
	if burst < 5 {
		burst = 5
	}
	return &clientLimiters{
		clients: make(map[string]*clientEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// allow reports whether the client may proceed.
func (cl *clientLimiters) allow(client string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	e, ok := cl.clients[client]
	if !ok {
		if len(cl.clients) >= maxTrackedClients {
			cl.pruneLocked(now)
		}
		e = &clientEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (cl *clientLimiters) pruneLocked(now time.Time) {
	for ip, e := range cl.clients {
		if now.Sub(e.lastSeen) > clientIdleAfter {
			delete(cl.clients, ip)
		}
	}
}

// rateLimitMiddleware applies the per-client budget to API routes. The
// liveness and scrape endpoints stay exempt so probes and Prometheus are
// never throttled by a chatty client sharing the limiter's view of an IP.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.clients.allow(clientIP(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the peer address without the port. Proxy headers are
// deliberately ignored; deployments behind a proxy should rate-limit there.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
