package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type requestIDKey struct{}

// RequestIDMiddleware attaches a request ID to every request. An inbound
// X-Request-ID header is reused so IDs survive proxies; otherwise a fresh
// UUID is generated. The ID is echoed on the response and stored in the
// request context for handlers and error writers.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID from the context, or empty string.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware emits one structured log line per request.
func LoggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}

// GlobalRateLimiter applies per-IP rate limiting across all endpoints.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a rate limiter allowing rps requests per
// second with the given burst per client IP.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	grl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}

	go grl.cleanupVisitors()

	return grl
}

// cleanupVisitors removes entries for IPs not seen recently.
func (grl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		grl.mu.Lock()
		for ip, v := range grl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(grl.visitors, ip)
			}
		}
		grl.mu.Unlock()
	}
}

// getVisitor returns the rate limiter for the given IP, creating one if
// needed.
func (grl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	grl.mu.Lock()
	defer grl.mu.Unlock()

	v, exists := grl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(grl.rps, grl.burst)
		grl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Middleware enforces the rate limit per client IP.
func (grl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// No port in RemoteAddr; use as-is.
			ip = r.RemoteAddr
		}

		if !grl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}

		next.ServeHTTP(w, r)
	})
}
