package lnaddr

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ellemouton/lnaddr/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxIPRateLimiters bounds the limiter table so a flood of distinct source
// addresses cannot exhaust memory.
const maxIPRateLimiters = 10000

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry
	rate     rate.Limit
	burst    int
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter allowing r requests per second with
// bursts of b per IP.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    b,
	}
}

// Allow reports whether a request from ip may proceed.
func (i *IPRateLimiter) Allow(ip string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()

	entry, ok := i.limiters[ip]
	if !ok {
		if len(i.limiters) >= maxIPRateLimiters {
			i.evictOldest()
		}

		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(i.rate, i.burst),
		}
		i.limiters[ip] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently seen limiter. Callers hold mu.
func (i *IPRateLimiter) evictOldest() {
	var (
		oldestIP   string
		oldestTime time.Time
	)
	for ip, entry := range i.limiters {
		if oldestIP == "" || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
		}
	}
	delete(i.limiters, oldestIP)
}

// clientIP extracts the caller's address. Proxy headers are only consulted
// when trustProxy is set; otherwise any client could pick its own bucket.
func clientIP(r *http.Request, trustProxy bool) string {
	if !trustProxy {
		return remoteIP(r)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
		return route.GetName()
	}

	return "unknown"
}

// recoverPanics turns a handler panic into a 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				metrics.PanicsRecovered.Inc()
				s.log.Error("Panic recovered in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("stack", string(debug.Stack())))

				writeError(w, http.StatusInternalServerError,
					"internal error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// logRequests logs each request once it completes and records its metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		took := time.Since(start)
		route := routeName(r)

		metrics.HTTPRequestsTotal.WithLabelValues(
			route, r.Method, strconv.Itoa(rw.status),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			route, r.Method,
		).Observe(took.Seconds())

		fields := []zap.Field{
			zap.String("request_id", uuid.NewString()),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("host", r.Host),
			zap.Int("status", rw.status),
			zap.Duration("took", took),
		}
		switch {
		case rw.status >= 500:
			s.log.Error("Server error", fields...)
		case rw.status >= 400:
			s.log.Warn("Client error", fields...)
		default:
			s.log.Info("Request served", fields...)
		}
	})
}

// rateLimit applies the per-IP limiter.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.cfg.TrustProxy)
		if !s.limiter.Allow(ip) {
			metrics.RateLimitRejected.WithLabelValues(
				routeName(r),
			).Inc()
			s.log.Warn("Per-IP rate limit exceeded",
				zap.String("client_ip", ip),
				zap.String("path", r.URL.Path))

			writeError(w, http.StatusTooManyRequests,
				"too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
