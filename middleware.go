package serveit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/o-p-n/serveit/internal/events"
	"github.com/o-p-n/serveit/internal/responsewriter"
)

// MiddlewareFunc is a function type that wraps an http.Handler and returns a new http.HandlerFunc.
type MiddlewareFunc func(http.Handler) http.HandlerFunc

// MiddlewareStack is a collection of middleware functions applied in order,
// the first being the outermost.
type MiddlewareStack []MiddlewareFunc

// maxTrackedClients bounds the number of per-client rate limiters kept.
const maxTrackedClients = 4096

// chainMiddleware helper to apply a stack to a handler
func chainMiddleware(handler http.Handler, stack MiddlewareStack) http.Handler {
	// reverse order to run first MiddlewareFunc passed first
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}
	return handler
}

// Consolidate error responses to maintain a consistent format.
func writeErrorResponse(log *slog.Logger, w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error("Failed to write error response", "error", err)
	}
}

// RequestLoggerMiddleware emits one INFO record "<METHOD> <PATH> - <STATUS>"
// per completed request. Method and the still-escaped path are captured
// before the downstream handler runs. Requests whose client went away before any header was sent
// are not logged. A non-nil publish receives the same record.
func RequestLoggerMiddleware(log *slog.Logger, publish func(events.Record)) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			method := r.Method
			path := r.URL.EscapedPath()
			rec := responsewriter.NewRecorder(w)

			start := time.Now()
			next.ServeHTTP(rec, r)
			duration := time.Since(start)

			if !rec.WroteHeader() && r.Context().Err() != nil {
				return
			}

			status := rec.Status()
			log.Info(fmt.Sprintf("%s %s - %d", method, path, status),
				"bytes", rec.BytesWritten(),
				"duration", duration)
			if publish != nil {
				publish(events.Record{
					Time:       start,
					Method:     method,
					Path:       path,
					Status:     status,
					Bytes:      rec.BytesWritten(),
					DurationMS: float64(duration.Microseconds()) / 1000,
				})
			}
		}
	}
}

// MetricsMiddleware returns a middleware function that records request
// counts, response statuses and durations.
func MetricsMiddleware(m *Metrics) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			method := methodLabel(r.Method)
			m.requests.WithLabelValues(method).Inc()
			rec := responsewriter.NewRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)
			m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			m.responses.WithLabelValues(strconv.Itoa(rec.Status())).Inc()
		}
	}
}

// RecoveryMiddleware returns a middleware function that recovers from panics in request handlers.
// Catches panics, logs the error to log, and returns a 500 Internal Server Error response.
// http.ErrAbortHandler is passed on so the connection is aborted quietly.
func RecoveryMiddleware(log *slog.Logger) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.Error("Panic recovered", "error", err, "path", r.URL.EscapedPath())
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		}
	}
}

// RateLimitMiddleware returns a middleware function that enforces rate limiting per client IP address.
// Uses a token bucket per client; the least recently seen clients are forgotten first.
// Returns 429 Too Many Requests when rate limit is exceeded.
func RateLimitMiddleware(limit rate.Limit, burst int, log *slog.Logger) MiddlewareFunc {
	limiters, err := lru.New[string, *rate.Limiter](maxTrackedClients)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	var mu sync.Mutex

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		lim, ok := limiters.Get(ip)
		if !ok {
			lim = rate.NewLimiter(limit, burst)
			limiters.Add(ip, lim)
		}
		return lim
	}

	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(clientIP(r)).Allow() {
				// Add retry-after header for better client behavior
				w.Header().Set("Retry-After", "1")
				writeErrorResponse(log, w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

// methodLabel keeps the metric series bounded: unregistered methods share
// one label.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPost, http.MethodPut,
		http.MethodDelete, http.MethodPatch, http.MethodConnect, http.MethodTrace:
		return method
	}
	return "other"
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
