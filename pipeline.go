package serveit

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/o-p-n/serveit/internal/events"
)

// DefaultMiddleware returns the stack every served request passes through,
// outermost first: access log, metrics, rate limit when enabled, recovery.
// Access lines go to access, everything else to log.
func DefaultMiddleware(settings Settings, log, access *slog.Logger, metrics *Metrics, publish func(events.Record)) MiddlewareStack {
	stack := MiddlewareStack{
		RequestLoggerMiddleware(access, publish),
		MetricsMiddleware(metrics),
	}
	if settings.RateLimit > 0 {
		stack = append(stack, RateLimitMiddleware(rate.Limit(settings.RateLimit), settings.Burst, log))
	}
	return append(stack, RecoveryMiddleware(log))
}

// NewPipeline wraps responder in stack. The responder is mounted at "/"
// without a ServeMux so that every path, cleaned or not, reaches it.
func NewPipeline(responder http.Handler, stack MiddlewareStack) http.Handler {
	return chainMiddleware(responder, stack)
}
